//go:build ignore

// Mock records service for local runs against the memory registry.
// Run with: go run scripts/mock-backend.go -service pharmacy-service -port 9001
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"
)

func main() {
	port := flag.Int("port", 9001, "Port to listen on")
	service := flag.String("service", "pharmacy-service", "Service name to register as")
	admin := flag.String("admin", "http://127.0.0.1:8071", "Gateway admin API; empty skips registration")
	ttl := flag.Duration("ttl", 15*time.Second, "Registration TTL")
	flag.Parse()

	mux := http.NewServeMux()

	mux.HandleFunc("/actuator/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "UP"})
	})

	// Echo endpoint: reports what the gateway forwarded.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"service":         *service,
			"path":            r.URL.Path,
			"method":          r.Method,
			"query":           r.URL.RawQuery,
			"request_id":      r.Header.Get("X-Request-ID"),
			"x_forwarded_for": r.Header.Get("X-Forwarded-For"),
			"timestamp":       time.Now().Format(time.RFC3339),
		})
	})

	if *admin != "" {
		go register(*admin, *service, *port, *ttl)
	}

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock %s starting on %s", *service, addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

// register announces the instance and renews it at a third of the TTL.
func register(admin, service string, port int, ttl time.Duration) {
	body, _ := json.Marshal(map[string]any{
		"name":    service,
		"address": "127.0.0.1",
		"port":    port,
		"health":  "passing",
		"ttl":     ttl,
	})

	var id string
	for id == "" {
		resp, err := http.Post(admin+"/registry/services", "application/json", bytes.NewReader(body))
		if err != nil {
			log.Printf("register failed, retrying: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}
		var reg struct {
			ID string `json:"id"`
		}
		json.NewDecoder(resp.Body).Decode(&reg)
		resp.Body.Close()
		id = reg.ID
	}
	log.Printf("registered as %s", id)

	for range time.Tick(ttl / 3) {
		req, _ := http.NewRequest(http.MethodPut, admin+"/registry/services/"+id+"/heartbeat", nil)
		if resp, err := http.DefaultClient.Do(req); err != nil {
			log.Printf("heartbeat failed: %v", err)
		} else {
			resp.Body.Close()
		}
	}
}
