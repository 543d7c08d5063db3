package proxy

import (
	"testing"
	"time"

	"github.com/medrecords/gateway/internal/config"
)

func TestNewTransportDefault(t *testing.T) {
	tr := NewTransport(DefaultTransportConfig)
	if tr == nil {
		t.Fatal("expected non-nil transport")
	}
	if tr.MaxIdleConns != 100 {
		t.Errorf("expected MaxIdleConns 100, got %d", tr.MaxIdleConns)
	}
	if tr.ResponseHeaderTimeout != 0 {
		t.Errorf("header wait should be left to the request deadline, got %v", tr.ResponseHeaderTimeout)
	}
	if tr.Proxy != nil {
		t.Error("backend transport should not use an environment proxy")
	}
}

func TestTransportConfigFrom(t *testing.T) {
	tc := TransportConfigFrom(config.UpstreamConfig{
		ConnectTimeout:      time.Second,
		RequestTimeout:      3 * time.Second,
		MaxIdleConnsPerHost: 32,
	})

	if tc.DialTimeout != time.Second {
		t.Errorf("expected DialTimeout 1s, got %v", tc.DialTimeout)
	}
	if tc.ResponseHeaderTimeout != 0 {
		t.Errorf("request timeout must not cap the transport, got %v", tc.ResponseHeaderTimeout)
	}
	if tc.MaxIdleConnsPerHost != 32 {
		t.Errorf("expected MaxIdleConnsPerHost 32, got %d", tc.MaxIdleConnsPerHost)
	}
	if tc.MaxIdleConns != DefaultTransportConfig.MaxIdleConns {
		t.Errorf("zero MaxIdleConns should keep the default, got %d", tc.MaxIdleConns)
	}
}
