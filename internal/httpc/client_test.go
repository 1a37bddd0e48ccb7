package httpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var in map[string]any
		json.NewDecoder(r.Body).Decode(&in)
		json.NewEncoder(w).Encode(map[string]any{"success": true, "echo": in["value"]})
	}))
	defer srv.Close()

	var out struct {
		Success bool    `json:"success"`
		Echo    float64 `json:"echo"`
	}
	err := PostJSON(context.Background(), NewClient(time.Second), srv.URL, map[string]int{"value": 7}, &out)
	if err != nil {
		t.Fatalf("PostJSON() error = %v", err)
	}
	if !out.Success || out.Echo != 7 {
		t.Errorf("out = %+v", out)
	}
}

func TestPostJSONStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"success":false,"error":"bad"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	err := PostJSON(context.Background(), NewClient(time.Second), srv.URL, struct{}{}, nil)

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("PostJSON() error = %v, want *StatusError", err)
	}
	if se.Code != http.StatusBadRequest {
		t.Errorf("Code = %d", se.Code)
	}
}

func TestPostJSONCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := PostJSON(ctx, NewClient(time.Second), srv.URL, struct{}{}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("PostJSON() error = %v, want context.Canceled", err)
	}
}

func TestNewClientDefaultTimeout(t *testing.T) {
	if c := NewClient(0); c.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", c.Timeout, DefaultTimeout)
	}
	if c := NewClient(time.Second); c.Timeout != time.Second {
		t.Errorf("Timeout = %v, want 1s", c.Timeout)
	}
}
