package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stream-proxy-go/internal/config"
	"stream-proxy-go/internal/metrics"
)

func newTestClient(timeout int, maxBody int64, m *metrics.Metrics) *UpstreamClient {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  timeout,
			IdleConnections: 10,
			MaxBodyBytes:    maxBody,
			UserAgent:       "stream-proxy-go/test",
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewUpstreamClient(cfg, logger, m)
}

func TestUpstreamClient_Fetch(t *testing.T) {
	var gotUA, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCustom = r.Header.Get("X-Custom")
		w.Header().Set("Content-Type", "video/mp2t")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte{0x47, 0x00, 0xff})
	}))
	defer srv.Close()

	c := newTestClient(10, 0, nil)
	resp, err := c.Fetch(context.Background(), http.MethodGet, srv.URL+"/seg.ts", http.Header{"X-Custom": {"yes"}})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if string(resp.Body) != "\x47\x00\xff" {
		t.Errorf("body = %q, want binary payload intact", resp.Body)
	}
	if resp.Header.Get("Content-Type") != "video/mp2t" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	if gotUA != "stream-proxy-go/test" {
		t.Errorf("User-Agent = %q, want default agent", gotUA)
	}
	if gotCustom != "yes" {
		t.Errorf("X-Custom = %q, want %q", gotCustom, "yes")
	}
}

func TestUpstreamClient_Fetch_KeepsCallerUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := newTestClient(10, 0, nil)
	if _, err := c.Fetch(context.Background(), http.MethodGet, srv.URL, http.Header{"User-Agent": {"player/2"}}); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotUA != "player/2" {
		t.Errorf("User-Agent = %q, want %q", gotUA, "player/2")
	}
}

func TestUpstreamClient_Fetch_NonOKIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(10, 0, nil)
	resp, err := c.Fetch(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestUpstreamClient_Fetch_BodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	c := newTestClient(10, 16, nil)
	_, err := c.Fetch(context.Background(), http.MethodGet, srv.URL, nil)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("Fetch() error = %v, want ErrBodyTooLarge", err)
	}

	exact := newTestClient(10, 64, nil)
	if _, err := exact.Fetch(context.Background(), http.MethodGet, srv.URL, nil); err != nil {
		t.Errorf("Fetch() at exact limit error = %v", err)
	}
}

func TestUpstreamClient_Fetch_Error(t *testing.T) {
	c := newTestClient(1, 0, nil)

	_, err := c.Fetch(context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent", nil)
	if err == nil {
		t.Fatal("Fetch() expected error for unreachable host, got nil")
	}
}

func TestUpstreamClient_Fetch_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a slow upstream; the request should be canceled before this completes.
		time.Sleep(5 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(30, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.Fetch(ctx, http.MethodGet, srv.URL+"/slow", nil)
	if err == nil {
		t.Fatal("Fetch() expected error for canceled context, got nil")
	}
}

func TestUpstreamClient_Fetch_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(10, 0, m)
	if _, err := c.Fetch(context.Background(), http.MethodGet, srv.URL, nil); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "stream_proxy_upstream_responses_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "status_code" && lp.GetValue() == "418" {
					return
				}
			}
		}
	}
	t.Error("expected upstream_responses_total{status_code=\"418\"} to be recorded")
}
