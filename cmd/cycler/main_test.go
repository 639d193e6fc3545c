package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/kyj1435/perpdex-cycler/internal/config"
)

func TestBuildGateways_RestVenue(t *testing.T) {
	var (
		mu     sync.Mutex
		seen   []string
		signed bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		if r.Header.Get("X-API-Key") != "" && r.Header.Get("X-Signature") != "" {
			signed = true
		}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"symbol":"AAA-PERP","baseAsset":"AAA","quoteAsset":"USDC","minOrderSize":"0.0001","sizePrecision":4,"markPrice":"100"}]`))
	}))
	defer srv.Close()

	cfg := &config.Config{
		Venues: []config.VenueConfig{
			{Name: "paperco", Type: "paper", InitialEquity: 1000},
			{Name: "restco", Type: "rest", BaseURL: srv.URL, APIKey: "key", APISecret: "secret", RatePerSecond: 8},
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gateways, err := buildGateways(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("buildGateways() = %v", err)
	}
	defer func() {
		for _, gw := range gateways {
			_ = gw.Close()
		}
	}()

	if len(gateways) != 2 {
		t.Fatalf("gateways = %d, want 2", len(gateways))
	}
	if gateways["restco"].Name() != "restco" {
		t.Errorf("rest gateway name = %q", gateways["restco"].Name())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("rest venue initialization sent no requests")
	}
	// Initialize must hit the markets endpoint, never the bare base URL.
	for _, req := range seen {
		if req != "GET /api/v1/markets" {
			t.Errorf("unexpected request %q, want GET /api/v1/markets", req)
		}
	}
	if !signed {
		t.Error("requests were not signed with the venue credentials")
	}
}

func TestBuildGateways_UnknownType(t *testing.T) {
	cfg := &config.Config{
		Venues: []config.VenueConfig{
			{Name: "mystery", Type: "carrier-pigeon"},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := buildGateways(context.Background(), cfg, logger); err == nil {
		t.Fatal("buildGateways() = nil, want error for unknown venue type")
	}
}
