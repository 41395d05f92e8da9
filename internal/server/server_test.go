package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hvx-labs/escrowd/internal/chain"
	"github.com/hvx-labs/escrowd/internal/config"
)

type stubTxSource struct{}

func (stubTxSource) AddressTxs(ctx context.Context, addr string) ([]chain.AddressTx, error) {
	return nil, nil
}

func testConfig() *config.Config {
	pool := make([]string, 8)
	for i := range pool {
		pool[i] = "tb1qsrvtest00000000000000000000000000000" + string(rune('a'+i))
	}
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LogFormat:          "text",
		EsploraURL:         "http://127.0.0.1:1",
		ChainQueryTimeout:  time.Second,
		PollInterval:       time.Minute,
		WatcherWorkers:     2,
		ConfirmationsSmall: 1,
		ConfirmationsLarge: 3,
		SmallAmountCeiling: "0.1",
		PaymentExpiry:      24 * time.Hour,
		HoldingWindow:      14 * 24 * time.Hour,
		DisputeRecheck:     24 * time.Hour,
		SchedulerPeriod:    time.Minute,
		AddressPool:        pool,
		AffiliateRateBps:   200,
		RateLimitRPM:       10_000,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(cfg, WithLogger(logger), WithTxSource(stubTxSource{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func doRequest(s *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := doRequest(s, http.MethodGet, "/health/live", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("liveness status = %d, want 200", w.Code)
	}
}

func TestHealthDegradedBeforeStart(t *testing.T) {
	s := newTestServer(t, testConfig())

	// Background workers have not started, so the aggregate check fails.
	w := doRequest(s, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
	if resp.Checks["address_pool"] != "healthy" {
		t.Errorf("address_pool check = %q, want healthy", resp.Checks["address_pool"])
	}
}

func TestAdminSecretGuard(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = "topsecret"
	s := newTestServer(t, cfg)

	w := doRequest(s, http.MethodGet, "/v1/admin/pool", nil, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("no secret: status = %d, want 403", w.Code)
	}

	w = doRequest(s, http.MethodGet, "/v1/admin/pool", nil, map[string]string{
		"X-Admin-Secret": "wrong",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("wrong secret: status = %d, want 403", w.Code)
	}

	w = doRequest(s, http.MethodGet, "/v1/admin/pool", nil, map[string]string{
		"X-Admin-Secret": "topsecret",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("correct secret: status = %d, want 200", w.Code)
	}
}

func TestAdminOpenInDevelopmentWithoutSecret(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := doRequest(s, http.MethodGet, "/v1/admin/pool", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dev admin status = %d, want 200", w.Code)
	}
}

func TestCreateAndFetchOrderThroughRouter(t *testing.T) {
	s := newTestServer(t, testConfig())

	body := []byte(`{"vendorId":"vendor-1","listingId":"listing-1","amount":"0.01"}`)
	w := doRequest(s, http.MethodPost, "/v1/orders", body, map[string]string{
		"X-User-ID": "buyer-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", w.Code, w.Body.String())
	}

	var created struct {
		Order struct {
			ID      string `json:"id"`
			Status  string `json:"status"`
			Address string `json:"address"`
		} `json:"order"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Order.Status != "awaiting_payment" {
		t.Errorf("status = %q, want awaiting_payment", created.Order.Status)
	}
	if created.Order.Address == "" {
		t.Error("order has no deposit address")
	}

	w = doRequest(s, http.MethodGet, "/v1/orders/"+created.Order.ID, nil, map[string]string{
		"X-User-ID": "buyer-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("fetch status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestCreateOrderRequiresUser(t *testing.T) {
	s := newTestServer(t, testConfig())

	body := []byte(`{"vendorId":"vendor-1","amount":"0.01"}`)
	w := doRequest(s, http.MethodPost, "/v1/orders", body, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}
