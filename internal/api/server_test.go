package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/khala/internal/auth"
	"github.com/ocx/khala/internal/catalog"
	"github.com/ocx/khala/internal/clock"
	"github.com/ocx/khala/internal/config"
	"github.com/ocx/khala/internal/credit"
	"github.com/ocx/khala/internal/eventlog"
	"github.com/ocx/khala/internal/fanout"
	"github.com/ocx/khala/internal/metrics"
	"github.com/ocx/khala/internal/projection"
	"github.com/ocx/khala/internal/ratelimit"
	"github.com/ocx/khala/internal/router"
)

func newTestServer(t *testing.T) (*Server, *auth.AdminKeyStore) {
	t.Helper()
	cfg := config.Defaulted()
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	mets := metrics.New()

	proj := projection.New()
	hub := fanout.New(cfg, c, mets)
	pub := NewMultiPublisher(hub, proj)
	l := eventlog.New(c, pub)

	gate := auth.New(cfg, c, l)
	limiter := ratelimit.New(cfg, c, mets)
	store := credit.New(cfg.Credit, l, c, &noopWallet{}, credit.NewSigner(nil))
	cat := catalog.New(cfg.Catalog, c)
	store.SetCatalog(cat)
	rt := router.New(cfg.Router, store, credit.NewSigner(nil))
	adminKeys := auth.NewAdminKeyStore()

	return New(cfg, l, hub, proj, gate, limiter, store, cat, rt, nil, adminKeys), adminKeys
}

type noopWallet struct{}

func (noopWallet) Pay(ctx context.Context, req credit.PayRequest) (*credit.PayResult, error) {
	return &credit.PayResult{RequestID: req.RequestID}, nil
}

func TestCreateRunRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.Router()

	body, _ := json.Marshal(map[string]any{"worker_id": "worker-1"})
	req := httptest.NewRequest("POST", "/v1/runs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 201, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	run, ok := resp["run"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "running", run["status"])
}

func TestAppendRunEventRejectsForgedSettlementEventType(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.Router()

	body, _ := json.Marshal(map[string]any{"worker_id": "worker-1"})
	req := httptest.NewRequest("POST", "/v1/runs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, 201, w.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	runID := created["run"].(map[string]any)["id"].(string)

	forged, _ := json.Marshal(map[string]any{"event_type": "payment", "payload": map[string]any{"fee_msats": 1}})
	forgeReq := httptest.NewRequest("POST", "/v1/runs/"+runID+"/events", bytes.NewReader(forged))
	forgeW := httptest.NewRecorder()
	r.ServeHTTP(forgeW, forgeReq)

	require.Equal(t, 400, forgeW.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(forgeW.Body.Bytes(), &resp))
	require.Equal(t, "invalid_request", resp["reason_code"])
}

func TestMintBootstrapTokenRejectsBadKey(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.Router()

	body, _ := json.Marshal(map[string]any{"admin_key": "khala_bogus.nope"})
	req := httptest.NewRequest("POST", "/v1/admin/bootstrap-token", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 400, w.Code)
}

func TestMintBootstrapTokenAcceptsIssuedKey(t *testing.T) {
	s, adminKeys := newTestServer(t)
	r := s.Router()

	fullKey, err := adminKeys.Issue("operator")
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]any{"admin_key": fullKey, "client_surface": "cli"})
	req := httptest.NewRequest("POST", "/v1/admin/bootstrap-token", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["token"])
}
