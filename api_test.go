package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVerifier accepts credentials of the form "token:<email>".
type fakeVerifier struct {
	err error
}

func (f fakeVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	if f.err != nil {
		return Identity{}, f.err
	}

	email, ok := strings.CutPrefix(credential, "token:")
	if !ok {
		return Identity{}, ErrUnauthenticated
	}

	return Identity{Email: email, Name: "Test User", Subject: "sub-" + email}, nil
}

const testCatalog = `[
	{"lat": 48.8584, "lng": 2.2945, "name": "Eiffel Tower"},
	{"lat": 40.6892, "lng": -74.0445, "name": "Statue of Liberty"},
	{"lat": 27.1751, "lng": 78.0421, "name": "Taj Mahal"},
	{"lat": -33.8568, "lng": 151.2153, "name": "Sydney Opera House"},
	{"lat": 51.5007, "lng": -0.1246, "name": "Big Ben"}
]`

type testServer struct {
	cfg *Config
	svc *Service
	mux http.Handler
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()

	dir := t.TempDir()

	cfg := &Config{
		clientID:        testClientID,
		database:        filepath.Join(dir, "scores.db"),
		ledgerWriters:   2,
		locations:       writeCatalog(t, "locations.json", testCatalog),
		metrics:         true,
		port:            4000,
		verifierTimeout: time.Second,
		verifierURL:     defaultVerifierURL,
	}
	for _, fn := range mutate {
		fn(cfg)
	}

	svc, err := newService(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	svc.verifier = fakeVerifier{}

	errs := make(chan error, 64)

	return &testServer{cfg: cfg, svc: svc, mux: newRouter(cfg, svc, errs)}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)

	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())

	return v
}

func TestLocationCount(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/locations/count", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, decodeJSON[countResponse](t, rec).Count)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestLocationByID(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/locations/2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	loc := decodeJSON[map[string]any](t, rec)
	assert.Equal(t, float64(2), loc["id"])
	assert.Equal(t, "Taj Mahal", loc["name"])
	assert.InDelta(t, 27.1751, loc["lat"], 1e-9)

	tests := []struct {
		path string
		code int
	}{
		{"/locations/5", http.StatusNotFound},
		{"/locations/-1", http.StatusNotFound},
		{"/locations/abc", http.StatusBadRequest},
		{"/locations/1.5", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := ts.do(t, http.MethodGet, tt.path, nil)
		assert.Equal(t, tt.code, rec.Code, tt.path)
		assert.NotEmpty(t, decodeJSON[errorResponse](t, rec).Error)
	}
}

func TestRandomLocationCycle(t *testing.T) {
	ts := newTestServer(t)

	first := ts.do(t, http.MethodGet, "/locations/random", nil)
	require.Equal(t, http.StatusOK, first.Code)

	session := first.Header().Get(sessionHeader)
	require.NotEmpty(t, session)

	cookies := first.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookieName, cookies[0].Name)
	assert.Equal(t, session, cookies[0].Value)

	seen := map[float64]bool{decodeJSON[map[string]any](t, first)["id"].(float64): true}
	for range cycleLength - 1 {
		rec := ts.do(t, http.MethodGet, "/locations/random", nil, sessionHeader, session)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Result().Cookies())

		id := decodeJSON[map[string]any](t, rec)["id"].(float64)
		assert.False(t, seen[id], "repeated %v", id)
		assert.GreaterOrEqual(t, id, float64(0))
		assert.Less(t, id, float64(5))
		seen[id] = true
	}

	rec := ts.do(t, http.MethodGet, "/locations/random?session="+session, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeJSON[map[string]any](t, rec)["id"].(float64)
	assert.Less(t, id, float64(5))

	assert.Equal(t, float64(cycleLength+1), testutil.ToFloat64(ts.svc.metrics.RoundsServed))
}

func TestRandomLocationSharedRounds(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.sharedRounds = true })

	rec := ts.do(t, http.MethodGet, "/locations/random", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sharedSessionKey, rec.Header().Get(sessionHeader))
	assert.Empty(t, rec.Result().Cookies())
}

func TestRandomLocationEmptyCatalog(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.locations = filepath.Join(t.TempDir(), "missing.json")
	})

	rec := ts.do(t, http.MethodGet, "/locations/random", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/locations/count", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decodeJSON[countResponse](t, rec).Count)
}

func TestLocationQR(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/locations/0/qr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	_, err := png.Decode(rec.Body)
	assert.NoError(t, err)

	rec = ts.do(t, http.MethodGet, "/locations/9/qr", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMapLink(t *testing.T) {
	assert.Equal(t,
		"https://www.google.com/maps/search/?api=1&query=48.8584,2.2945",
		mapLink(Location{Lat: 48.8584, Lng: 2.2945}))
}

func TestReload(t *testing.T) {
	ts := newTestServer(t)

	require.NoError(t, os.WriteFile(ts.cfg.locations, []byte(`[{"lat": 1, "lng": 2}]`), 0644))

	rec := ts.do(t, http.MethodPost, "/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeJSON[reloadResponse](t, rec)
	assert.True(t, resp.Reloaded)
	assert.Equal(t, 1, resp.Count)

	require.NoError(t, os.WriteFile(ts.cfg.locations, []byte(`garbage`), 0644))

	rec = ts.do(t, http.MethodPost, "/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decodeJSON[reloadResponse](t, rec).Count)
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/auth/google", credentialRequest{Credential: "token:alice@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)

	identity := decodeJSON[Identity](t, rec)
	assert.Equal(t, "alice@example.com", identity.Email)
	assert.Equal(t, "sub-alice@example.com", identity.Subject)

	rec = ts.do(t, http.MethodPost, "/auth/google", credentialRequest{Credential: "forged"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/auth/google", credentialRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/auth/google", `{"credential":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaveScore(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/scores", `{"credential": "token:alice@example.com", "score": 4200}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeJSON[saveScoreResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(4200), resp.Score.Score)
	assert.Positive(t, resp.Score.ID)
	assert.WithinDuration(t, time.Now(), resp.Score.Timestamp, time.Minute)

	assert.Equal(t, float64(1), testutil.ToFloat64(ts.svc.metrics.ScoresSaved))

	history, err := ts.svc.ledger.History(context.Background(), hashIdentity("ALICE@example.com"))
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, resp.Score.ID, history[0].ID)
}

func TestSaveScoreRejects(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"negative", `{"credential": "token:alice@example.com", "score": -1}`, http.StatusBadRequest},
		{"fractional", `{"credential": "token:alice@example.com", "score": 1.5}`, http.StatusBadRequest},
		{"string", `{"credential": "token:alice@example.com", "score": "10"}`, http.StatusBadRequest},
		{"missing score", `{"credential": "token:alice@example.com"}`, http.StatusBadRequest},
		{"null score", `{"credential": "token:alice@example.com", "score": null}`, http.StatusBadRequest},
		{"missing credential", `{"score": 10}`, http.StatusBadRequest},
		{"bad json", `{"score": 10`, http.StatusBadRequest},
		{"forged credential", `{"credential": "forged", "score": 10}`, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/scores", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.NotEmpty(t, decodeJSON[errorResponse](t, rec).Error)
		})
	}

	top, err := ts.svc.ledger.Top(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, top)
}

func TestVerifierFailures(t *testing.T) {
	ts := newTestServer(t)

	ts.svc.verifier = fakeVerifier{err: ErrVerifierUnconfigured}
	rec := ts.do(t, http.MethodPost, "/scores", `{"credential": "token:alice@example.com", "score": 1}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	ts.svc.verifier = fakeVerifier{err: errors.Join(ErrUnauthenticated, context.DeadlineExceeded)}
	rec = ts.do(t, http.MethodPost, "/scores/user", credentialRequest{Credential: "token:alice@example.com"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	failures := ts.svc.metrics.VerificationFailures
	assert.Equal(t, float64(1), testutil.ToFloat64(failures.WithLabelValues("unconfigured")))
	assert.Equal(t, float64(1), testutil.ToFloat64(failures.WithLabelValues("timeout")))
}

func TestUserScores(t *testing.T) {
	ts := newTestServer(t)

	for _, body := range []string{
		`{"credential": "token:alice@example.com", "score": 10}`,
		`{"credential": "token:bob@example.com", "score": 99}`,
		`{"credential": "token:alice@example.com", "score": 30}`,
	} {
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/scores", body).Code)
	}

	rec := ts.do(t, http.MethodPost, "/scores/user", credentialRequest{Credential: "token:alice@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeJSON[scoresResponse](t, rec)
	assert.True(t, resp.Success)
	require.Len(t, resp.Scores, 2)
	assert.Equal(t, int64(30), resp.Scores[0].Score)
	assert.Equal(t, int64(10), resp.Scores[1].Score)
	assert.Equal(t, hashIdentity("alice@example.com"), resp.Scores[0].IdentityHash)

	rec = ts.do(t, http.MethodPost, "/scores/user", credentialRequest{Credential: "token:carol@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"scores":[]`)

	rec = ts.do(t, http.MethodPost, "/scores/user", credentialRequest{Credential: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTopScores(t *testing.T) {
	ts := newTestServer(t)
	ts.svc.ledger.now = stepClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), time.Second)

	for _, body := range []string{
		`{"credential": "token:alice@example.com", "score": 100}`,
		`{"credential": "token:bob@example.com", "score": 200}`,
		`{"credential": "token:alice@example.com", "score": 200}`,
	} {
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/scores", body).Code)
	}

	rec := ts.do(t, http.MethodGet, "/scores/top?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeJSON[scoresResponse](t, rec)
	require.Len(t, resp.Scores, 2)
	assert.Equal(t, hashIdentity("bob@example.com"), resp.Scores[0].IdentityHash)
	assert.Equal(t, hashIdentity("alice@example.com"), resp.Scores[1].IdentityHash)
	assert.Equal(t, int64(200), resp.Scores[1].Score)

	for _, query := range []string{"", "?limit=0", "?limit=-4", "?limit=lots"} {
		rec := ts.do(t, http.MethodGet, "/scores/top"+query, nil)
		require.Equal(t, http.StatusOK, rec.Code, query)
		assert.Len(t, decodeJSON[scoresResponse](t, rec).Scores, 3, query)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodOptions, "/scores", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), sessionHeader)
}

func TestRouterMisc(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeJSON[healthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 5, health.Locations)

	rec = ts.do(t, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wherebox v"+releaseVersion+"\n", rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/robots.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Disallow: /")

	rec = ts.do(t, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", decodeJSON[errorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wherebox_catalog_locations 5")
}

func TestRouterPrefix(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.prefix = "/game"
		cfg.metrics = false
	})

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/game/locations/count", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/locations/count", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/game/metrics", nil).Code)
}
