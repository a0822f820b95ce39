package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confidentialclaims/internal/fhe"
	"confidentialclaims/internal/health"
	"confidentialclaims/internal/ledger"
	"confidentialclaims/internal/metrics"
	"confidentialclaims/internal/throttle"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func (c fixedClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type recordingAuditor struct{ events []string }

func (a *recordingAuditor) Audit(event string, _ logrus.Fields) {
	a.events = append(a.events, event)
}

type fixture struct {
	srv     *httptest.Server
	backend *fhe.PlainBackend
	metrics *metrics.Collector
	auditor *recordingAuditor
}

func newFixture(t *testing.T, burst int) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	backend := fhe.NewPlainBackend()
	collector := metrics.NewCollector()
	l, err := ledger.New(context.Background(), ledger.Config{
		Backend: backend,
		Self:    "ledger",
		Events:  ledger.NewJournal(),
		Metrics: collector,
		Logger:  log,
	})
	require.NoError(t, err)

	checker := health.NewChecker("test")
	checker.Register("backend", func(context.Context) error { return backend.Ping() })

	auditor := &recordingAuditor{}
	s := New(Options{
		Ledger:  l,
		Backend: backend,
		Limiter: throttle.NewPrincipalLimiter(burst, 1, time.Hour, fixedClock{now: time.Unix(0, 0)}),
		Metrics: collector,
		Health:  checker,
		Auditor: auditor,
		Logger:  log,
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, backend: backend, metrics: collector, auditor: auditor}
}

func (f *fixture) do(t *testing.T, method, path string, who fhe.Principal, body interface{}, out interface{}) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if who != "" {
		req.Header.Set(PrincipalHeader, string(who))
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) submit(t *testing.T, who fhe.Principal, loss, risk uint64) ledger.ClaimID {
	t.Helper()
	in, err := fhe.EncodeInputs(who, loss, risk)
	require.NoError(t, err)
	var resp SubmitResponse
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/claims", who, in, &resp))
	return resp.ClaimID
}

func TestClaimLifecycle(t *testing.T) {
	f := newFixture(t, 100)

	id := f.submit(t, "alice", 1_000_000_000, 2)
	assert.Equal(t, ledger.ClaimID(0), id)

	var count CountResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/claims/count", "alice", nil, &count))
	assert.Equal(t, uint64(1), count.Count)

	var exists ExistsResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/claims/0/exists", "alice", nil, &exists))
	assert.True(t, exists.Exists)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/claims/1/exists", "alice", nil, &exists))
	assert.False(t, exists.Exists)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/claims/0/evaluate", "alice", nil, nil))

	var payout HandleResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/claims/0/payout", "alice", nil, &payout))
	var dec DecryptResponse
	require.Equal(t, http.StatusOK,
		f.do(t, http.MethodPost, "/handles/"+payout.Handle.String()+"/decrypt", "alice", nil, &dec))
	assert.Equal(t, uint64(750_000_000), dec.Value)

	var view ClaimResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/claims/0", "alice", nil, &view))
	assert.Equal(t, payout.Handle, view.Payout)

	var loss HandleResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/claims/0/loss", "alice", nil, &loss))
	assert.Equal(t, view.LossAmount, loss.Handle)
	var risk HandleResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/claims/0/risk", "alice", nil, &risk))
	assert.Equal(t, view.RiskLevel, risk.Handle)

	assert.Contains(t, f.auditor.events, "claim_submitted")
	assert.Contains(t, f.auditor.events, "claim_evaluated")
	assert.Contains(t, f.auditor.events, "decrypted")
}

func TestErrorStatuses(t *testing.T) {
	f := newFixture(t, 100)
	f.submit(t, "alice", 250, 3)

	t.Run("unknown claim", func(t *testing.T) {
		var e ErrorResponse
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/claims/7/payout", "alice", nil, &e))
		assert.NotEmpty(t, e.Error)
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/claims/7/evaluate", "alice", nil, nil))
	})

	t.Run("bad claim id", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/claims/-1/loss", "alice", nil, nil))
	})

	t.Run("missing principal", func(t *testing.T) {
		in, err := fhe.EncodeInputs("alice", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/claims", "", in, nil))
		assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/claims/0/evaluate", "", nil, nil))
	})

	t.Run("proof bound to another owner", func(t *testing.T) {
		in, err := fhe.EncodeInputs("mallory", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPost, "/claims", "alice", in, nil))
	})

	t.Run("wrong ciphertext count", func(t *testing.T) {
		in, err := fhe.EncodeInputs("alice", 1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPost, "/claims", "alice", in, nil))
	})

	t.Run("malformed body", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/claims", bytes.NewBufferString("{"))
		require.NoError(t, err)
		req.Header.Set(PrincipalHeader, "alice")
		resp, err := f.srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("decrypt without grant", func(t *testing.T) {
		var loss HandleResponse
		require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/claims/0/loss", "bob", nil, &loss))
		assert.Equal(t, http.StatusForbidden,
			f.do(t, http.MethodPost, "/handles/"+loss.Handle.String()+"/decrypt", "bob", nil, nil))
		assert.Contains(t, f.auditor.events, "decrypt_denied")
	})

	t.Run("unknown handle is indistinguishable from a denied one", func(t *testing.T) {
		h := fhe.DeriveHandle(fhe.OpTrivial, nil, 99, []byte("never stored"))
		assert.Equal(t, http.StatusForbidden,
			f.do(t, http.MethodPost, "/handles/"+h.String()+"/decrypt", "alice", nil, nil))
	})

	t.Run("malformed handle", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/handles/zz/decrypt", "alice", nil, nil))
	})

	var count CountResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/claims/count", "alice", nil, &count))
	assert.Equal(t, uint64(1), count.Count)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, 2)
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/claims/count", "alice", nil, nil))
	}
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/claims/count", "alice", nil, nil))

	// buckets are per principal
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/claims/count", "bob", nil, nil))

	// health and metrics are never throttled
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "alice", nil, nil))

	m := f.metrics.Get(metrics.MetricRequestsThrottled, map[string]string{"principal": "alice"})
	require.NotNil(t, m)
	assert.Equal(t, float64(1), m.Value)
}

func TestPubKeyNeedsKeyProvider(t *testing.T) {
	f := newFixture(t, 100)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/backend/pubkey", "alice", nil, nil))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, 100)
	f.submit(t, "alice", 100, 1)

	var h health.Response
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil, &h))
	assert.Equal(t, "success", h.Status)
	require.NotNil(t, h.Data)
	require.Len(t, h.Data.Components, 1)
	assert.Equal(t, health.Healthy, h.Data.Components[0].Status)

	var summary metrics.Summary
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "", nil, &summary))
	assert.Equal(t, int64(1), summary.Counters[metrics.MetricClaimsSubmitted])
	assert.Equal(t, int64(1), summary.Counters["http_requests{route=/claims,status=2xx}"])
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(ledger.ErrDelayIntegrity))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusNotFound, statusFor(fhe.ErrUnknownHandle))
}
