// server.go - HTTP front end of the claim ledger.

package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"confidentialclaims/internal/fhe"
	"confidentialclaims/internal/health"
	"confidentialclaims/internal/ledger"
	"confidentialclaims/internal/metrics"
	"confidentialclaims/internal/throttle"
)

// maxBodyBytes bounds request bodies; a proof envelope is a few kilobytes.
const maxBodyBytes = 1 << 20

// KeyProvider is implemented by backends that accept client-encrypted inputs.
type KeyProvider interface {
	PublicKey() bls12377.G1Affine
}

// Auditor receives security-relevant events.
type Auditor interface {
	Audit(event string, fields logrus.Fields)
}

type Options struct {
	Ledger  *ledger.Ledger
	Backend fhe.Backend
	// Limiter admits requests per principal. Nil admits everything.
	Limiter *throttle.PrincipalLimiter
	Metrics *metrics.Collector
	Health  *health.Checker
	Auditor Auditor
	Logger  logrus.FieldLogger
	Timeout time.Duration
}

type Server struct {
	ledger  *ledger.Ledger
	backend fhe.Backend
	limiter *throttle.PrincipalLimiter
	metrics *metrics.Collector
	health  *health.Checker
	auditor Auditor
	log     logrus.FieldLogger
	timeout time.Duration
}

func New(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	if opts.Health == nil {
		opts.Health = health.NewChecker("")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Server{
		ledger:  opts.Ledger,
		backend: opts.Backend,
		limiter: opts.Limiter,
		metrics: opts.Metrics,
		health:  opts.Health,
		auditor: opts.Auditor,
		log:     opts.Logger.WithField("component", "api"),
		timeout: opts.Timeout,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.recordRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Group(func(r chi.Router) {
		r.Use(s.admit)
		r.Use(middleware.Timeout(s.timeout))

		r.Get("/backend/pubkey", s.handlePubKey)
		r.Post("/claims", s.handleSubmit)
		r.Get("/claims/count", s.handleCount)
		r.Route("/claims/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetClaim)
			r.Post("/evaluate", s.handleEvaluate)
			r.Get("/exists", s.handleExists)
			r.Get("/loss", s.handleHandle(s.ledger.GetLossAmount))
			r.Get("/risk", s.handleHandle(s.ledger.GetRiskLevel))
			r.Get("/payout", s.handleHandle(s.ledger.GetPayout))
		})
		r.Post("/handles/{handle}/decrypt", s.handleDecrypt)
	})
	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	id, err := s.ledger.SubmitClaim(r.Context(), caller, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit("claim_submitted", logrus.Fields{"claim": id, "submitter": caller})
	writeJSON(w, http.StatusCreated, SubmitResponse{ClaimID: id})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.principal(w, r)
	if !ok {
		return
	}
	id, ok := claimID(w, r)
	if !ok {
		return
	}
	if err := s.ledger.EvaluateClaim(r.Context(), caller, id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit("claim_evaluated", logrus.Fields{"claim": id, "caller": caller})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := claimID(w, r)
	if !ok {
		return
	}
	view, err := s.ledger.GetClaim(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHandle(get func(context.Context, ledger.ClaimID) (fhe.Handle, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := claimID(w, r)
		if !ok {
			return
		}
		h, err := get(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, HandleResponse{Handle: h})
	}
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	count := s.ledger.GetClaimCount()
	s.metrics.SetGauge(metrics.MetricClaimCount, float64(count), nil)
	writeJSON(w, http.StatusOK, CountResponse{Count: count})
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	id, ok := claimID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ExistsResponse{Exists: s.ledger.ClaimExists(id)})
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.principal(w, r)
	if !ok {
		return
	}
	h, err := fhe.ParseHandle(chi.URLParam(r, "handle"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := s.backend.Decrypt(r.Context(), h, caller)
	if err != nil {
		if errors.Is(err, fhe.ErrAccessDenied) {
			s.audit("decrypt_denied", logrus.Fields{"handle": h.String(), "caller": caller})
		}
		s.fail(w, r, err)
		return
	}
	s.audit("decrypted", logrus.Fields{"handle": h.String(), "caller": caller})
	writeJSON(w, http.StatusOK, DecryptResponse{Value: v})
}

func (s *Server) handlePubKey(w http.ResponseWriter, r *http.Request) {
	kp, ok := s.backend.(KeyProvider)
	if !ok {
		writeError(w, http.StatusNotFound, "backend does not accept encrypted inputs")
		return
	}
	pk := kp.PublicKey()
	x := pk.X.Bytes()
	y := pk.Y.Bytes()
	writeJSON(w, http.StatusOK, PubKeyResponse{X: hex.EncodeToString(x[:]), Y: hex.EncodeToString(y[:])})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health.Check(r.Context())
	status := http.StatusOK
	if h.OverallStatus == health.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health.NewResponse(h))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Summary())
}

// principal reads the caller identity, answering 401 when it is missing.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (fhe.Principal, bool) {
	p := fhe.Principal(r.Header.Get(PrincipalHeader))
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusUnauthorized, PrincipalHeader+" header is required")
		return "", false
	}
	return p, true
}

// admit applies the per-principal limiter. Anonymous callers share a bucket per remote host.
func (s *Server) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			key := r.Header.Get(PrincipalHeader)
			if key == "" {
				host, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					host = r.RemoteAddr
				}
				key = "anon:" + host
			}
			if !s.limiter.Allow(key) {
				s.metrics.IncrementCounter(metrics.MetricRequestsThrottled, map[string]string{"principal": key})
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recordRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordRequest(route, status)
	})
}

// fail maps err to a status code and logs server-side failures.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.WithError(err).WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).Error("request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, fhe.ErrUnknownHandle):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrProofVerification):
		return http.StatusUnprocessableEntity
	case errors.Is(err, fhe.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, fhe.ErrEmptyPrincipal):
		return http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		// includes ledger.ErrDelayIntegrity
		return http.StatusInternalServerError
	}
}

func (s *Server) audit(event string, fields logrus.Fields) {
	if s.auditor != nil {
		s.auditor.Audit(event, fields)
	}
}

func claimID(w http.ResponseWriter, r *http.Request) (ledger.ClaimID, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "claim id must be a non-negative integer")
		return 0, false
	}
	return ledger.ClaimID(id), true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
