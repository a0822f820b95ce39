// ledger.go - The claim ledger: submission, evaluation and handle queries.
//
// Every public operation runs under one admission lock, so operations are
// totally ordered and a failed operation leaves no partial state behind.

package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"confidentialclaims/internal/fhe"
)

// inputsPerClaim is the number of ciphertexts in a submission: loss then risk.
const inputsPerClaim = 2

// Metrics receives operation timings and error counts.
type Metrics interface {
	RecordSubmission(d time.Duration)
	RecordEvaluation(d time.Duration)
	RecordError(errorType string)
}

type noMetrics struct{}

func (noMetrics) RecordSubmission(time.Duration) {}
func (noMetrics) RecordEvaluation(time.Duration) {}
func (noMetrics) RecordError(string)             {}

type Config struct {
	Backend fhe.Backend
	// Storage defaults to a fresh MemoryStorage.
	Storage Storage
	// Delay is ticked between payout steps. Nil disables throttling.
	Delay Ticker
	// Self is the ledger's own principal, granted on every handle it shares.
	Self    fhe.Principal
	Events  EventSink
	Metrics Metrics
	Logger  logrus.FieldLogger
}

type Ledger struct {
	mu      sync.Mutex
	backend fhe.Backend
	store   *ClaimStore
	calc    *PayoutCalculator
	acl     *AccessControl
	self    fhe.Principal
	events  EventSink
	metrics Metrics
	log     logrus.FieldLogger
}

// New restores the ledger from cfg.Storage.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.Backend == nil {
		return nil, errors.New("ledger needs a backend")
	}
	if err := cfg.Self.Validate(); err != nil {
		return nil, errors.Wrap(err, "ledger principal")
	}
	if cfg.Storage == nil {
		cfg.Storage = NewMemoryStorage()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	store, err := NewClaimStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		backend: cfg.Backend,
		store:   store,
		calc:    NewPayoutCalculator(cfg.Backend, cfg.Delay),
		acl:     NewAccessControl(cfg.Backend, cfg.Self),
		self:    cfg.Self,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		log:     cfg.Logger.WithField("component", "ledger"),
	}
	l.log.WithField("claims", store.Count()).Info("ledger opened")
	return l, nil
}

// SubmitClaim imports the encrypted loss amount and risk level in `in`,
// records a new claim with an encrypted zero payout, and grants the ledger
// and the submitter access to both inputs.
func (l *Ledger) SubmitClaim(ctx context.Context, submitter fhe.Principal, in fhe.InputBatch) (ClaimID, error) {
	start := time.Now()
	if err := submitter.Validate(); err != nil {
		return 0, err
	}
	if len(in.Ciphertexts) != inputsPerClaim {
		l.metrics.RecordError("proof_verification")
		return 0, errors.Wrapf(ErrProofVerification, "expected %d ciphertexts, got %d", inputsPerClaim, len(in.Ciphertexts))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	handles, err := l.backend.FromExternal(ctx, submitter, in)
	if err != nil {
		if errors.Is(err, fhe.ErrInvalidProof) {
			l.metrics.RecordError("proof_verification")
			return 0, errors.Wrap(ErrProofVerification, err.Error())
		}
		return 0, errors.Wrap(err, "import inputs")
	}
	loss, risk := handles[0], handles[1]

	zero, err := l.backend.TrivialEncrypt(ctx, 0)
	if err != nil {
		return 0, errors.Wrap(err, "encrypt zero payout")
	}
	// Grants only touch handles no claim references yet.
	if err := l.acl.Grant(ctx, loss, submitter); err != nil {
		return 0, err
	}
	if err := l.acl.Grant(ctx, risk, submitter); err != nil {
		return 0, err
	}
	if err := l.acl.Grant(ctx, zero); err != nil {
		return 0, err
	}

	id, err := l.store.Submit(ctx, submitter, loss, risk, zero)
	if err != nil {
		l.metrics.RecordError("storage")
		return 0, err
	}

	l.emit(newEvent(EventClaimSubmitted, id, submitter))
	l.metrics.RecordSubmission(time.Since(start))
	l.log.WithFields(logrus.Fields{"claim": id, "submitter": submitter}).Info("claim submitted")
	return id, nil
}

// EvaluateClaim computes the encrypted payout of claim id, stores it and grants
// the ledger and the caller access to it. Any principal may evaluate any
// claim, and re-evaluation replaces the payout with an equal value under a
// new grant.
func (l *Ledger) EvaluateClaim(ctx context.Context, caller fhe.Principal, id ClaimID) error {
	start := time.Now()
	if err := caller.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	claim, err := l.store.Get(id)
	if err != nil {
		return err
	}

	log := l.log.WithFields(logrus.Fields{"claim": id, "caller": caller})
	if caller != claim.Submitter {
		log.WithField("submitter", claim.Submitter).Warn("claim evaluated by a principal other than its submitter")
	}

	payout, err := l.calc.Compute(ctx, claim.LossAmount, claim.RiskLevel)
	if err != nil {
		if errors.Is(err, ErrDelayIntegrity) {
			l.metrics.RecordError("delay_integrity")
			log.WithError(err).Error("throttle integrity check failed")
		}
		return err
	}
	if err := l.acl.Grant(ctx, payout, caller); err != nil {
		return err
	}
	if err := l.store.SetPayout(ctx, id, payout); err != nil {
		l.metrics.RecordError("storage")
		return err
	}

	l.emit(newEvent(EventClaimEvaluated, id, caller))
	l.metrics.RecordEvaluation(time.Since(start))
	log.Info("claim evaluated")
	return nil
}

func (l *Ledger) GetLossAmount(ctx context.Context, id ClaimID) (fhe.Handle, error) {
	c, err := l.get(id)
	return c.LossAmount, err
}

func (l *Ledger) GetRiskLevel(ctx context.Context, id ClaimID) (fhe.Handle, error) {
	c, err := l.get(id)
	return c.RiskLevel, err
}

// GetPayout returns the encrypted zero until the claim is evaluated.
func (l *Ledger) GetPayout(ctx context.Context, id ClaimID) (fhe.Handle, error) {
	c, err := l.get(id)
	return c.Payout, err
}

func (l *Ledger) GetClaim(ctx context.Context, id ClaimID) (ClaimView, error) {
	c, err := l.get(id)
	if err != nil {
		return ClaimView{}, err
	}
	return ClaimView{LossAmount: c.LossAmount, RiskLevel: c.RiskLevel, Payout: c.Payout}, nil
}

func (l *Ledger) GetClaimCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Count()
}

func (l *Ledger) ClaimExists(id ClaimID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Exists(id)
}

// Self is the ledger's own principal.
func (l *Ledger) Self() fhe.Principal {
	return l.self
}

func (l *Ledger) get(id ClaimID) (Claim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Get(id)
}

func (l *Ledger) emit(e Event) {
	if l.events != nil {
		l.events.Emit(e)
	}
}
