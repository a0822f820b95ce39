package ledger

import (
	"context"

	"github.com/pkg/errors"

	"confidentialclaims/internal/fhe"
)

const (
	// BasisPoints is 100% of the loss.
	BasisPoints = 10000
	// RiskStep is the deduction per risk level above 1.
	RiskStep = 2500
)

// Ticker is the throttling hook run between pipeline steps.
type Ticker interface {
	Tick(ctx context.Context) error
}

type noTicker struct{}

func (noTicker) Tick(context.Context) error { return nil }

// PayoutCalculator derives the encrypted payout of a claim:
//
//	payout = floor(loss * (10000 - (risk-1)*2500) / 10000)
//
// Risk 1 pays 100%, 2 pays 75%, 3 pays 50%. Out-of-range risk levels wrap;
// they are not validated.
type PayoutCalculator struct {
	backend fhe.Backend
	ticker  Ticker
}

func NewPayoutCalculator(backend fhe.Backend, ticker Ticker) *PayoutCalculator {
	if ticker == nil {
		ticker = noTicker{}
	}
	return &PayoutCalculator{backend: backend, ticker: ticker}
}

// Compute runs the pipeline with a throttle tick after each of the first four
// steps. Nothing is persisted; the returned handle is new.
func (p *PayoutCalculator) Compute(ctx context.Context, loss, risk fhe.Handle) (fhe.Handle, error) {
	var zero fhe.Handle

	riskMinusOne, err := p.backend.SubScalar(ctx, risk, 1)
	if err != nil {
		return zero, errors.Wrap(err, "risk - 1")
	}
	if err := p.tick(ctx); err != nil {
		return zero, err
	}

	riskMultiplier, err := p.backend.MulScalar(ctx, riskMinusOne, RiskStep)
	if err != nil {
		return zero, errors.Wrap(err, "risk multiplier")
	}
	if err := p.tick(ctx); err != nil {
		return zero, err
	}

	payoutPercent, err := p.backend.ScalarSub(ctx, BasisPoints, riskMultiplier)
	if err != nil {
		return zero, errors.Wrap(err, "payout percent")
	}
	if err := p.tick(ctx); err != nil {
		return zero, err
	}

	numerator, err := p.backend.Mul(ctx, loss, payoutPercent)
	if err != nil {
		return zero, errors.Wrap(err, "payout numerator")
	}
	if err := p.tick(ctx); err != nil {
		return zero, err
	}

	payout, err := p.backend.DivScalar(ctx, numerator, BasisPoints)
	if err != nil {
		return zero, errors.Wrap(err, "payout")
	}
	return payout, nil
}

// tick reports any throttle failure other than cancellation as a delay
// integrity failure.
func (p *PayoutCalculator) tick(ctx context.Context) error {
	err := p.ticker.Tick(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, ErrDelayIntegrity) {
		return err
	}
	return errors.Wrapf(ErrDelayIntegrity, "%v", err)
}
