package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confidentialclaims/internal/api"
	"confidentialclaims/internal/coprocessor"
	"confidentialclaims/internal/fhe"
	"confidentialclaims/internal/inputproof"
	"confidentialclaims/internal/ledger"
)

func newServer(t *testing.T, backend fhe.Backend) *httptest.Server {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	l, err := ledger.New(context.Background(), ledger.Config{
		Backend: backend,
		Self:    "ledger",
		Logger:  log,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(api.New(api.Options{Ledger: l, Backend: backend, Logger: log}).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t, fhe.NewPlainBackend())
	alice := New(srv.URL+"/", "alice", srv.Client())

	in, err := fhe.EncodeInputs("alice", 250, 3)
	require.NoError(t, err)
	id, err := alice.SubmitClaim(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, ledger.ClaimID(0), id)

	count, err := alice.GetClaimCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	ok, err := alice.ClaimExists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	// any principal may trigger evaluation; the payout grant goes to the caller
	bob := alice.As("bob")
	require.NoError(t, bob.EvaluateClaim(ctx, id))

	h, err := alice.GetPayout(ctx, id)
	require.NoError(t, err)
	v, err := bob.Decrypt(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, uint64(125), v)

	_, err = alice.Decrypt(ctx, h)
	assert.True(t, errors.Is(err, fhe.ErrAccessDenied), err)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)

	require.NoError(t, alice.EvaluateClaim(ctx, id))
	v, err = alice.Decrypt(ctx, h)
	require.NoError(t, err, "re-evaluating grants the same payout handle")
	assert.Equal(t, uint64(125), v)

	view, err := alice.GetClaim(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, h, view.Payout)

	loss, err := alice.GetLossAmount(ctx, id)
	require.NoError(t, err)
	v, err = alice.Decrypt(ctx, loss)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), v)

	risk, err := alice.GetRiskLevel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, view.RiskLevel, risk)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t, fhe.NewPlainBackend())
	c := New(srv.URL, "alice", nil)

	_, err := c.GetPayout(ctx, 3)
	assert.True(t, errors.Is(err, ledger.ErrNotFound), err)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	in, err := fhe.EncodeInputs("bob", 1, 1)
	require.NoError(t, err)
	_, err = c.SubmitClaim(ctx, in)
	assert.True(t, errors.Is(err, ledger.ErrProofVerification), err)

	_, err = c.As("").SubmitClaim(ctx, in)
	assert.True(t, errors.Is(err, fhe.ErrEmptyPrincipal), err)

	in, err = fhe.EncodeInputs("alice", 10, 1)
	require.NoError(t, err)
	id, err := c.SubmitClaim(ctx, in)
	require.NoError(t, err)
	h, err := c.GetLossAmount(ctx, id)
	require.NoError(t, err)
	_, err = c.As("bob").Decrypt(ctx, h)
	assert.True(t, errors.Is(err, fhe.ErrAccessDenied), err)

	_, err = c.PublicKey(ctx)
	assert.True(t, errors.Is(err, ledger.ErrNotFound), err)
}

func TestClientPublicKey(t *testing.T) {
	kp, err := inputproof.GenerateKeyPair()
	require.NoError(t, err)
	backend, err := coprocessor.New(coprocessor.Config{
		KeyPair:  kp,
		Verifier: rejectAll{},
		Store:    coprocessor.NewMemoryStore(),
	})
	require.NoError(t, err)
	srv := newServer(t, backend)

	pk, err := New(srv.URL, "alice", nil).PublicKey(context.Background())
	require.NoError(t, err)
	assert.True(t, pk.Equal(&kp.Pk))
}

type rejectAll struct{}

func (rejectAll) Verify(owner fhe.Principal, in fhe.InputBatch) (bls12377.G1Affine, error) {
	return bls12377.G1Affine{}, fhe.ErrInvalidProof
}
