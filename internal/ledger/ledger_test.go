package ledger

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confidentialclaims/internal/fhe"
	"confidentialclaims/internal/kv"
)

const (
	self  fhe.Principal = "ledger"
	alice fhe.Principal = "alice"
	bob   fhe.Principal = "bob"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type testLedger struct {
	*Ledger
	backend *fhe.PlainBackend
	journal *Journal
}

func newTestLedger(t *testing.T, storage Storage, delay Ticker) *testLedger {
	t.Helper()
	backend := fhe.NewPlainBackend()
	journal := NewJournal()
	l, err := New(context.Background(), Config{
		Backend: backend,
		Storage: storage,
		Delay:   delay,
		Self:    self,
		Events:  journal,
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	return &testLedger{Ledger: l, backend: backend, journal: journal}
}

func (tl *testLedger) submit(t *testing.T, who fhe.Principal, loss, risk uint64) ClaimID {
	t.Helper()
	in, err := fhe.EncodeInputs(who, loss, risk)
	require.NoError(t, err)
	id, err := tl.SubmitClaim(context.Background(), who, in)
	require.NoError(t, err)
	return id
}

func (tl *testLedger) payout(t *testing.T, id ClaimID, who fhe.Principal) uint64 {
	t.Helper()
	ctx := context.Background()
	h, err := tl.GetPayout(ctx, id)
	require.NoError(t, err)
	v, err := tl.backend.Decrypt(ctx, h, who)
	require.NoError(t, err)
	return v
}

func TestAllocator(t *testing.T) {
	a := NewAllocator(3)
	assert.Equal(t, ClaimID(3), a.Peek())
	assert.Equal(t, ClaimID(3), a.Allocate())
	assert.Equal(t, ClaimID(4), a.Allocate())
	assert.Equal(t, uint64(5), a.Count())
}

func TestSubmitClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("ids are sequential and count grows by one", func(t *testing.T) {
		tl := newTestLedger(t, nil, nil)
		for i := 0; i < 5; i++ {
			before := tl.GetClaimCount()
			id := tl.submit(t, alice, 100, 1)
			assert.Equal(t, ClaimID(before), id)
			assert.Equal(t, before+1, tl.GetClaimCount())
		}
	})

	t.Run("exists iff id below count", func(t *testing.T) {
		tl := newTestLedger(t, nil, nil)
		assert.False(t, tl.ClaimExists(0))
		tl.submit(t, alice, 100, 1)
		tl.submit(t, alice, 100, 1)
		assert.True(t, tl.ClaimExists(0))
		assert.True(t, tl.ClaimExists(1))
		assert.False(t, tl.ClaimExists(2))
		assert.False(t, tl.ClaimExists(ClaimID(^uint64(0))))
	})

	t.Run("payout starts as encrypted zero and submitter can read inputs", func(t *testing.T) {
		tl := newTestLedger(t, nil, nil)
		id := tl.submit(t, alice, 1234, 3)
		assert.Equal(t, uint64(0), tl.payout(t, id, self))

		view, err := tl.GetClaim(ctx, id)
		require.NoError(t, err)
		loss, err := tl.backend.Decrypt(ctx, view.LossAmount, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(1234), loss)
		risk, err := tl.backend.Decrypt(ctx, view.RiskLevel, self)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), risk)

		_, err = tl.backend.Decrypt(ctx, view.LossAmount, bob)
		assert.True(t, errors.Is(err, fhe.ErrAccessDenied))
	})

	t.Run("invalid proof changes nothing", func(t *testing.T) {
		tl := newTestLedger(t, nil, nil)
		tl.submit(t, alice, 1, 1)

		in, err := fhe.EncodeInputs(alice, 500, 3)
		require.NoError(t, err)
		in.Proof[0] ^= 0xff
		_, err = tl.SubmitClaim(ctx, alice, in)
		assert.True(t, errors.Is(err, ErrProofVerification))

		// A batch proven for someone else does not verify for bob.
		in, err = fhe.EncodeInputs(alice, 500, 3)
		require.NoError(t, err)
		_, err = tl.SubmitClaim(ctx, bob, in)
		assert.True(t, errors.Is(err, ErrProofVerification))

		in, err = fhe.EncodeInputs(alice, 500)
		require.NoError(t, err)
		_, err = tl.SubmitClaim(ctx, alice, in)
		assert.True(t, errors.Is(err, ErrProofVerification))

		assert.Equal(t, uint64(1), tl.GetClaimCount())
		assert.Len(t, tl.journal.Events(), 1)
	})

	t.Run("empty submitter is rejected", func(t *testing.T) {
		tl := newTestLedger(t, nil, nil)
		in, err := fhe.EncodeInputs("", 1, 1)
		require.NoError(t, err)
		_, err = tl.SubmitClaim(ctx, "", in)
		assert.True(t, errors.Is(err, fhe.ErrEmptyPrincipal))
		assert.Equal(t, uint64(0), tl.GetClaimCount())
	})
}

func TestEvaluateClaim(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		loss uint64
		risk uint64
		want uint64
	}{
		{"low risk pays full loss", 987_654, 1, 987_654},
		{"medium risk pays 75 percent", 1001, 2, 750},
		{"high risk pays half", 999, 3, 499},
		{"largest loss does not overflow", 4_294_967_295, 2, 3_221_225_471},
		{"scenario one", 1_000_000_000, 2, 750_000_000},
		{"scenario two", 500, 3, 250},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := newTestLedger(t, nil, nil)
			id := tl.submit(t, alice, tt.loss, tt.risk)
			require.NoError(t, tl.EvaluateClaim(ctx, alice, id))
			assert.Equal(t, tt.want, tl.payout(t, id, alice))
			assert.Equal(t, tt.want, tl.payout(t, id, self))
		})
	}

	t.Run("evaluation is deterministic", func(t *testing.T) {
		tl := newTestLedger(t, nil, nil)
		id := tl.submit(t, alice, 1_000_000_000, 2)
		require.NoError(t, tl.EvaluateClaim(ctx, alice, id))
		first, err := tl.GetPayout(ctx, id)
		require.NoError(t, err)
		require.NoError(t, tl.EvaluateClaim(ctx, alice, id))
		second, err := tl.GetPayout(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, uint64(750_000_000), tl.payout(t, id, alice))
	})

	t.Run("any principal may evaluate and gets the grant", func(t *testing.T) {
		tl := newTestLedger(t, nil, nil)
		id := tl.submit(t, alice, 800, 3)
		require.NoError(t, tl.EvaluateClaim(ctx, bob, id))
		assert.Equal(t, uint64(400), tl.payout(t, id, bob))

		events := tl.journal.Events()
		require.Len(t, events, 2)
		assert.Equal(t, EventClaimEvaluated, events[1].Kind)
		assert.Equal(t, bob, events[1].Principal)
		assert.NotEqual(t, events[0].ID, events[1].ID)
	})

	t.Run("unknown id changes nothing", func(t *testing.T) {
		tl := newTestLedger(t, nil, nil)
		id := tl.submit(t, alice, 500, 3)
		before := tl.Snapshot()

		err := tl.EvaluateClaim(ctx, alice, id+1)
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.Equal(t, before.Count, tl.GetClaimCount())
		assert.Equal(t, before.Claims, tl.Snapshot().Claims)
	})

	t.Run("getters report unknown ids", func(t *testing.T) {
		tl := newTestLedger(t, nil, nil)
		_, err := tl.GetLossAmount(ctx, 0)
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = tl.GetRiskLevel(ctx, 0)
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = tl.GetPayout(ctx, 0)
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = tl.GetClaim(ctx, 0)
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

type countingTicker struct {
	ticks  int
	failAt int
}

func (c *countingTicker) Tick(ctx context.Context) error {
	c.ticks++
	if c.failAt > 0 && c.ticks == c.failAt {
		return errors.New("bucket underflow")
	}
	return nil
}

func TestPayoutThrottle(t *testing.T) {
	ctx := context.Background()

	t.Run("four ticks per evaluation", func(t *testing.T) {
		ticker := &countingTicker{}
		tl := newTestLedger(t, nil, ticker)
		id := tl.submit(t, alice, 10, 1)
		require.NoError(t, tl.EvaluateClaim(ctx, alice, id))
		assert.Equal(t, 4, ticker.ticks)
	})

	t.Run("failed tick aborts and keeps the old payout", func(t *testing.T) {
		ticker := &countingTicker{failAt: 3}
		tl := newTestLedger(t, nil, ticker)
		id := tl.submit(t, alice, 10, 1)
		before, err := tl.GetPayout(ctx, id)
		require.NoError(t, err)

		err = tl.EvaluateClaim(ctx, alice, id)
		assert.True(t, errors.Is(err, ErrDelayIntegrity))
		after, err := tl.GetPayout(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, before, after)
		assert.Len(t, tl.journal.Events(), 1)
	})
}

type failingStorage struct {
	*MemoryStorage
	failPut bool
}

func (f *failingStorage) Put(ctx context.Context, id ClaimID, c Claim) error {
	if f.failPut {
		return errors.New("disk full")
	}
	return f.MemoryStorage.Put(ctx, id, c)
}

func TestEvaluateStorageFailure(t *testing.T) {
	ctx := context.Background()
	storage := &failingStorage{MemoryStorage: NewMemoryStorage()}
	tl := newTestLedger(t, storage, nil)
	id := tl.submit(t, alice, 10, 1)

	storage.failPut = true
	assert.Error(t, tl.EvaluateClaim(ctx, alice, id))
	assert.Equal(t, uint64(0), tl.payout(t, id, self))
}

func TestAccessControlGrant(t *testing.T) {
	ctx := context.Background()
	backend := fhe.NewPlainBackend()
	h, err := backend.TrivialEncrypt(ctx, 9)
	require.NoError(t, err)

	acl := NewAccessControl(backend, self)
	require.NoError(t, acl.Grant(ctx, h, alice, alice))
	require.NoError(t, acl.Grant(ctx, h, alice))
	for _, p := range []fhe.Principal{self, alice} {
		ok, err := backend.IsAllowed(ctx, h, p)
		require.NoError(t, err)
		assert.True(t, ok, p)
	}
	ok, err := backend.IsAllowed(ctx, h, bob)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, acl.Grant(ctx, fhe.Handle{1}, alice))
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()

	t.Run("badger", func(t *testing.T) {
		store, err := kv.Open(kv.StoreConfig{Path: t.TempDir(), Logger: quietLogger()})
		require.NoError(t, err)
		storage := NewBadgerStorage(store)
		t.Cleanup(func() { storage.Close() })

		tl := newTestLedger(t, storage, nil)
		tl.submit(t, alice, 500, 3)
		id := tl.submit(t, alice, 1_000_000_000, 2)
		require.NoError(t, tl.EvaluateClaim(ctx, alice, id))
		want := tl.Snapshot().Claims

		reopened, err := NewClaimStore(ctx, storage)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), reopened.Count())
		assert.Equal(t, want, reopened.All())

		assert.Error(t, storage.Append(ctx, 5, Claim{Exists: true}), "append must follow the counter")
		assert.True(t, errors.Is(storage.Put(ctx, 9, Claim{}), ErrNotFound))
	})

	t.Run("snapshot file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "claims.json")
		storage, err := OpenFileStorage(path)
		require.NoError(t, err)

		tl := newTestLedger(t, storage, nil)
		id := tl.submit(t, alice, 500, 3)
		require.NoError(t, tl.EvaluateClaim(ctx, alice, id))

		snap, err := LoadSnapshot(path)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), snap.Count)
		assert.Equal(t, tl.Snapshot().Claims, snap.Claims)

		reopened, err := OpenFileStorage(path)
		require.NoError(t, err)
		claims, err := reopened.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, snap.Claims, claims)
	})

	t.Run("inconsistent snapshot is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, (&Snapshot{Count: 2, Claims: []Claim{{Exists: true}}}).SaveToFile(path))
		_, err := LoadSnapshot(path)
		assert.Error(t, err)
	})
}

func TestJournalSubscribe(t *testing.T) {
	j := NewJournal()
	ch, cancel := j.Subscribe(1)
	j.Emit(newEvent(EventClaimSubmitted, 0, alice))
	j.Emit(newEvent(EventClaimSubmitted, 1, alice)) // dropped, buffer full

	e := <-ch
	assert.Equal(t, ClaimID(0), e.ClaimID)
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Len(t, j.Events(), 2)
}
