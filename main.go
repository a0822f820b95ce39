// main.go - End-to-end claims scenario.
//
// Starts an in-process ledger behind the HTTP API, then lets a handful of
// claimants submit encrypted claims, triggers evaluation, and decrypts each
// payout as its submitter.
//
// Usage:
//
//	go run . -backend coprocessor -keys keys
//	go run . -backend plain
//
// The coprocessor backend runs the groth16 setup for the input proof circuit
// on first use and caches the keys in the -keys directory.

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"confidentialclaims/internal/api"
	"confidentialclaims/internal/client"
	"confidentialclaims/internal/coprocessor"
	"confidentialclaims/internal/fhe"
	"confidentialclaims/internal/inputproof"
	"confidentialclaims/internal/ledger"
	"confidentialclaims/internal/throttle"
)

const ledgerPrincipal fhe.Principal = "claims-ledger"

type claimInput struct {
	Claimant fhe.Principal
	Loss     uint64
	Risk     uint64
}

var scenario = []claimInput{
	{"alice", 1_000_000_000, 2},
	{"bob", 500, 3},
	{"carol", 40_000, 1},
	{"dave", 123_456, 4},
}

// encryptFunc produces an input batch bound to owner.
type encryptFunc func(owner fhe.Principal, values ...uint64) (fhe.InputBatch, error)

// deployment is a ledger served over HTTP on a loopback port.
type deployment struct {
	Ledger  *ledger.Ledger
	Backend fhe.Backend
	Delay   *throttle.Delay
	Journal *ledger.Journal
	URL     string
	encrypt encryptFunc
	server  *http.Server
}

func newDeployment(backendKind, keyDir string, log *logrus.Logger) (*deployment, error) {
	var (
		backend fhe.Backend
		encrypt encryptFunc
	)
	switch backendKind {
	case "plain":
		backend = fhe.NewPlainBackend()
		encrypt = fhe.EncodeInputs
	case "coprocessor":
		kp, err := inputproof.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		start := time.Now()
		keys, err := inputproof.SetupOrLoadKeys(keyDir)
		if err != nil {
			return nil, err
		}
		log.WithField("took", time.Since(start)).Info("input proof keys ready")
		cp, err := coprocessor.New(coprocessor.Config{
			KeyPair:  kp,
			Verifier: inputproof.NewVerifier(keys.VK, kp.Pk),
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
		backend = cp
		encrypt = inputproof.NewProver(keys, kp.Pk).Encrypt
	default:
		return nil, errors.Errorf("unknown backend %q", backendKind)
	}

	delay := throttle.NewDelay(throttle.Config{
		Enabled:      true,
		Burst:        4,
		RefillTokens: 4,
		RefillPeriod: time.Millisecond,
		Logger:       log,
	})
	journal := ledger.NewJournal()
	l, err := ledger.New(context.Background(), ledger.Config{
		Backend: backend,
		Delay:   delay,
		Self:    ledgerPrincipal,
		Events:  journal,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	srv := &http.Server{
		Handler:           api.New(api.Options{Ledger: l, Backend: backend, Logger: log}).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server failed")
		}
	}()

	return &deployment{
		Ledger:  l,
		Backend: backend,
		Delay:   delay,
		Journal: journal,
		URL:     "http://" + listener.Addr().String(),
		encrypt: encrypt,
		server:  srv,
	}, nil
}

func (d *deployment) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.server.Shutdown(ctx)
}

// Client returns an API client acting as principal.
func (d *deployment) Client(principal fhe.Principal) *client.Client {
	return client.New(d.URL, principal, nil)
}

// Claim submits, evaluates and decrypts one claim as its claimant.
func (d *deployment) Claim(ctx context.Context, in claimInput) (ledger.ClaimID, uint64, error) {
	c := d.Client(in.Claimant)
	batch, err := d.encrypt(in.Claimant, in.Loss, in.Risk)
	if err != nil {
		return 0, 0, errors.Wrap(err, "encrypt inputs")
	}
	id, err := c.SubmitClaim(ctx, batch)
	if err != nil {
		return 0, 0, errors.Wrap(err, "submit")
	}
	if err := c.EvaluateClaim(ctx, id); err != nil {
		return id, 0, errors.Wrap(err, "evaluate")
	}
	h, err := c.GetPayout(ctx, id)
	if err != nil {
		return id, 0, errors.Wrap(err, "payout handle")
	}
	payout, err := c.Decrypt(ctx, h)
	if err != nil {
		return id, 0, errors.Wrap(err, "decrypt payout")
	}
	return id, payout, nil
}

func main() {
	backendKind := flag.String("backend", "coprocessor", "compute backend: plain or coprocessor")
	keyDir := flag.String("keys", "keys", "directory caching the input proof keys")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	d, err := newDeployment(*backendKind, *keyDir, log)
	if err != nil {
		log.WithError(err).Fatal("start deployment")
	}
	defer d.Close()

	ctx := context.Background()
	log.WithField("url", d.URL).Infof("=== Confidential claims: %d claimants ===", len(scenario))
	for _, in := range scenario {
		id, payout, err := d.Claim(ctx, in)
		if err != nil {
			log.WithError(err).WithField("claimant", in.Claimant).Error("claim failed")
			d.Close()
			os.Exit(1)
		}
		fmt.Printf("claim %d  %-6s loss=%-13d risk=%d  payout=%d\n", id, in.Claimant, in.Loss, in.Risk, payout)
	}

	count, err := d.Client("auditor").GetClaimCount(ctx)
	if err != nil {
		log.WithError(err).Fatal("count")
	}
	fmt.Printf("\nclaims on ledger: %d, events: %d, throttle ticks: %d (waited %s)\n",
		count, len(d.Journal.Events()), d.Delay.Ticks(), d.Delay.Waited())
}
