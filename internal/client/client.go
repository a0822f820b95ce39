// client.go - Go client for the claims HTTP API.

package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/pkg/errors"

	"confidentialclaims/internal/api"
	"confidentialclaims/internal/fhe"
	"confidentialclaims/internal/ledger"
)

// Error is a non-2xx answer. It unwraps to the matching sentinel so callers
// can use errors.Is(err, ledger.ErrNotFound) across the wire.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("claims api: %d: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return ledger.ErrNotFound
	case http.StatusUnprocessableEntity:
		return ledger.ErrProofVerification
	case http.StatusForbidden:
		return fhe.ErrAccessDenied
	case http.StatusUnauthorized:
		return fhe.ErrEmptyPrincipal
	}
	if strings.Contains(e.Message, ledger.ErrDelayIntegrity.Error()) {
		return ledger.ErrDelayIntegrity
	}
	return nil
}

// Client talks to one claims service as one principal.
type Client struct {
	base      string
	principal fhe.Principal
	http      *http.Client
}

func New(baseURL string, principal fhe.Principal, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), principal: principal, http: httpClient}
}

// As returns a client for the same service acting as another principal.
func (c *Client) As(principal fhe.Principal) *Client {
	return &Client{base: c.base, principal: principal, http: c.http}
}

// PublicKey fetches the key inputs must be encrypted to.
func (c *Client) PublicKey(ctx context.Context) (*bls12377.G1Affine, error) {
	var resp api.PubKeyResponse
	if err := c.do(ctx, http.MethodGet, "/backend/pubkey", nil, &resp); err != nil {
		return nil, err
	}
	xBytes, err := hex.DecodeString(resp.X)
	if err != nil || len(xBytes) != 48 {
		return nil, errors.New("invalid pubkey X")
	}
	yBytes, err := hex.DecodeString(resp.Y)
	if err != nil || len(yBytes) != 48 {
		return nil, errors.New("invalid pubkey Y")
	}
	var pk bls12377.G1Affine
	if err := pk.X.SetBytesCanonical(xBytes); err != nil {
		return nil, errors.Wrap(err, "pubkey X")
	}
	if err := pk.Y.SetBytesCanonical(yBytes); err != nil {
		return nil, errors.Wrap(err, "pubkey Y")
	}
	if !pk.IsOnCurve() || !pk.IsInSubGroup() {
		return nil, errors.New("pubkey is not a valid G1 point")
	}
	return &pk, nil
}

func (c *Client) SubmitClaim(ctx context.Context, in fhe.InputBatch) (ledger.ClaimID, error) {
	var resp api.SubmitResponse
	err := c.do(ctx, http.MethodPost, "/claims", in, &resp)
	return resp.ClaimID, err
}

func (c *Client) EvaluateClaim(ctx context.Context, id ledger.ClaimID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/claims/%d/evaluate", id), nil, nil)
}

func (c *Client) GetClaim(ctx context.Context, id ledger.ClaimID) (ledger.ClaimView, error) {
	var view api.ClaimResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/claims/%d", id), nil, &view)
	return view, err
}

func (c *Client) GetLossAmount(ctx context.Context, id ledger.ClaimID) (fhe.Handle, error) {
	return c.handle(ctx, id, "loss")
}

func (c *Client) GetRiskLevel(ctx context.Context, id ledger.ClaimID) (fhe.Handle, error) {
	return c.handle(ctx, id, "risk")
}

func (c *Client) GetPayout(ctx context.Context, id ledger.ClaimID) (fhe.Handle, error) {
	return c.handle(ctx, id, "payout")
}

func (c *Client) GetClaimCount(ctx context.Context) (uint64, error) {
	var resp api.CountResponse
	err := c.do(ctx, http.MethodGet, "/claims/count", nil, &resp)
	return resp.Count, err
}

func (c *Client) ClaimExists(ctx context.Context, id ledger.ClaimID) (bool, error) {
	var resp api.ExistsResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/claims/%d/exists", id), nil, &resp)
	return resp.Exists, err
}

// Decrypt asks the backend to reveal h to this client's principal.
func (c *Client) Decrypt(ctx context.Context, h fhe.Handle) (uint64, error) {
	var resp api.DecryptResponse
	err := c.do(ctx, http.MethodPost, "/handles/"+h.String()+"/decrypt", nil, &resp)
	return resp.Value, err
}

func (c *Client) handle(ctx context.Context, id ledger.ClaimID, field string) (fhe.Handle, error) {
	var resp api.HandleResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/claims/%d/%s", id, field), nil, &resp)
	return resp.Handle, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.principal != "" {
		req.Header.Set(api.PrincipalHeader, string(c.principal))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(raw))
		}
		return &Error{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}
