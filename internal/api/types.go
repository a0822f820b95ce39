package api

import (
	"confidentialclaims/internal/fhe"
	"confidentialclaims/internal/ledger"
)

// PrincipalHeader carries the caller's identity. Authenticating it is the
// job of whatever sits in front of the service.
const PrincipalHeader = "X-Principal"

// SubmitRequest is an input batch; JSON encodes both byte fields as base64.
type SubmitRequest = fhe.InputBatch

type SubmitResponse struct {
	ClaimID ledger.ClaimID `json:"claim_id"`
}

type HandleResponse struct {
	Handle fhe.Handle `json:"handle"`
}

type ClaimResponse = ledger.ClaimView

type CountResponse struct {
	Count uint64 `json:"count"`
}

type ExistsResponse struct {
	Exists bool `json:"exists"`
}

type DecryptResponse struct {
	Value uint64 `json:"value"`
}

// PubKeyResponse holds the hex-encoded coordinates of the backend's BLS12-377 key.
type PubKeyResponse struct {
	X string `json:"x"`
	Y string `json:"y"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
