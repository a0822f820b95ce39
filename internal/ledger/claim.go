// claim.go - Claim records and the id allocator.

package ledger

import (
	"confidentialclaims/internal/fhe"
)

// ClaimID identifies a claim. Ids are sequential from zero and never reused.
type ClaimID uint64

// Claim is one row of the ledger. Only Payout changes after submission.
type Claim struct {
	LossAmount fhe.Handle    `json:"loss_amount"`
	RiskLevel  fhe.Handle    `json:"risk_level"`
	Payout     fhe.Handle    `json:"payout"`
	Submitter  fhe.Principal `json:"submitter"`
	Exists     bool          `json:"exists"`
}

// ClaimView is the handle triple returned by GetClaim.
type ClaimView struct {
	LossAmount fhe.Handle `json:"loss_amount"`
	RiskLevel  fhe.Handle `json:"risk_level"`
	Payout     fhe.Handle `json:"payout"`
}

// Allocator hands out claim ids. Its counter only grows and always equals the
// number of claims ever submitted.
type Allocator struct {
	next uint64
}

// NewAllocator resumes allocation at start.
func NewAllocator(start uint64) *Allocator {
	return &Allocator{next: start}
}

// Peek returns the id the next Allocate call will return.
func (a *Allocator) Peek() ClaimID {
	return ClaimID(a.next)
}

// Allocate returns the current counter value, then increments it.
func (a *Allocator) Allocate() ClaimID {
	id := ClaimID(a.next)
	a.next++
	return id
}

// Count is the number of ids allocated so far.
func (a *Allocator) Count() uint64 {
	return a.next
}
