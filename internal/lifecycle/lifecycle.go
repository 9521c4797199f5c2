// Package lifecycle models the dispute lifecycle of an escrowed service
// request and derives which actions are legal at a given moment.
//
// Everything in this file is pure: permissions and descriptions are
// computed from a snapshot and a clock value, never from I/O. The HTTP
// layer, the webhook pipeline, and the release sweeper all call the same
// predicates so they cannot disagree about the legality of an action.
package lifecycle

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the on-chain lifecycle state of a service request. Values
// mirror the contract's enum ordering exactly.
type Status uint8

const (
	StatusServiceInitiated Status = iota
	StatusEscrowed
	StatusEscrowReleased
	StatusDisputeOpened
	StatusSellerAccepted
	StatusDisputeEscalated
	StatusDisputeResolved
)

// EscalationPeriod is the window a buyer has to escalate an unanswered
// dispute after the seller-response deadline lapses (2 days).
const EscalationPeriod = 172800 * time.Second

// String returns the status name as used in logs and JSON.
func (s Status) String() string {
	switch s {
	case StatusServiceInitiated:
		return "service_initiated"
	case StatusEscrowed:
		return "escrowed"
	case StatusEscrowReleased:
		return "escrow_released"
	case StatusDisputeOpened:
		return "dispute_opened"
	case StatusSellerAccepted:
		return "seller_accepted"
	case StatusDisputeEscalated:
		return "dispute_escalated"
	case StatusDisputeResolved:
		return "dispute_resolved"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the contract's defined states.
func (s Status) Valid() bool {
	return s <= StatusDisputeResolved
}

// Terminal reports whether the request can never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusEscrowReleased, StatusSellerAccepted, StatusDisputeResolved:
		return true
	}
	return false
}

// ServiceRequest is a read-only snapshot of one escrowed payment as
// returned by the contract's requests(requestId) view.
type ServiceRequest struct {
	RequestID       common.Hash
	ContractAddress common.Address
	Buyer           common.Address
	Amount          *big.Int // smallest currency unit
	EscrowedAt      time.Time
	// NextDeadline is status-dependent: while Escrowed it is the end of
	// the buyer's dispute window; while a dispute is open it is the end
	// of the seller-response / escalation window. The contract overloads
	// the field and this package interprets it contextually.
	NextDeadline  time.Time
	Status        Status
	ResponseHash  common.Hash    // commitment to the delivered API response
	DisputeAgent  common.Address // zero until resolved
	BuyerRefunded bool           // meaningful only once resolved
	SellerRejected bool          // meaningful only while a dispute is open
}

// Permissions holds the four action predicates for a request at a
// moment in time.
type Permissions struct {
	CanOpenDispute     bool `json:"canOpenDispute"`
	CanEscalateDispute bool `json:"canEscalateDispute"`
	CanCancelDispute   bool `json:"canCancelDispute"`
	CanReleaseEscrow   bool `json:"canReleaseEscrow"`
}

// PermissionsAt computes the action predicates for req as of now.
func PermissionsAt(req *ServiceRequest, now time.Time) Permissions {
	d := req.NextDeadline
	return Permissions{
		CanOpenDispute: req.Status == StatusEscrowed && now.Before(d),

		// A buyer may escalate either because the seller never responded
		// (the response window lapsed) or because the seller actively
		// rejected, in which case the buyer has until the deadline to
		// contest. Rejection flips the direction of the comparison.
		CanEscalateDispute: req.Status == StatusDisputeOpened &&
			((!req.SellerRejected && now.After(d)) ||
				(req.SellerRejected && !now.After(d))),

		CanCancelDispute: req.Status == StatusDisputeOpened ||
			req.Status == StatusDisputeEscalated,

		CanReleaseEscrow: canRelease(req, now),
	}
}

// canRelease implements the permissionless release predicate.
func canRelease(req *ServiceRequest, now time.Time) bool {
	d := req.NextDeadline
	switch req.Status {
	case StatusEscrowed:
		return !now.Before(d)
	case StatusDisputeOpened:
		if req.SellerRejected {
			return !now.Before(d)
		}
		return !now.Before(d.Add(EscalationPeriod))
	}
	return false
}

// Describe returns a human-readable summary of where the request stands
// as of now. Pollers and the status endpoint share this so wording never
// diverges.
func Describe(req *ServiceRequest, now time.Time) string {
	d := req.NextDeadline
	switch req.Status {
	case StatusServiceInitiated:
		return "service initiated, awaiting escrow"
	case StatusEscrowed:
		if now.Before(d) {
			return fmt.Sprintf("escrowed, dispute window open until %s", d.UTC().Format(time.RFC3339))
		}
		return "escrowed, dispute window closed, escrow releasable"
	case StatusEscrowReleased:
		return "escrow released to seller"
	case StatusDisputeOpened:
		if req.SellerRejected {
			if !now.After(d) {
				return fmt.Sprintf("seller rejected refund, buyer may escalate until %s", d.UTC().Format(time.RFC3339))
			}
			return "seller rejected refund, escalation window closed"
		}
		if now.After(d) {
			return "dispute opened, seller response window lapsed, buyer may escalate"
		}
		return fmt.Sprintf("dispute opened, awaiting seller response until %s", d.UTC().Format(time.RFC3339))
	case StatusSellerAccepted:
		return "seller accepted refund"
	case StatusDisputeEscalated:
		return "dispute escalated, awaiting arbitration"
	case StatusDisputeResolved:
		if req.BuyerRefunded {
			return "dispute resolved, buyer refunded"
		}
		return "dispute resolved, escrow released to seller"
	default:
		return "unknown status"
	}
}
