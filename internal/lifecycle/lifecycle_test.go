package lifecycle

import (
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func snapshot(status Status, deadline time.Time, sellerRejected bool) *ServiceRequest {
	return &ServiceRequest{
		RequestID:       common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		ContractAddress: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Buyer:           common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Amount:          big.NewInt(1_000_000),
		EscrowedAt:      deadline.Add(-time.Hour),
		NextDeadline:    deadline,
		Status:          status,
		SellerRejected:  sellerRejected,
	}
}

func TestCanOpenDispute(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name     string
		status   Status
		deadline time.Time
		want     bool
	}{
		{"escrowed before deadline", StatusEscrowed, now.Add(time.Hour), true},
		{"escrowed one second before", StatusEscrowed, now.Add(time.Second), true},
		{"escrowed exactly at deadline", StatusEscrowed, now, false},
		{"escrowed past deadline", StatusEscrowed, now.Add(-time.Second), false},
		{"already open", StatusDisputeOpened, now.Add(time.Hour), false},
		{"already escalated", StatusDisputeEscalated, now.Add(time.Hour), false},
		{"already resolved", StatusDisputeResolved, now.Add(time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := snapshot(tt.status, tt.deadline, false)
			if got := PermissionsAt(req, now).CanOpenDispute; got != tt.want {
				t.Errorf("CanOpenDispute = %v, want %v", got, tt.want)
			}
		})
	}
}

// The escalation predicate is asymmetric on sellerRejected: a lapsed
// response window enables escalation only when the seller stayed silent,
// while an active rejection enables it only up to the deadline.
func TestCanEscalateDispute_RejectionFlipsDeadline(t *testing.T) {
	d := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name           string
		sellerRejected bool
		now            time.Time
		want           bool
	}{
		{"silent seller, window lapsed", false, d.Add(time.Second), true},
		{"silent seller, window open", false, d.Add(-time.Second), false},
		{"silent seller, exactly at deadline", false, d, false},
		{"rejected, within contest window", true, d.Add(-time.Second), true},
		{"rejected, exactly at deadline", true, d, true},
		{"rejected, contest window lapsed", true, d.Add(time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := snapshot(StatusDisputeOpened, d, tt.sellerRejected)
			if got := PermissionsAt(req, tt.now).CanEscalateDispute; got != tt.want {
				t.Errorf("CanEscalateDispute = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanEscalateDispute_WrongStatus(t *testing.T) {
	d := time.Unix(1_700_000_000, 0)
	for _, status := range []Status{StatusEscrowed, StatusDisputeEscalated, StatusDisputeResolved} {
		req := snapshot(status, d, false)
		if PermissionsAt(req, d.Add(time.Second)).CanEscalateDispute {
			t.Errorf("status %s: escalation should not be permitted", status)
		}
	}
}

func TestCanCancelDispute(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	for _, tt := range []struct {
		status Status
		want   bool
	}{
		{StatusServiceInitiated, false},
		{StatusEscrowed, false},
		{StatusDisputeOpened, true},
		{StatusDisputeEscalated, true},
		{StatusSellerAccepted, false},
		{StatusDisputeResolved, false},
	} {
		req := snapshot(tt.status, now.Add(time.Hour), false)
		if got := PermissionsAt(req, now).CanCancelDispute; got != tt.want {
			t.Errorf("status %s: CanCancelDispute = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestCanReleaseEscrow(t *testing.T) {
	d := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name           string
		status         Status
		sellerRejected bool
		now            time.Time
		want           bool
	}{
		{"escrowed, deadline passed", StatusEscrowed, false, d, true},
		{"escrowed, deadline not reached", StatusEscrowed, false, d.Add(-time.Second), false},
		{"rejected dispute, deadline passed", StatusDisputeOpened, true, d, true},
		{"rejected dispute, deadline not reached", StatusDisputeOpened, true, d.Add(-time.Second), false},
		{"silent dispute, escalation window open", StatusDisputeOpened, false, d.Add(EscalationPeriod - time.Second), false},
		{"silent dispute, escalation window lapsed", StatusDisputeOpened, false, d.Add(EscalationPeriod), true},
		{"escalated never releasable", StatusDisputeEscalated, false, d.Add(365 * 24 * time.Hour), false},
		{"resolved never releasable", StatusDisputeResolved, false, d.Add(EscalationPeriod), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := snapshot(tt.status, d, tt.sellerRejected)
			if got := PermissionsAt(req, tt.now).CanReleaseEscrow; got != tt.want {
				t.Errorf("CanReleaseEscrow = %v, want %v", got, tt.want)
			}
		})
	}
}

// Mirrors the expired-escrow-then-dispute walkthrough: once a dispute is
// open the release and open permissions drop, and escalation stays
// gated on the new deadline.
func TestPermissions_DisputeScenario(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	req := snapshot(StatusEscrowed, now.Add(-time.Second), false)
	perms := PermissionsAt(req, now)
	if !perms.CanReleaseEscrow {
		t.Fatal("expired escrow should be releasable")
	}
	if perms.CanOpenDispute {
		t.Fatal("expired escrow should not accept a new dispute")
	}

	req.Status = StatusDisputeOpened
	req.NextDeadline = now.Add(time.Hour)
	perms = PermissionsAt(req, now)
	if perms.CanOpenDispute {
		t.Error("open dispute: CanOpenDispute should be false")
	}
	if perms.CanEscalateDispute {
		t.Error("open dispute with live response window: CanEscalateDispute should be false")
	}
	if perms.CanReleaseEscrow {
		t.Error("open dispute with live response window: CanReleaseEscrow should be false")
	}
	if !perms.CanCancelDispute {
		t.Error("open dispute: CanCancelDispute should be true")
	}
}

func TestStatus_Terminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusEscrowReleased:  true,
		StatusSellerAccepted:  true,
		StatusDisputeResolved: true,
	}
	for s := StatusServiceInitiated; s <= StatusDisputeResolved; s++ {
		if got := s.Terminal(); got != terminal[s] {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestStatus_String(t *testing.T) {
	if StatusDisputeEscalated.String() != "dispute_escalated" {
		t.Errorf("unexpected name: %s", StatusDisputeEscalated)
	}
	if !strings.HasPrefix(Status(42).String(), "unknown") {
		t.Errorf("out-of-range status should stringify as unknown")
	}
	if Status(42).Valid() {
		t.Error("out-of-range status should not be valid")
	}
}

func TestDescribe(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	req := snapshot(StatusEscrowed, now.Add(time.Hour), false)
	if desc := Describe(req, now); !strings.Contains(desc, "dispute window open") {
		t.Errorf("unexpected description: %q", desc)
	}

	req = snapshot(StatusDisputeOpened, now.Add(-time.Hour), false)
	if desc := Describe(req, now); !strings.Contains(desc, "buyer may escalate") {
		t.Errorf("unexpected description: %q", desc)
	}

	req = snapshot(StatusDisputeOpened, now.Add(time.Hour), true)
	if desc := Describe(req, now); !strings.Contains(desc, "seller rejected") {
		t.Errorf("unexpected description: %q", desc)
	}

	req = snapshot(StatusDisputeResolved, now, false)
	req.BuyerRefunded = true
	if desc := Describe(req, now); !strings.Contains(desc, "buyer refunded") {
		t.Errorf("unexpected description: %q", desc)
	}
}
