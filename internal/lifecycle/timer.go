package lifecycle

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TrackedRequest identifies a request the sweeper should inspect.
type TrackedRequest struct {
	Contract  common.Address
	RequestID common.Hash
}

// RequestReader fetches a current snapshot from the ledger.
type RequestReader interface {
	Request(ctx context.Context, contract common.Address, id common.Hash) (*ServiceRequest, error)
}

// Releaser performs the permissionless escrow release.
type Releaser interface {
	ReleaseEscrow(ctx context.Context, contract common.Address, id common.Hash) (string, error)
}

// TrackedLister enumerates non-terminal requests known to the service.
type TrackedLister interface {
	ListTracked(ctx context.Context, limit int) ([]TrackedRequest, error)
}

// DisputeResponder submits a seller response to an open dispute.
type DisputeResponder interface {
	RespondToDispute(ctx context.Context, contract common.Address, id common.Hash, acceptRefund bool) (string, error)
}

// ResponsePolicy decides whether the service should answer an open
// dispute on the seller's behalf during a sweep.
type ResponsePolicy interface {
	AutoRespond(req *ServiceRequest) (respond bool, acceptRefund bool)
}

// ManualPolicy never auto-responds; sellers act through the API.
type ManualPolicy struct{}

func (ManualPolicy) AutoRespond(*ServiceRequest) (bool, bool) { return false, false }

// Timer periodically scans tracked requests and releases escrow for any
// whose release conditions hold. Release is permissionless on-chain, so
// sweeping on behalf of sellers is safe; a request released by someone
// else first simply stops satisfying the predicate.
type Timer struct {
	reader   RequestReader
	releaser Releaser
	lister   TrackedLister
	interval time.Duration
	batch    int
	logger   *slog.Logger
	released func(contract, requestID string) // cache invalidation hook

	policy    ResponsePolicy
	responder DisputeResponder

	stop    chan struct{}
	running atomic.Bool
}

// NewTimer creates a release sweeper.
func NewTimer(reader RequestReader, releaser Releaser, lister TrackedLister, logger *slog.Logger) *Timer {
	return &Timer{
		reader:   reader,
		releaser: releaser,
		lister:   lister,
		interval: 30 * time.Second,
		batch:    100,
		logger:   logger,
		policy:   ManualPolicy{},
		stop:     make(chan struct{}),
	}
}

// SetResponsePolicy enables policy-driven seller responses during
// sweeps. The default ManualPolicy never responds.
func (t *Timer) SetResponsePolicy(policy ResponsePolicy, responder DisputeResponder) {
	t.policy = policy
	t.responder = responder
}

// OnReleased sets a hook invoked after each successful release, used to
// invalidate cached status for the affected key.
func (t *Timer) OnReleased(fn func(contract, requestID string)) {
	t.released = fn
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop stops the sweep loop.
func (t *Timer) Stop() {
	close(t.stop)
}

func (t *Timer) sweep(ctx context.Context) {
	tracked, err := t.lister.ListTracked(ctx, t.batch)
	if err != nil {
		t.logger.Warn("release sweep: list tracked requests", "error", err)
		return
	}

	now := time.Now()
	for _, tr := range tracked {
		req, err := t.reader.Request(ctx, tr.Contract, tr.RequestID)
		if err != nil {
			t.logger.Warn("release sweep: read request",
				"requestId", tr.RequestID.Hex(), "error", err)
			continue
		}
		if req.Status == StatusDisputeOpened && t.responder != nil {
			if respond, accept := t.policy.AutoRespond(req); respond {
				txHash, err := t.responder.RespondToDispute(ctx, tr.Contract, tr.RequestID, accept)
				if err != nil {
					t.logger.Warn("release sweep: auto-response failed",
						"requestId", tr.RequestID.Hex(), "error", err)
				} else {
					t.logger.Info("release sweep: auto-responded to dispute",
						"requestId", tr.RequestID.Hex(), "acceptRefund", accept, "tx", txHash)
				}
			}
			continue
		}

		if !PermissionsAt(req, now).CanReleaseEscrow {
			continue
		}

		txHash, err := t.releaser.ReleaseEscrow(ctx, tr.Contract, tr.RequestID)
		if err != nil {
			// Expected when another party released between the read and
			// the send; the next sweep sees the terminal status.
			t.logger.Info("release sweep: release failed",
				"requestId", tr.RequestID.Hex(), "error", err)
			continue
		}

		t.logger.Info("release sweep: escrow released",
			"requestId", tr.RequestID.Hex(), "tx", txHash)
		if t.released != nil {
			t.released(tr.Contract.Hex(), tr.RequestID.Hex())
		}
	}
}
