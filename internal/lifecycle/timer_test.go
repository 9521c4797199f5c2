package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type fakeChain struct {
	requests map[common.Hash]*ServiceRequest
	released []common.Hash
	failOn   map[common.Hash]error
}

func (f *fakeChain) Request(_ context.Context, _ common.Address, id common.Hash) (*ServiceRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, errors.New("request not found")
	}
	return req, nil
}

func (f *fakeChain) ReleaseEscrow(_ context.Context, _ common.Address, id common.Hash) (string, error) {
	if err := f.failOn[id]; err != nil {
		return "", err
	}
	f.released = append(f.released, id)
	return "0xtx", nil
}

type staticLister struct{ tracked []TrackedRequest }

func (l staticLister) ListTracked(_ context.Context, _ int) ([]TrackedRequest, error) {
	return l.tracked, nil
}

func sweepRequest(status Status, deadline time.Time) *ServiceRequest {
	return &ServiceRequest{
		Amount:       big.NewInt(1),
		NextDeadline: deadline,
		Status:       status,
	}
}

func TestTimer_SweepReleasesOnlyEligible(t *testing.T) {
	contract := common.HexToAddress("0x1111111111111111111111111111111111111111")
	expired := common.HexToHash("0x01")
	live := common.HexToHash("0x02")
	escalated := common.HexToHash("0x03")

	chain := &fakeChain{
		requests: map[common.Hash]*ServiceRequest{
			expired:   sweepRequest(StatusEscrowed, time.Now().Add(-time.Minute)),
			live:      sweepRequest(StatusEscrowed, time.Now().Add(time.Hour)),
			escalated: sweepRequest(StatusDisputeEscalated, time.Now().Add(-time.Hour)),
		},
		failOn: map[common.Hash]error{},
	}
	lister := staticLister{tracked: []TrackedRequest{
		{Contract: contract, RequestID: expired},
		{Contract: contract, RequestID: live},
		{Contract: contract, RequestID: escalated},
	}}

	var invalidated []string
	timer := NewTimer(chain, chain, lister, slog.Default())
	timer.OnReleased(func(_, requestID string) {
		invalidated = append(invalidated, requestID)
	})

	timer.sweep(context.Background())

	if len(chain.released) != 1 || chain.released[0] != expired {
		t.Fatalf("expected only expired request released, got %v", chain.released)
	}
	if len(invalidated) != 1 || invalidated[0] != expired.Hex() {
		t.Fatalf("expected cache invalidation for released key, got %v", invalidated)
	}
}

func TestTimer_SweepToleratesReleaseFailure(t *testing.T) {
	contract := common.HexToAddress("0x1111111111111111111111111111111111111111")
	a := common.HexToHash("0x0a")
	b := common.HexToHash("0x0b")

	chain := &fakeChain{
		requests: map[common.Hash]*ServiceRequest{
			a: sweepRequest(StatusEscrowed, time.Now().Add(-time.Minute)),
			b: sweepRequest(StatusEscrowed, time.Now().Add(-time.Minute)),
		},
		// Simulates losing the race to another releaser: the tx reverts.
		failOn: map[common.Hash]error{a: errors.New("execution reverted")},
	}
	lister := staticLister{tracked: []TrackedRequest{
		{Contract: contract, RequestID: a},
		{Contract: contract, RequestID: b},
	}}

	timer := NewTimer(chain, chain, lister, slog.Default())
	timer.sweep(context.Background())

	if len(chain.released) != 1 || chain.released[0] != b {
		t.Fatalf("sweep should continue past failures, got %v", chain.released)
	}
}

type acceptAllPolicy struct{}

func (acceptAllPolicy) AutoRespond(*ServiceRequest) (bool, bool) { return true, true }

type fakeResponder struct {
	responses []common.Hash
	accepted  []bool
}

func (f *fakeResponder) RespondToDispute(_ context.Context, _ common.Address, id common.Hash, acceptRefund bool) (string, error) {
	f.responses = append(f.responses, id)
	f.accepted = append(f.accepted, acceptRefund)
	return "0xtx", nil
}

func TestTimer_ManualPolicyNeverResponds(t *testing.T) {
	contract := common.HexToAddress("0x1111111111111111111111111111111111111111")
	open := common.HexToHash("0x0c")

	chain := &fakeChain{
		requests: map[common.Hash]*ServiceRequest{
			open: sweepRequest(StatusDisputeOpened, time.Now().Add(time.Hour)),
		},
		failOn: map[common.Hash]error{},
	}
	responder := &fakeResponder{}

	timer := NewTimer(chain, chain, staticLister{tracked: []TrackedRequest{
		{Contract: contract, RequestID: open},
	}}, slog.Default())
	timer.SetResponsePolicy(ManualPolicy{}, responder)

	timer.sweep(context.Background())

	if len(responder.responses) != 0 {
		t.Fatalf("manual policy auto-responded: %v", responder.responses)
	}
}

func TestTimer_PolicyDrivenResponse(t *testing.T) {
	contract := common.HexToAddress("0x1111111111111111111111111111111111111111")
	open := common.HexToHash("0x0d")
	escrowed := common.HexToHash("0x0e")

	chain := &fakeChain{
		requests: map[common.Hash]*ServiceRequest{
			open:     sweepRequest(StatusDisputeOpened, time.Now().Add(time.Hour)),
			escrowed: sweepRequest(StatusEscrowed, time.Now().Add(time.Hour)),
		},
		failOn: map[common.Hash]error{},
	}
	responder := &fakeResponder{}

	timer := NewTimer(chain, chain, staticLister{tracked: []TrackedRequest{
		{Contract: contract, RequestID: open},
		{Contract: contract, RequestID: escrowed},
	}}, slog.Default())
	timer.SetResponsePolicy(acceptAllPolicy{}, responder)

	timer.sweep(context.Background())

	if len(responder.responses) != 1 || responder.responses[0] != open {
		t.Fatalf("expected one response for the open dispute, got %v", responder.responses)
	}
	if !responder.accepted[0] {
		t.Fatal("policy accept decision not forwarded")
	}
}

func TestTimer_StartStop(t *testing.T) {
	chain := &fakeChain{requests: map[common.Hash]*ServiceRequest{}, failOn: map[common.Hash]error{}}
	timer := NewTimer(chain, chain, staticLister{}, slog.Default())
	timer.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for !timer.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !timer.Running() {
		t.Fatal("timer did not start")
	}

	timer.Stop()
	deadline = time.Now().Add(time.Second)
	for timer.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if timer.Running() {
		t.Fatal("timer did not stop")
	}
}
