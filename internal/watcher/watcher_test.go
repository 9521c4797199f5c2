package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"tribunal/internal/arbitration"
	"tribunal/internal/events"
)

type fakeSource struct {
	mu      sync.Mutex
	block   uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
}

func (f *fakeSource) BlockNumber(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block, nil
}

func (f *fakeSource) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.logs, nil
}

type fakeRunner struct {
	mu       sync.Mutex
	payloads []*events.Payload
	err      error
}

func (f *fakeRunner) Run(_ context.Context, p *events.Payload) arbitration.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	if f.err != nil {
		return arbitration.Result{Err: f.err}
	}
	return arbitration.Result{Success: true, RequestID: p.Args.RequestID}
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func escalationLog(requestID common.Hash, txHash common.Hash, block uint64) types.Log {
	return types.Log{
		Address: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Topics: []common.Hash{
			escalatedEventSig,
			requestID,
			common.BytesToHash(common.HexToAddress("0x2222222222222222222222222222222222222222").Bytes()),
		},
		TxHash:      txHash,
		BlockNumber: block,
	}
}

func testWatcher(source *fakeSource, runner *fakeRunner) *Watcher {
	cfg := DefaultConfig()
	cfg.EscrowContract = common.HexToAddress("0x1111111111111111111111111111111111111111")
	cfg.Network = "base-sepolia"
	return New(cfg, source, runner, slog.Default())
}

func TestCheckForEscalations(t *testing.T) {
	requestID := common.HexToHash("0xabab")
	source := &fakeSource{
		block: 10,
		logs:  []types.Log{escalationLog(requestID, common.HexToHash("0x01"), 8)},
	}
	runner := &fakeRunner{}
	w := testWatcher(source, runner)
	w.lastBlock = 5

	if err := w.checkForEscalations(context.Background()); err != nil {
		t.Fatalf("checkForEscalations() error = %v", err)
	}

	if runner.count() != 1 {
		t.Fatalf("runner invoked %d times, want 1", runner.count())
	}
	p := runner.payloads[0]
	if p.Event != events.EventDisputeEscalated {
		t.Errorf("Event = %q", p.Event)
	}
	if p.Args.RequestID != requestID.Hex() {
		t.Errorf("RequestID = %q, want %q", p.Args.RequestID, requestID.Hex())
	}
	if p.Network != "base-sepolia" {
		t.Errorf("Network = %q", p.Network)
	}

	// query covered exactly the unseen range
	q := source.queries[0]
	if q.FromBlock.Uint64() != 6 || q.ToBlock.Uint64() != 10 {
		t.Errorf("query range = [%s, %s], want [6, 10]", q.FromBlock, q.ToBlock)
	}
	if w.lastBlock != 10 {
		t.Errorf("lastBlock = %d, want 10", w.lastBlock)
	}
}

func TestNoNewBlocks(t *testing.T) {
	source := &fakeSource{block: 5}
	runner := &fakeRunner{}
	w := testWatcher(source, runner)
	w.lastBlock = 5

	if err := w.checkForEscalations(context.Background()); err != nil {
		t.Fatalf("checkForEscalations() error = %v", err)
	}
	if len(source.queries) != 0 {
		t.Error("filtered logs with no new blocks")
	}
}

func TestDuplicateLogSkipped(t *testing.T) {
	requestID := common.HexToHash("0xabab")
	log := escalationLog(requestID, common.HexToHash("0x01"), 8)
	source := &fakeSource{block: 10, logs: []types.Log{log, log}}
	runner := &fakeRunner{}
	w := testWatcher(source, runner)
	w.lastBlock = 5

	if err := w.checkForEscalations(context.Background()); err != nil {
		t.Fatalf("checkForEscalations() error = %v", err)
	}
	if runner.count() != 1 {
		t.Errorf("runner invoked %d times for duplicate log, want 1", runner.count())
	}
}

func TestFailedRunRetriedNextPoll(t *testing.T) {
	requestID := common.HexToHash("0xabab")
	source := &fakeSource{
		block: 10,
		logs:  []types.Log{escalationLog(requestID, common.HexToHash("0x01"), 8)},
	}
	runner := &fakeRunner{err: errors.New("ledger unavailable")}
	w := testWatcher(source, runner)
	w.lastBlock = 5

	_ = w.checkForEscalations(context.Background())
	if runner.count() != 1 {
		t.Fatalf("runner invoked %d times, want 1", runner.count())
	}

	// failure unmarks the tx; a later poll over the same range retries
	runner.err = nil
	w.lastBlock = 5
	source.block = 11
	_ = w.checkForEscalations(context.Background())
	if runner.count() != 2 {
		t.Errorf("runner invoked %d times after retry, want 2", runner.count())
	}
}

func TestStartStop(t *testing.T) {
	source := &fakeSource{block: 5}
	runner := &fakeRunner{}
	w := testWatcher(source, runner)
	w.config.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if w.lastBlock != 5 {
		t.Errorf("lastBlock = %d, want current head", w.lastBlock)
	}
	w.Stop()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.PollInterval == 0 {
		t.Error("Expected non-zero poll interval")
	}
	if cfg.StartBlock != 0 {
		t.Errorf("Expected start block 0, got %d", cfg.StartBlock)
	}
}
