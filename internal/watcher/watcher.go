// Package watcher monitors the blockchain for dispute escalations.
//
// Webhook delivery is the primary trigger, but providers drop events.
// The watcher polls DisputeEscalated logs directly from the escrow
// contract and feeds them into the same arbitration pipeline; the
// ledger's idempotency guard makes double delivery harmless.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"tribunal/internal/arbitration"
	"tribunal/internal/events"
	"tribunal/internal/metrics"
)

// DisputeEscalated(bytes32 indexed requestId, address indexed buyer)
var escalatedEventSig = crypto.Keccak256Hash([]byte("DisputeEscalated(bytes32,address)"))

// LogSource is the chain surface the watcher reads.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Runner executes arbitration for an observed escalation.
type Runner interface {
	Run(ctx context.Context, payload *events.Payload) arbitration.Result
}

// Config for the escalation watcher
type Config struct {
	EscrowContract common.Address
	Network        string
	PollInterval   time.Duration
	StartBlock     uint64 // 0 = latest
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		StartBlock:   0,
	}
}

// Watcher polls for DisputeEscalated events
type Watcher struct {
	source LogSource
	config Config
	runner Runner
	logger *slog.Logger

	// Track processed transactions
	processed map[string]bool
	mu        sync.Mutex

	// Last processed block
	lastBlock uint64

	// Shutdown
	stop chan struct{}
	done chan struct{}
}

// New creates a new escalation watcher
func New(cfg Config, source LogSource, runner Runner, logger *slog.Logger) *Watcher {
	return &Watcher{
		source:    source,
		config:    cfg,
		runner:    runner,
		logger:    logger,
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins watching for escalations
func (w *Watcher) Start(ctx context.Context) error {
	// Get starting block
	if w.config.StartBlock == 0 {
		block, err := w.source.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("escalation watcher started",
		"contract", w.config.EscrowContract.Hex(),
		"network", w.config.Network,
		"startBlock", w.lastBlock,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.checkForEscalations(ctx); err != nil {
				w.logger.Error("escalation check failed", "error", err)
			}
		}
	}
}

func (w *Watcher) checkForEscalations(ctx context.Context) error {
	// Get current block
	currentBlock, err := w.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	// Nothing new
	if currentBlock <= w.lastBlock {
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(w.lastBlock + 1)),
		ToBlock:   big.NewInt(int64(currentBlock)),
		Addresses: []common.Address{w.config.EscrowContract},
		Topics: [][]common.Hash{
			{escalatedEventSig},
		},
	}

	logs, err := w.source.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, vLog := range logs {
		if err := w.processEscalation(ctx, vLog); err != nil {
			w.logger.Error("failed to process escalation", "tx", vLog.TxHash.Hex(), "error", err)
		}
	}

	w.lastBlock = currentBlock
	return nil
}

func (w *Watcher) processEscalation(ctx context.Context, vLog types.Log) error {
	txHash := vLog.TxHash.Hex()

	// Skip if already processed
	w.mu.Lock()
	if w.processed[txHash] {
		w.mu.Unlock()
		return nil
	}
	// Mark as in-progress to prevent concurrent duplicate processing.
	// If processing fails, we remove it so the next poll can retry.
	w.processed[txHash] = true
	w.mu.Unlock()

	// On failure, unmark so the escalation is retried on the next poll cycle.
	var succeeded bool
	defer func() {
		if !succeeded {
			w.mu.Lock()
			delete(w.processed, txHash)
			w.mu.Unlock()
		}
	}()

	// Topics[1] = requestId (indexed)
	if len(vLog.Topics) < 2 {
		return fmt.Errorf("invalid escalation event")
	}
	requestID := vLog.Topics[1]

	metrics.EscalationsObservedTotal.WithLabelValues("watcher").Inc()

	payload := &events.Payload{
		Event:           events.EventDisputeEscalated,
		ContractAddress: vLog.Address.Hex(),
		TransactionHash: txHash,
		BlockNumber:     vLog.BlockNumber,
		Timestamp:       uint64(time.Now().Unix()),
		Network:         w.config.Network,
	}
	payload.Args.RequestID = requestID.Hex()

	res := w.runner.Run(ctx, payload)
	if res.Err != nil {
		return fmt.Errorf("arbitration failed: %w", res.Err)
	}

	w.logger.Info("escalation handled",
		"requestId", requestID.Hex(),
		"duplicate", res.Duplicate,
		"tx", txHash,
	)

	succeeded = true
	return nil
}
