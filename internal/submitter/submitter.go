// Package submitter sends dispute resolutions on-chain and reports
// whether they actually took effect.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"tribunal/internal/retry"
)

var (
	// ErrRoleCheck means the arbiter role could not be confirmed.
	// Submission fails closed on this.
	ErrRoleCheck = errors.New("submitter: arbiter role not confirmed")

	// ErrReverted means the resolution transaction mined but reverted.
	// The usual cause is a concurrent run resolving the dispute first.
	ErrReverted = errors.New("submitter: resolution transaction reverted")
)

const (
	// GasMarginPercent is added to the gas estimate.
	GasMarginPercent = 20
	// GasPricePremiumPercent is added to the suggested gas price.
	GasPricePremiumPercent = 10
	// ConfirmTimeout bounds the wait for a receipt.
	ConfirmTimeout = 2 * time.Minute

	sendAttempts  = 3
	sendBaseDelay = 500 * time.Millisecond
)

// ChainWriter is the ledger surface the submitter needs.
type ChainWriter interface {
	Sender() common.Address
	HasArbiterRole(ctx context.Context, contract, account common.Address) (bool, error)
	EstimateResolveGas(ctx context.Context, contract common.Address, id common.Hash, refundBuyer bool) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendResolveDispute(ctx context.Context, contract common.Address, id common.Hash, refundBuyer bool, gasLimit uint64, gasPrice *big.Int) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error)
}

// Result reports a submission attempt. TransactionHash is set whenever
// a transaction was broadcast, including reverted ones.
type Result struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Err             error  `json:"-"`
}

// Submitter submits resolveDispute transactions.
type Submitter struct {
	chain     ChainWriter
	skipChain bool
	logger    *slog.Logger
}

// Option configures the submitter.
type Option func(*Submitter)

// WithSkipChain makes Submit return a zero transaction hash without
// touching the chain. Test environments only.
func WithSkipChain(skip bool) Option {
	return func(s *Submitter) { s.skipChain = skip }
}

// New creates a submitter over the given chain writer.
func New(chain ChainWriter, logger *slog.Logger, opts ...Option) *Submitter {
	s := &Submitter{chain: chain, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit resolves the dispute for id on contract. The arbiter role is
// verified first and any uncertainty there fails closed.
func (s *Submitter) Submit(ctx context.Context, contract common.Address, id common.Hash, refundBuyer bool) Result {
	if s.skipChain {
		s.logger.Warn("skipping chain submission",
			"requestId", id.Hex(), "refund", refundBuyer)
		SubmissionsTotal.WithLabelValues("skipped").Inc()
		return Result{Success: true, TransactionHash: (common.Hash{}).Hex()}
	}

	ok, err := s.chain.HasArbiterRole(ctx, contract, s.chain.Sender())
	if err != nil {
		SubmissionsTotal.WithLabelValues("role_denied").Inc()
		return Result{Err: fmt.Errorf("%w: %v", ErrRoleCheck, err)}
	}
	if !ok {
		SubmissionsTotal.WithLabelValues("role_denied").Inc()
		return Result{Err: fmt.Errorf("%w: %s lacks dispute agent role on %s",
			ErrRoleCheck, s.chain.Sender().Hex(), contract.Hex())}
	}

	gasLimit, err := s.chain.EstimateResolveGas(ctx, contract, id, refundBuyer)
	if err != nil {
		SubmissionsTotal.WithLabelValues("failed").Inc()
		return Result{Err: fmt.Errorf("submitter: estimate gas: %w", err)}
	}
	gasLimit = gasLimit * (100 + GasMarginPercent) / 100

	gasPrice, err := s.chain.SuggestGasPrice(ctx)
	if err != nil {
		SubmissionsTotal.WithLabelValues("failed").Inc()
		return Result{Err: fmt.Errorf("submitter: suggest gas price: %w", err)}
	}
	gasPrice = new(big.Int).Div(
		new(big.Int).Mul(gasPrice, big.NewInt(100+GasPricePremiumPercent)),
		big.NewInt(100),
	)

	var txHash common.Hash
	err = retry.Do(ctx, sendAttempts, sendBaseDelay, func() error {
		h, sendErr := s.chain.SendResolveDispute(ctx, contract, id, refundBuyer, gasLimit, gasPrice)
		if sendErr != nil {
			if isPrecondition(sendErr) {
				return retry.Permanent(sendErr)
			}
			return sendErr
		}
		txHash = h
		return nil
	})
	if err != nil {
		SubmissionsTotal.WithLabelValues("failed").Inc()
		return Result{Err: fmt.Errorf("submitter: send: %w", err)}
	}

	receipt, err := s.chain.WaitMined(ctx, txHash, ConfirmTimeout)
	if err != nil {
		SubmissionsTotal.WithLabelValues("failed").Inc()
		return Result{TransactionHash: txHash.Hex(),
			Err: fmt.Errorf("submitter: confirm %s: %w", txHash.Hex(), err)}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		SubmissionsTotal.WithLabelValues("reverted").Inc()
		return Result{TransactionHash: txHash.Hex(),
			Err: fmt.Errorf("%w: %s", ErrReverted, txHash.Hex())}
	}

	s.logger.Info("dispute resolved on-chain",
		"requestId", id.Hex(), "refund", refundBuyer,
		"txHash", txHash.Hex(), "gasUsed", receipt.GasUsed)
	SubmissionsTotal.WithLabelValues("confirmed").Inc()
	return Result{Success: true, TransactionHash: txHash.Hex()}
}

// isPrecondition recognizes node errors that no retry will fix.
func isPrecondition(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"execution reverted", "nonce too low", "insufficient funds"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
