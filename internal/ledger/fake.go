package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"tribunal/internal/lifecycle"
)

// Fake is an in-memory stand-in for the escrow contract, used in tests
// and in skip-chain mode. Writes mutate the stored snapshots the way
// the contract would, so idempotency behavior matches production.
type Fake struct {
	mu        sync.Mutex
	requests  map[common.Hash]*lifecycle.ServiceRequest
	arbiters  map[common.Address]bool
	roleErr   error
	sendErr   error
	revertAll bool
	sender    common.Address
	gasPrice  *big.Int
	gasLimit  uint64
	sent      []FakeTx
}

// FakeTx records one submitted transaction.
type FakeTx struct {
	Method      string
	RequestID   common.Hash
	RefundBuyer bool
	GasLimit    uint64
	GasPrice    *big.Int
	Hash        common.Hash
}

// NewFake creates an empty fake ledger.
func NewFake() *Fake {
	return &Fake{
		requests: make(map[common.Hash]*lifecycle.ServiceRequest),
		arbiters: make(map[common.Address]bool),
		sender:   common.HexToAddress("0xface000000000000000000000000000000000001"),
		gasPrice: big.NewInt(1_000_000_000),
		gasLimit: 60_000,
	}
}

// Seed stores a snapshot.
func (f *Fake) Seed(req *lifecycle.ServiceRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[req.RequestID] = req
}

// GrantArbiter marks account as holding the dispute-agent role.
func (f *Fake) GrantArbiter(account common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arbiters[account] = true
}

// FailRoleCheck makes HasArbiterRole return err.
func (f *Fake) FailRoleCheck(err error) { f.roleErr = err }

// FailSends makes every write return err.
func (f *Fake) FailSends(err error) { f.sendErr = err }

// RevertAll makes every mined resolution receipt carry a failed status.
func (f *Fake) RevertAll() { f.revertAll = true }

// Sent returns the submitted transactions in order.
func (f *Fake) Sent() []FakeTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeTx, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *Fake) Sender() common.Address { return f.sender }

func (f *Fake) Request(_ context.Context, contract common.Address, id common.Hash) (*lifecycle.ServiceRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *req
	cp.ContractAddress = contract
	return &cp, nil
}

func (f *Fake) GetRequestStatus(ctx context.Context, contract common.Address, id common.Hash) (lifecycle.Status, error) {
	req, err := f.Request(ctx, contract, id)
	if err != nil {
		return 0, err
	}
	return req.Status, nil
}

func (f *Fake) CanSellerRespond(ctx context.Context, contract common.Address, id common.Hash) (bool, error) {
	req, err := f.Request(ctx, contract, id)
	if err != nil {
		return false, err
	}
	return req.Status == lifecycle.StatusDisputeOpened && !req.SellerRejected, nil
}

func (f *Fake) HasArbiterRole(_ context.Context, _ common.Address, account common.Address) (bool, error) {
	if f.roleErr != nil {
		return false, f.roleErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.arbiters[account], nil
}

func (f *Fake) EstimateResolveGas(_ context.Context, _ common.Address, _ common.Hash, _ bool) (uint64, error) {
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	return f.gasLimit, nil
}

func (f *Fake) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *Fake) record(method string, id common.Hash, refund bool, gasLimit uint64, gasPrice *big.Int) common.Hash {
	hash := common.BytesToHash([]byte(fmt.Sprintf("%s-%s-%d", method, id.Hex(), len(f.sent))))
	f.sent = append(f.sent, FakeTx{
		Method:      method,
		RequestID:   id,
		RefundBuyer: refund,
		GasLimit:    gasLimit,
		GasPrice:    gasPrice,
		Hash:        hash,
	})
	return hash
}

func (f *Fake) SendResolveDispute(_ context.Context, _ common.Address, id common.Hash, refundBuyer bool, gasLimit uint64, gasPrice *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return common.Hash{}, &TxError{Op: "resolveDispute send", Err: f.sendErr}
	}
	hash := f.record("resolveDispute", id, refundBuyer, gasLimit, gasPrice)
	if req, ok := f.requests[id]; ok && !f.revertAll && req.Status == lifecycle.StatusDisputeEscalated {
		req.Status = lifecycle.StatusDisputeResolved
		req.BuyerRefunded = refundBuyer
		req.DisputeAgent = f.sender
	}
	return hash, nil
}

func (f *Fake) WaitMined(_ context.Context, txHash common.Hash, _ time.Duration) (*types.Receipt, error) {
	status := types.ReceiptStatusSuccessful
	if f.revertAll {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{
		Status:      status,
		TxHash:      txHash,
		BlockNumber: big.NewInt(100),
		GasUsed:     f.gasLimit,
	}, nil
}

func (f *Fake) mutate(id common.Hash, fn func(*lifecycle.ServiceRequest)) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	req, ok := f.requests[id]
	if !ok {
		return "", ErrRequestNotFound
	}
	fn(req)
	hash := f.record("mutate", id, false, f.gasLimit, f.gasPrice)
	return hash.Hex(), nil
}

func (f *Fake) OpenDispute(_ context.Context, _ common.Address, id common.Hash) (string, error) {
	return f.mutate(id, func(r *lifecycle.ServiceRequest) {
		r.Status = lifecycle.StatusDisputeOpened
	})
}

func (f *Fake) RespondToDispute(_ context.Context, _ common.Address, id common.Hash, acceptRefund bool) (string, error) {
	return f.mutate(id, func(r *lifecycle.ServiceRequest) {
		if acceptRefund {
			r.Status = lifecycle.StatusSellerAccepted
		} else {
			r.SellerRejected = true
		}
	})
}

func (f *Fake) EscalateDispute(_ context.Context, _ common.Address, id common.Hash) (string, error) {
	return f.mutate(id, func(r *lifecycle.ServiceRequest) {
		r.Status = lifecycle.StatusDisputeEscalated
	})
}

func (f *Fake) CancelDispute(_ context.Context, _ common.Address, id common.Hash) (string, error) {
	return f.mutate(id, func(r *lifecycle.ServiceRequest) {
		r.Status = lifecycle.StatusEscrowed
		r.SellerRejected = false
		r.NextDeadline = time.Unix(0, 0)
	})
}

func (f *Fake) ReleaseEscrow(_ context.Context, _ common.Address, id common.Hash) (string, error) {
	return f.mutate(id, func(r *lifecycle.ServiceRequest) {
		r.Status = lifecycle.StatusEscrowReleased
	})
}

func (f *Fake) EarlyRelease(_ context.Context, _ common.Address, id common.Hash) (string, error) {
	return f.mutate(id, func(r *lifecycle.ServiceRequest) {
		r.Status = lifecycle.StatusEscrowReleased
	})
}
