// Package ledger is the on-chain client for the escrow contract.
//
// The contract is the single source of truth for request state; this
// package only reads snapshots and submits authorized transitions. It
// never caches: callers that want caching layer it on top.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"tribunal/internal/lifecycle"
)

var (
	ErrInvalidPrivateKey = errors.New("ledger: invalid private key")
	ErrRPCConnection     = errors.New("ledger: RPC connection failed")
	ErrRequestNotFound   = errors.New("ledger: request not found")
	ErrTimeout           = errors.New("ledger: operation timed out")
)

// TxError wraps transaction failures with context.
type TxError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("ledger: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("ledger: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// DisputeAgentRole is the contract role required to resolve disputes.
var DisputeAgentRole = crypto.Keccak256Hash([]byte("DISPUTE_AGENT_ROLE"))

// Escrow contract surface consumed by this service.
const escrowABI = `[
	{"constant":true,"inputs":[{"name":"requestId","type":"bytes32"}],"name":"requests","outputs":[{"name":"buyer","type":"address"},{"name":"amount","type":"uint256"},{"name":"escrowedAt","type":"uint256"},{"name":"nextDeadline","type":"uint256"},{"name":"status","type":"uint8"},{"name":"apiResponseHash","type":"bytes32"},{"name":"disputeAgent","type":"address"},{"name":"buyerRefunded","type":"bool"},{"name":"sellerRejected","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"requestId","type":"bytes32"}],"name":"getRequestStatus","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"requestId","type":"bytes32"}],"name":"canSellerRespond","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"name":"hasRole","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"requestId","type":"bytes32"}],"name":"openDispute","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"requestId","type":"bytes32"},{"name":"acceptRefund","type":"bool"}],"name":"respondToDispute","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"requestId","type":"bytes32"}],"name":"escalateDispute","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"requestId","type":"bytes32"}],"name":"cancelDispute","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"requestId","type":"bytes32"}],"name":"releaseEscrow","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"requestId","type":"bytes32"}],"name":"earlyRelease","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"requestId","type":"bytes32"},{"name":"refundBuyer","type":"bool"}],"name":"resolveDispute","outputs":[],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"requestId","type":"bytes32"},{"indexed":true,"name":"buyer","type":"address"}],"name":"DisputeEscalated","type":"event"}
]`

const (
	// DefaultGasMarginPercent is added on top of node gas estimates.
	DefaultGasMarginPercent = 20

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Config for creating a ledger client.
type Config struct {
	RPCURL     string
	PrivateKey string // hex, 0x prefix optional
	ChainID    int64
}

// Option configures the client.
type Option func(*Client)

// WithClient sets a custom Ethereum client (for tests).
func WithClient(ec EthClient) Option {
	return func(c *Client) { c.client = ec }
}

// WithPollInterval overrides the receipt poll interval (for tests).
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// Client reads and writes escrow contract state.
type Client struct {
	client       EthClient
	privateKey   *ecdsa.PrivateKey
	sender       common.Address
	chainID      *big.Int
	abi          abi.ABI
	pollInterval time.Duration
}

// New creates a ledger client. The private key is the arbitration
// service's signing identity for every write operation.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.ChainID == 0 {
		return nil, errors.New("ledger: chain ID required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}
	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse ABI: %w", err)
	}

	c := &Client{
		privateKey:   key,
		sender:       crypto.PubkeyToAddress(*publicKey),
		chainID:      big.NewInt(cfg.ChainID),
		abi:          parsedABI,
		pollInterval: ConfirmationPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		ec, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = ec
	}
	return c, nil
}

// Sender returns the address transactions are signed with.
func (c *Client) Sender() common.Address { return c.sender }

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func (c *Client) call(ctx context.Context, contract common.Address, method string, args ...interface{}) ([]interface{}, error) {
	done := observeOp(method)
	defer done()

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: call %s: %w", method, err)
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w", method, err)
	}
	return values, nil
}

// Request fetches the full snapshot for a request ID.
func (c *Client) Request(ctx context.Context, contract common.Address, id common.Hash) (*lifecycle.ServiceRequest, error) {
	values, err := c.call(ctx, contract, "requests", id)
	if err != nil {
		return nil, err
	}
	if len(values) != 9 {
		return nil, fmt.Errorf("ledger: requests returned %d values", len(values))
	}

	buyer, _ := values[0].(common.Address)
	amount, _ := values[1].(*big.Int)
	escrowedAt, _ := values[2].(*big.Int)
	nextDeadline, _ := values[3].(*big.Int)
	status, _ := values[4].(uint8)
	responseHash, _ := values[5].([32]byte)
	agent, _ := values[6].(common.Address)
	refunded, _ := values[7].(bool)
	rejected, _ := values[8].(bool)

	// The mapping returns a zero tuple for unknown IDs.
	if buyer == (common.Address{}) && (escrowedAt == nil || escrowedAt.Sign() == 0) {
		return nil, ErrRequestNotFound
	}
	if amount == nil {
		amount = new(big.Int)
	}
	if escrowedAt == nil {
		escrowedAt = new(big.Int)
	}
	if nextDeadline == nil {
		nextDeadline = new(big.Int)
	}

	return &lifecycle.ServiceRequest{
		RequestID:       id,
		ContractAddress: contract,
		Buyer:           buyer,
		Amount:          amount,
		EscrowedAt:      time.Unix(escrowedAt.Int64(), 0),
		NextDeadline:    time.Unix(nextDeadline.Int64(), 0),
		Status:          lifecycle.Status(status),
		ResponseHash:    common.Hash(responseHash),
		DisputeAgent:    agent,
		BuyerRefunded:   refunded,
		SellerRejected:  rejected,
	}, nil
}

// GetRequestStatus fetches only the lifecycle status.
func (c *Client) GetRequestStatus(ctx context.Context, contract common.Address, id common.Hash) (lifecycle.Status, error) {
	values, err := c.call(ctx, contract, "getRequestStatus", id)
	if err != nil {
		return 0, err
	}
	status, _ := values[0].(uint8)
	return lifecycle.Status(status), nil
}

// CanSellerRespond asks the contract whether the seller may still
// accept or reject the open dispute.
func (c *Client) CanSellerRespond(ctx context.Context, contract common.Address, id common.Hash) (bool, error) {
	values, err := c.call(ctx, contract, "canSellerRespond", id)
	if err != nil {
		return false, err
	}
	ok, _ := values[0].(bool)
	return ok, nil
}

// HasArbiterRole reports whether account holds the dispute-agent role.
func (c *Client) HasArbiterRole(ctx context.Context, contract common.Address, account common.Address) (bool, error) {
	values, err := c.call(ctx, contract, "hasRole", DisputeAgentRole, account)
	if err != nil {
		return false, err
	}
	ok, _ := values[0].(bool)
	return ok, nil
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// transact builds, signs, and sends a contract call as a legacy tx.
// gasLimit 0 means estimate-plus-margin; gasPrice nil means suggested.
func (c *Client) transact(ctx context.Context, contract common.Address, method string, gasLimit uint64, gasPrice *big.Int, args ...interface{}) (common.Hash, error) {
	done := observeOp(method)
	defer done()

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, &TxError{Op: method, Err: err}
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return common.Hash{}, &TxError{Op: method + " nonce", Err: err}
	}

	if gasPrice == nil {
		gasPrice, err = c.client.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, &TxError{Op: method + " gas price", Err: err}
		}
	}

	if gasLimit == 0 {
		estimate, err := c.EstimateCallGas(ctx, contract, data)
		if err != nil {
			return common.Hash{}, &TxError{Op: method + " gas estimate", Err: err}
		}
		gasLimit = estimate + estimate*DefaultGasMarginPercent/100
	}

	tx := types.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return common.Hash{}, &TxError{Op: method + " sign", Err: err}
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, &TxError{Op: method + " send", TxHash: signed.Hash().Hex(), Err: err}
	}
	return signed.Hash(), nil
}

// EstimateCallGas estimates gas for raw calldata against the contract,
// with no margin applied.
func (c *Client) EstimateCallGas(ctx context.Context, contract common.Address, data []byte) (uint64, error) {
	return c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.sender,
		To:    &contract,
		Value: big.NewInt(0),
		Data:  data,
	})
}

// PackResolveDispute returns the calldata for resolveDispute.
func (c *Client) PackResolveDispute(id common.Hash, refundBuyer bool) ([]byte, error) {
	return c.abi.Pack("resolveDispute", id, refundBuyer)
}

// EstimateResolveGas estimates gas for the resolution call, with no
// margin applied. Estimation fails when the call would revert, which
// doubles as a stale-precondition probe.
func (c *Client) EstimateResolveGas(ctx context.Context, contract common.Address, id common.Hash, refundBuyer bool) (uint64, error) {
	data, err := c.PackResolveDispute(id, refundBuyer)
	if err != nil {
		return 0, err
	}
	return c.EstimateCallGas(ctx, contract, data)
}

// SuggestGasPrice proxies the node's gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.client.SuggestGasPrice(ctx)
}

// BlockNumber returns the current chain head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}

// FilterLogs proxies a log query to the node.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.client.FilterLogs(ctx, q)
}

// SendResolveDispute submits the resolution with explicit gas settings.
func (c *Client) SendResolveDispute(ctx context.Context, contract common.Address, id common.Hash, refundBuyer bool, gasLimit uint64, gasPrice *big.Int) (common.Hash, error) {
	return c.transact(ctx, contract, "resolveDispute", gasLimit, gasPrice, id, refundBuyer)
}

// OpenDispute files a dispute as the configured signer.
func (c *Client) OpenDispute(ctx context.Context, contract common.Address, id common.Hash) (string, error) {
	hash, err := c.transact(ctx, contract, "openDispute", 0, nil, id)
	return hash.Hex(), err
}

// RespondToDispute records the seller's accept/reject decision.
func (c *Client) RespondToDispute(ctx context.Context, contract common.Address, id common.Hash, acceptRefund bool) (string, error) {
	hash, err := c.transact(ctx, contract, "respondToDispute", 0, nil, id, acceptRefund)
	return hash.Hex(), err
}

// EscalateDispute escalates an open dispute to arbitration.
func (c *Client) EscalateDispute(ctx context.Context, contract common.Address, id common.Hash) (string, error) {
	hash, err := c.transact(ctx, contract, "escalateDispute", 0, nil, id)
	return hash.Hex(), err
}

// CancelDispute resets a dispute back to escrowed with an expired
// deadline.
func (c *Client) CancelDispute(ctx context.Context, contract common.Address, id common.Hash) (string, error) {
	hash, err := c.transact(ctx, contract, "cancelDispute", 0, nil, id)
	return hash.Hex(), err
}

// ReleaseEscrow performs the permissionless release.
func (c *Client) ReleaseEscrow(ctx context.Context, contract common.Address, id common.Hash) (string, error) {
	hash, err := c.transact(ctx, contract, "releaseEscrow", 0, nil, id)
	return hash.Hex(), err
}

// EarlyRelease releases escrow before the deadline at the buyer's
// request.
func (c *Client) EarlyRelease(ctx context.Context, contract common.Address, id common.Hash) (string, error) {
	hash, err := c.transact(ctx, contract, "earlyRelease", 0, nil, id)
	return hash.Hex(), err
}

// WaitMined polls for the receipt of txHash until it is mined or the
// timeout elapses. Interpreting receipt status is the caller's job.
func (c *Client) WaitMined(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue // not yet mined
			}
			return receipt, nil
		}
	}
}
