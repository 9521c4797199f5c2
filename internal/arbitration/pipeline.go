// Package arbitration orchestrates the end-to-end handling of a
// dispute escalation: validate the event, read the ledger, gather
// evidence, obtain a verdict, and submit the resolution on-chain.
//
// Runs are stateless between invocations. The ledger is the sole
// idempotency authority: redelivered events see DisputeResolved and
// short-circuit to a duplicate success without deciding or submitting
// anything again.
package arbitration

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tribunal/internal/decision"
	"tribunal/internal/evidence"
	"tribunal/internal/events"
	"tribunal/internal/idgen"
	"tribunal/internal/ledger"
	"tribunal/internal/lifecycle"
	"tribunal/internal/metadata"
	"tribunal/internal/submitter"
	"tribunal/internal/syncutil"
	"tribunal/internal/traces"
)

// DefaultConfidenceThreshold flags decisions below it as low-confidence.
const DefaultConfidenceThreshold = 0.8

// priorAuditLimit bounds how much history the backend sees.
const priorAuditLimit = 5

// ChainReader is the ledger read surface the pipeline needs.
type ChainReader interface {
	Request(ctx context.Context, contract common.Address, id common.Hash) (*lifecycle.ServiceRequest, error)
}

// Resolver fetches service metadata. Failures are tolerated.
type Resolver interface {
	Resolve(ctx context.Context, uri string) (*metadata.Document, error)
}

// ResolutionSubmitter sends the verdict on-chain.
type ResolutionSubmitter interface {
	Submit(ctx context.Context, contract common.Address, id common.Hash, refundBuyer bool) submitter.Result
}

// Result is the structured outcome of one arbitration run.
type Result struct {
	Success         bool               `json:"success"`
	ContractAddress string             `json:"contractAddress,omitempty"`
	RequestID       string             `json:"requestId,omitempty"`
	Decision        *decision.Decision `json:"decision,omitempty"`
	TransactionHash string             `json:"transactionHash,omitempty"`
	Duplicate       bool               `json:"duplicate,omitempty"`
	NotActionable   bool               `json:"notActionable,omitempty"`
	LowConfidence   bool               `json:"lowConfidence,omitempty"`
	Message         string             `json:"message,omitempty"`
	Err             error              `json:"-"`
}

// Pipeline wires the arbitration collaborators together.
type Pipeline struct {
	validator  *events.Validator
	chain      ChainReader
	store      evidence.Store
	resolver   Resolver
	backend    decision.Backend
	submitter  ResolutionSubmitter
	threshold  float64
	logger     *slog.Logger
	onResolved func(contract, requestID string)

	// locks serializes concurrent runs for the same dispute. The webhook
	// and the log watcher can deliver the same escalation at the same
	// time; the second run must observe the first run's ledger write.
	locks *syncutil.KeyedMutex
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithConfidenceThreshold overrides the low-confidence cutoff.
func WithConfidenceThreshold(t float64) Option {
	return func(p *Pipeline) { p.threshold = t }
}

// WithResolver enables metadata enrichment.
func WithResolver(r Resolver) Option {
	return func(p *Pipeline) { p.resolver = r }
}

// OnResolved registers a hook invoked after a successful on-chain
// resolution, before the result is returned. Used for status cache
// invalidation.
func OnResolved(fn func(contract, requestID string)) Option {
	return func(p *Pipeline) { p.onResolved = fn }
}

// New creates a pipeline.
func New(validator *events.Validator, chain ChainReader, store evidence.Store,
	backend decision.Backend, sub ResolutionSubmitter, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		validator: validator,
		chain:     chain,
		store:     store,
		backend:   backend,
		submitter: sub,
		threshold: DefaultConfidenceThreshold,
		logger:    logger,
		locks:     syncutil.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessEvent validates a raw webhook delivery and runs arbitration.
// Validation failures return the typed events error and an empty
// result; everything else flows through Run.
func (p *Pipeline) ProcessEvent(ctx context.Context, raw []byte, header http.Header) Result {
	payload, err := p.validator.Validate(raw, header)
	if err != nil {
		return Result{Err: err}
	}
	return p.Run(ctx, payload)
}

// Run executes arbitration for a validated escalation event.
func (p *Pipeline) Run(ctx context.Context, payload *events.Payload) Result {
	key := payload.ContractAddress + "|" + payload.Args.RequestID
	unlock, err := p.locks.Lock(ctx, key)
	if err != nil {
		return Result{RequestID: payload.Args.RequestID,
			ContractAddress: common.HexToAddress(payload.ContractAddress).Hex(),
			Err:             &DependencyError{Dependency: "run lock", Err: err}}
	}
	defer unlock()

	res := p.run(ctx, payload)
	res.ContractAddress = common.HexToAddress(payload.ContractAddress).Hex()
	return res
}

func (p *Pipeline) run(ctx context.Context, payload *events.Payload) Result {
	start := time.Now()
	contract := common.HexToAddress(payload.ContractAddress)
	requestID := common.HexToHash(payload.Args.RequestID)
	log := p.logger.With("requestId", requestID.Hex(), "contract", contract.Hex())

	ctx, span := traces.StartSpan(ctx, "arbitration.run",
		traces.Contract(contract.Hex()),
		traces.RequestID(requestID.Hex()),
		traces.Network(payload.Network),
	)
	defer span.End()

	req, err := p.chain.Request(ctx, contract, requestID)
	if err != nil {
		if errors.Is(err, ledger.ErrRequestNotFound) {
			observeRun("not_found", start)
			return Result{RequestID: requestID.Hex(),
				Err: &NotFoundError{Resource: "service request", Key: requestID.Hex()}}
		}
		observeRun("dependency_error", start)
		return Result{RequestID: requestID.Hex(),
			Err: &DependencyError{Dependency: "ledger read", Err: err}}
	}

	// Redelivery is routine; the ledger already moved on.
	if req.Status == lifecycle.StatusDisputeResolved {
		log.Info("dispute already resolved, skipping")
		observeRun("duplicate", start)
		return Result{Success: true, RequestID: requestID.Hex(), Duplicate: true,
			Message: "dispute already resolved"}
	}

	if req.Status != lifecycle.StatusDisputeEscalated {
		log.Info("dispute not actionable", "status", req.Status.String())
		observeRun("not_actionable", start)
		return Result{Success: true, RequestID: requestID.Hex(), NotActionable: true,
			Message: "request is not in an escalated dispute"}
	}

	rec, err := p.store.GetRecord(ctx, contract.Hex(), requestID.Hex())
	if err != nil {
		if errors.Is(err, evidence.ErrNotFound) {
			observeRun("missing_evidence", start)
			return Result{RequestID: requestID.Hex(),
				Err: &NotFoundError{Resource: "evidence record", Key: requestID.Hex()}}
		}
		observeRun("dependency_error", start)
		return Result{RequestID: requestID.Hex(),
			Err: &DependencyError{Dependency: "evidence store", Err: err}}
	}

	var doc *metadata.Document
	if p.resolver != nil && rec.ServiceURI != "" {
		doc, err = p.resolver.Resolve(ctx, rec.ServiceURI)
		if err != nil {
			log.Warn("metadata fetch failed, proceeding without", "uri", rec.ServiceURI, "error", err)
			doc = nil
		}
	}

	priorAudits, err := p.store.ListAudits(ctx, requestID.Hex(), priorAuditLimit)
	if err != nil {
		log.Warn("audit history unavailable", "error", err)
		priorAudits = nil
	}

	dc := &decision.DisputeContext{
		RequestID:       requestID.Hex(),
		ContractAddress: contract.Hex(),
		Network:         payload.Network,
		Request:         *req,
		Evidence:        *rec,
	}
	if doc != nil {
		dc.Metadata = doc
	}
	for _, a := range priorAudits {
		dc.PriorAudits = append(dc.PriorAudits, *a)
	}

	source := "backend"
	verdict, err := p.backend.Decide(ctx, dc)
	if err != nil {
		log.Error("decision backend failed, using fallback", "error", err)
		verdict = decision.Fallback()
		source = "fallback"
	}
	DecisionsTotal.WithLabelValues(verdictLabel(verdict.Refund), source).Inc()

	lowConfidence := verdict.Confidence < p.threshold
	if lowConfidence {
		log.Warn("low confidence decision",
			"confidence", verdict.Confidence, "threshold", p.threshold)
		LowConfidenceTotal.Inc()
	}
	span.SetAttributes(traces.Refund(verdict.Refund), traces.Confidence(verdict.Confidence))

	subRes := p.submitter.Submit(ctx, contract, requestID, verdict.Refund)

	audit := &evidence.AuditRecord{
		ID:              idgen.WithPrefix("aud_"),
		RequestID:       requestID.Hex(),
		ContractAddress: contract.Hex(),
		Refund:          verdict.Refund,
		Reason:          verdict.Reason,
		Confidence:      verdict.Confidence,
		LowConfidence:   lowConfidence,
		TransactionHash: subRes.TransactionHash,
		CreatedAt:       time.Now(),
	}
	if err := p.store.RecordAudit(ctx, audit); err != nil {
		log.Error("audit record write failed", "error", err)
	}

	if subRes.Err != nil {
		observeRun("chain_error", start)
		return Result{RequestID: requestID.Hex(), Decision: &verdict,
			TransactionHash: subRes.TransactionHash, LowConfidence: lowConfidence,
			Err: &ChainError{Err: subRes.Err}}
	}

	if p.onResolved != nil {
		p.onResolved(contract.Hex(), requestID.Hex())
	}
	span.SetAttributes(traces.TxHash(subRes.TransactionHash))
	log.Info("arbitration complete",
		"refund", verdict.Refund, "confidence", verdict.Confidence,
		"txHash", subRes.TransactionHash, "duration", time.Since(start))

	observeRun("resolved", start)
	return Result{Success: true, RequestID: requestID.Hex(), Decision: &verdict,
		TransactionHash: subRes.TransactionHash, LowConfidence: lowConfidence}
}

// HTTPStatus maps a run's error to the response code the webhook
// endpoint returns. Successful results (including duplicate and
// not-actionable) are 200.
func HTTPStatus(err error) int {
	var sigErr *events.SignatureError
	var valErr *events.ValidationError
	var nfErr *NotFoundError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &sigErr):
		return http.StatusUnauthorized
	case errors.As(err, &valErr):
		return http.StatusBadRequest
	case errors.As(err, &nfErr):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
