// Package decision adapts an external LLM backend into a refund
// verdict for escalated disputes.
//
// The adapter is deliberately conservative: any backend failure, from
// a timeout to a malformed response, produces a fallback decision that
// refunds the buyer with zero confidence. Infrastructure outages must
// never silently favor the seller.
package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tribunal/internal/evidence"
	"tribunal/internal/lifecycle"
	"tribunal/internal/metadata"
)

// MaxReasonLength caps the verdict rationale.
const MaxReasonLength = 200

// DefaultConfidence is used when the backend omits a confidence score.
const DefaultConfidence = 0.5

// FallbackReason is the rationale attached to fallback decisions.
const FallbackReason = "Automated arbitration was unavailable; refunding buyer pending manual review."

// DisputeContext is everything the backend sees about a dispute.
type DisputeContext struct {
	RequestID       string                  `json:"requestId"`
	ContractAddress string                  `json:"contractAddress"`
	Network         string                  `json:"network"`
	Request         lifecycle.ServiceRequest `json:"request"`
	Evidence        evidence.Record         `json:"evidence"`
	Metadata        *metadata.Document      `json:"metadata,omitempty"`
	PriorAudits     []evidence.AuditRecord  `json:"priorAudits,omitempty"`
}

// Decision is the verdict for a single arbitration run. Immutable once
// produced.
type Decision struct {
	Refund     bool    `json:"refund"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// Backend produces a Decision from a DisputeContext.
type Backend interface {
	Decide(ctx context.Context, dc *DisputeContext) (Decision, error)
}

// Fallback is the conservative decision used when the backend fails.
func Fallback() Decision {
	return Decision{Refund: true, Reason: FallbackReason, Confidence: 0}
}

// Truncate shortens a reason to MaxReasonLength characters, replacing
// the tail with an ellipsis.
func Truncate(reason string) string {
	r := []rune(reason)
	if len(r) <= MaxReasonLength {
		return reason
	}
	return string(r[:MaxReasonLength-3]) + "..."
}

// HTTPBackend calls an OpenAI-compatible chat completions endpoint.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// HTTPOption configures the HTTP backend.
type HTTPOption func(*HTTPBackend)

// WithClient sets a custom HTTP client (for tests).
func WithClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) { b.client = c }
}

// NewHTTPBackend creates a backend against baseURL (without the
// /v1/chat/completions suffix).
func NewHTTPBackend(baseURL, apiKey, model string, opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

const systemPrompt = `You are an impartial arbiter for pay-per-call API escrow disputes.
You receive the buyer's original request, the seller's delivered response, the
on-chain escrow state, and optionally the service's advertised description.
Decide whether the buyer should be refunded. Judge only whether the delivered
response plausibly satisfies the request given the advertised service; do not
penalize formatting or style.
Respond with a single JSON object: {"refund": bool, "reason": string, "confidence": number between 0 and 1}.`

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	ResponseFmt *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// verdict mirrors the JSON the model is instructed to emit. Confidence
// is a pointer so an omitted field is distinguishable from zero.
type verdict struct {
	Refund     *bool    `json:"refund"`
	Reason     string   `json:"reason"`
	Confidence *float64 `json:"confidence"`
}

// Decide invokes the model with temperature 0 and parses its verdict.
func (b *HTTPBackend) Decide(ctx context.Context, dc *DisputeContext) (Decision, error) {
	if b.apiKey == "" {
		return Decision{}, fmt.Errorf("decision: missing API key")
	}

	user, err := buildUserPrompt(dc)
	if err != nil {
		return Decision{}, fmt.Errorf("decision: build prompt: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: b.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		Temperature: 0,
		ResponseFmt: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("decision: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("decision: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("decision: call backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Decision{}, fmt.Errorf("decision: backend status %d: %s", resp.StatusCode, snippet)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Decision{}, fmt.Errorf("decision: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return Decision{}, fmt.Errorf("decision: empty choices")
	}

	return parseVerdict(cr.Choices[0].Message.Content)
}

func parseVerdict(content string) (Decision, error) {
	// Models occasionally wrap JSON in a code fence despite
	// instructions; strip it before parsing.
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var v verdict
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return Decision{}, fmt.Errorf("decision: parse verdict: %w", err)
	}
	if v.Refund == nil {
		return Decision{}, fmt.Errorf("decision: verdict missing refund field")
	}

	d := Decision{
		Refund:     *v.Refund,
		Reason:     Truncate(v.Reason),
		Confidence: DefaultConfidence,
	}
	if v.Confidence != nil {
		c := *v.Confidence
		if c < 0 {
			c = 0
		}
		if c > 1 {
			c = 1
		}
		d.Confidence = c
	}
	return d, nil
}

func buildUserPrompt(dc *DisputeContext) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute for request %s on contract %s (network %s).\n\n",
		dc.RequestID, dc.ContractAddress, dc.Network)
	fmt.Fprintf(&sb, "Escrowed amount (wei): %s\n", dc.Request.Amount)
	fmt.Fprintf(&sb, "Seller rejected refund: %t\n\n", dc.Request.SellerRejected)

	fmt.Fprintf(&sb, "Buyer request:\n%s\n\n", dc.Evidence.RequestBody)
	fmt.Fprintf(&sb, "Seller response:\n%s\n\n", dc.Evidence.ResponseBody)

	if dc.Metadata != nil {
		fmt.Fprintf(&sb, "Advertised service description:\n%s\n\n", dc.Metadata.Raw)
	} else {
		sb.WriteString("No service description was available.\n\n")
	}

	if len(dc.PriorAudits) > 0 {
		sb.WriteString("Prior arbitration decisions for this buyer/seller pair:\n")
		for _, a := range dc.PriorAudits {
			fmt.Fprintf(&sb, "- refund=%t confidence=%.2f: %s\n", a.Refund, a.Confidence, a.Reason)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Return your verdict as JSON.")
	return sb.String(), nil
}
