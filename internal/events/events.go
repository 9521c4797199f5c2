// Package events authenticates and validates inbound lifecycle event
// deliveries before they reach the arbitration pipeline.
//
// Signature verification always runs over the raw request body exactly
// as received. Re-serializing the parsed payload is not guaranteed to be
// byte-identical to what the sender signed, so the raw bytes are the
// only trustworthy input to the HMAC.
package events

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Header names accepted for event authentication. The plain signature
// header carries the shared secret verbatim and exists for test
// deliveries; the vendor header carries a hex HMAC-SHA256 of the body.
const (
	HeaderTestSignature   = "x-webhook-signature"
	HeaderVendorSignature = "x-alchemy-signature"
)

// EventDisputeEscalated is the only event type the pipeline acts on.
const EventDisputeEscalated = "DisputeEscalated"

var (
	addressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	hash32Regex  = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// Payload is the parsed shape of an inbound lifecycle event.
type Payload struct {
	Event           string `json:"event"`
	ContractAddress string `json:"contractAddress"`
	TransactionHash string `json:"transactionHash"`
	BlockNumber     uint64 `json:"blockNumber"`
	Timestamp       uint64 `json:"timestamp"`
	Network         string `json:"network"`
	Args            struct {
		RequestID string `json:"requestId"`
	} `json:"args"`
}

// SignatureError means the delivery could not be authenticated. It maps
// to 401 and is deliberately vague about which check failed.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return "events: unauthenticated delivery: " + e.Reason
}

// ValidationError means an authenticated delivery is structurally
// invalid. It maps to 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("events: invalid payload: %s %s", e.Field, e.Message)
}

// Validator authenticates and structurally validates event deliveries.
type Validator struct {
	testSecret string          // exact-match secret for test deliveries
	signingKey string          // HMAC key for vendor deliveries
	networks   map[string]bool // supported network tags
}

// NewValidator creates a validator. Either secret may be empty; a
// delivery authenticates against whichever header it carries. With both
// secrets empty, every delivery is rejected: the validator fails closed
// rather than admitting unsigned events.
func NewValidator(testSecret, signingKey string, networks []string) *Validator {
	supported := make(map[string]bool, len(networks))
	for _, n := range networks {
		supported[strings.ToLower(n)] = true
	}
	return &Validator{
		testSecret: testSecret,
		signingKey: signingKey,
		networks:   supported,
	}
}

// Validate authenticates the raw body against the request headers and
// parses it into a structurally checked Payload. The raw bytes must be
// the body exactly as read off the wire.
func (v *Validator) Validate(raw []byte, header http.Header) (*Payload, error) {
	if err := v.authenticate(raw, header); err != nil {
		return nil, err
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ValidationError{Field: "body", Message: "is not valid JSON"}
	}
	if err := v.checkStructure(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (v *Validator) authenticate(raw []byte, header http.Header) error {
	if sig := header.Get(HeaderVendorSignature); sig != "" {
		if v.signingKey == "" {
			return &SignatureError{Reason: "no signing key configured"}
		}
		mac := hmac.New(sha256.New, []byte(v.signingKey))
		mac.Write(raw)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
			return &SignatureError{Reason: "signature mismatch"}
		}
		return nil
	}

	if sig := header.Get(HeaderTestSignature); sig != "" {
		if v.testSecret == "" {
			return &SignatureError{Reason: "no test secret configured"}
		}
		// Exact-match secret, still compared in constant time.
		if !hmac.Equal([]byte(v.testSecret), []byte(sig)) {
			return &SignatureError{Reason: "signature mismatch"}
		}
		return nil
	}

	return &SignatureError{Reason: "missing signature header"}
}

func (v *Validator) checkStructure(p *Payload) error {
	if p.Event == "" {
		return &ValidationError{Field: "event", Message: "is required"}
	}
	if p.Event != EventDisputeEscalated {
		return &ValidationError{Field: "event", Message: "is not a supported event type"}
	}
	if !addressRegex.MatchString(p.ContractAddress) {
		return &ValidationError{Field: "contractAddress", Message: "must be a 20-byte hex address"}
	}
	if !hash32Regex.MatchString(p.TransactionHash) {
		return &ValidationError{Field: "transactionHash", Message: "must be a 32-byte hex hash"}
	}
	if !hash32Regex.MatchString(p.Args.RequestID) {
		return &ValidationError{Field: "args.requestId", Message: "must be a 32-byte hex identifier"}
	}
	if p.Network == "" {
		return &ValidationError{Field: "network", Message: "is required"}
	}
	if len(v.networks) > 0 && !v.networks[strings.ToLower(p.Network)] {
		return &ValidationError{Field: "network", Message: "is not a supported network"}
	}
	return nil
}
