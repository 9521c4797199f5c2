// Package evidence stores the recorded input/output for escrowed API
// calls and the audit trail of arbitration runs.
//
// An evidence record is written when the paid call is proxied; the
// arbitration pipeline only ever reads it. Audit records go the other
// way: exactly one is written per completed arbitration run.
package evidence

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("evidence: record not found")

// Record is the stored input/output pair for one service request.
type Record struct {
	RequestID       string    `json:"requestId"`
	ContractAddress string    `json:"contractAddress"`
	Network         string    `json:"network"`
	RequestBody     string    `json:"requestBody"`  // buyer-supplied input
	ResponseBody    string    `json:"responseBody"` // seller-returned output
	ResponseHash    string    `json:"responseHash"` // content commitment
	ServiceURI      string    `json:"serviceUri,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// AuditRecord documents one arbitration run's verdict.
type AuditRecord struct {
	ID              string    `json:"id"`
	RequestID       string    `json:"requestId"`
	ContractAddress string    `json:"contractAddress"`
	Refund          bool      `json:"refund"`
	Reason          string    `json:"reason"`
	Confidence      float64   `json:"confidence"`
	LowConfidence   bool      `json:"lowConfidence"`
	TransactionHash string    `json:"transactionHash,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Store persists evidence and audit data.
type Store interface {
	PutRecord(ctx context.Context, rec *Record) error
	GetRecord(ctx context.Context, contractAddress, requestID string) (*Record, error)
	RecordAudit(ctx context.Context, audit *AuditRecord) error
	ListAudits(ctx context.Context, requestID string, limit int) ([]*AuditRecord, error)
	// ListTrackedRequests returns identifiers of recorded requests, most
	// recent first, for the release sweeper.
	ListTrackedRequests(ctx context.Context, limit int) ([]*Record, error)
}
