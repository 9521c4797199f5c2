package evidence

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// PostgresStore persists evidence and audit data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) PutRecord(ctx context.Context, rec *Record) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO evidence_records (
			request_id, contract_address, network,
			request_body, response_body, response_hash, service_uri, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (contract_address, request_id) DO UPDATE SET
			response_body = EXCLUDED.response_body,
			response_hash = EXCLUDED.response_hash,
			service_uri   = EXCLUDED.service_uri`,
		strings.ToLower(rec.RequestID), strings.ToLower(rec.ContractAddress), rec.Network,
		rec.RequestBody, rec.ResponseBody, rec.ResponseHash, rec.ServiceURI, createdAt,
	)
	return err
}

func (p *PostgresStore) GetRecord(ctx context.Context, contractAddress, requestID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT request_id, contract_address, network,
		       request_body, response_body, response_hash, service_uri, created_at
		FROM evidence_records
		WHERE contract_address = $1 AND request_id = $2`,
		strings.ToLower(contractAddress), strings.ToLower(requestID),
	)

	var rec Record
	err := row.Scan(
		&rec.RequestID, &rec.ContractAddress, &rec.Network,
		&rec.RequestBody, &rec.ResponseBody, &rec.ResponseHash, &rec.ServiceURI, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresStore) RecordAudit(ctx context.Context, audit *AuditRecord) error {
	createdAt := audit.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO arbitration_audits (
			id, request_id, contract_address, refund, reason,
			confidence, low_confidence, transaction_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		audit.ID, strings.ToLower(audit.RequestID), strings.ToLower(audit.ContractAddress),
		audit.Refund, audit.Reason, audit.Confidence, audit.LowConfidence,
		audit.TransactionHash, createdAt,
	)
	return err
}

func (p *PostgresStore) ListAudits(ctx context.Context, requestID string, limit int) ([]*AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, request_id, contract_address, refund, reason,
		       confidence, low_confidence, transaction_hash, created_at
		FROM arbitration_audits
		WHERE request_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		strings.ToLower(requestID), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		var a AuditRecord
		if err := rows.Scan(
			&a.ID, &a.RequestID, &a.ContractAddress, &a.Refund, &a.Reason,
			&a.Confidence, &a.LowConfidence, &a.TransactionHash, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListTrackedRequests(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT request_id, contract_address, network,
		       request_body, response_body, response_hash, service_uri, created_at
		FROM evidence_records
		ORDER BY created_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.RequestID, &rec.ContractAddress, &rec.Network,
			&rec.RequestBody, &rec.ResponseBody, &rec.ResponseHash, &rec.ServiceURI, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
