// Package metadata fetches service description documents by URI.
//
// Metadata only enriches arbitration context; it never gates a
// decision. Every failure path here resolves to "document absent" at
// the caller, so the resolver is deliberately strict about time and
// size but never about content.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tribunal/internal/circuitbreaker"
)

var (
	ErrUnsupportedScheme = errors.New("metadata: unsupported URI scheme")
	ErrUnavailable       = errors.New("metadata: gateway circuit open")
)

// MaxDocumentSize bounds fetched documents (256 KiB).
const MaxDocumentSize = 256 << 10

// Document is a fetched service description. Raw is kept verbatim; the
// decision backend quotes it rather than interpreting it.
type Document struct {
	URI       string    `json:"uri"`
	Raw       []byte    `json:"raw"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Resolver fetches documents over https, ipfs, and ar URIs. IPFS and
// Arweave resolve through configured HTTP gateways.
type Resolver struct {
	client         *http.Client
	ipfsGateway    string
	arweaveGateway string
	breaker        *circuitbreaker.Breaker
	validate       func(rawURL string) error
}

// Option configures the resolver.
type Option func(*Resolver)

// WithHTTPClient sets a custom HTTP client (for tests).
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// WithBreaker guards gateway hosts with a circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(r *Resolver) { r.breaker = b }
}

// WithURLValidator rejects fetch URLs before any request is made.
// Service URIs are seller-supplied, so production deployments pass an
// SSRF guard here.
func WithURLValidator(fn func(rawURL string) error) Option {
	return func(r *Resolver) { r.validate = fn }
}

// NewResolver creates a resolver. Empty gateway URLs fall back to
// public gateways.
func NewResolver(ipfsGateway, arweaveGateway string, opts ...Option) *Resolver {
	if ipfsGateway == "" {
		ipfsGateway = "https://ipfs.io/ipfs/"
	}
	if arweaveGateway == "" {
		arweaveGateway = "https://arweave.net/"
	}
	r := &Resolver{
		client:         &http.Client{Timeout: 10 * time.Second},
		ipfsGateway:    ipfsGateway,
		arweaveGateway: arweaveGateway,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve fetches the document behind uri.
func (r *Resolver) Resolve(ctx context.Context, uri string) (*Document, error) {
	fetchURL, err := r.toHTTP(uri)
	if err != nil {
		return nil, err
	}
	if r.validate != nil {
		if err := r.validate(fetchURL); err != nil {
			return nil, fmt.Errorf("metadata: rejected url %s: %w", fetchURL, err)
		}
	}

	host := hostKey(fetchURL)
	if r.breaker != nil && !r.breaker.Allow(host) {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, host)
	}

	doc, err := r.fetch(ctx, uri, fetchURL)
	if r.breaker != nil {
		if err != nil {
			r.breaker.RecordFailure(host)
		} else {
			r.breaker.RecordSuccess(host)
		}
	}
	return doc, err
}

func (r *Resolver) fetch(ctx context.Context, uri, fetchURL string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata: fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata: fetch %s: status %d", uri, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("metadata: read %s: %w", uri, err)
	}
	if len(raw) > MaxDocumentSize {
		return nil, fmt.Errorf("metadata: document %s exceeds %d bytes", uri, MaxDocumentSize)
	}

	return &Document{URI: uri, Raw: raw, FetchedAt: time.Now()}, nil
}

// toHTTP maps a service URI to a fetchable HTTP URL.
func (r *Resolver) toHTTP(uri string) (string, error) {
	switch {
	case strings.HasPrefix(uri, "https://"), strings.HasPrefix(uri, "http://"):
		return uri, nil
	case strings.HasPrefix(uri, "ipfs://"):
		return r.ipfsGateway + strings.TrimPrefix(uri, "ipfs://"), nil
	case strings.HasPrefix(uri, "ar://"):
		return r.arweaveGateway + strings.TrimPrefix(uri, "ar://"), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, uri)
	}
}

func hostKey(fetchURL string) string {
	u, err := url.Parse(fetchURL)
	if err != nil || u.Host == "" {
		return "metadata"
	}
	return u.Host
}
