package metadata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tribunal/internal/circuitbreaker"
)

func TestResolveHTTPS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"weather-api"}`))
	}))
	defer srv.Close()

	r := NewResolver("", "")
	doc, err := r.Resolve(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if string(doc.Raw) != `{"name":"weather-api"}` {
		t.Errorf("Raw = %q", doc.Raw)
	}
	if doc.URI != srv.URL {
		t.Errorf("URI = %q, want %q", doc.URI, srv.URL)
	}
}

func TestResolveGatewaySchemes(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	r := NewResolver(srv.URL+"/ipfs/", srv.URL+"/")

	if _, err := r.Resolve(context.Background(), "ipfs://QmAbc123"); err != nil {
		t.Fatalf("ipfs Resolve() error = %v", err)
	}
	if gotPath != "/ipfs/QmAbc123" {
		t.Errorf("ipfs path = %q", gotPath)
	}

	if _, err := r.Resolve(context.Background(), "ar://tx-id-456"); err != nil {
		t.Fatalf("ar Resolve() error = %v", err)
	}
	if gotPath != "/tx-id-456" {
		t.Errorf("ar path = %q", gotPath)
	}
}

func TestResolveUnsupportedScheme(t *testing.T) {
	r := NewResolver("", "")
	_, err := r.Resolve(context.Background(), "ftp://example.com/doc")
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("error = %v, want ErrUnsupportedScheme", err)
	}
}

func TestResolveNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewResolver("", "")
	if _, err := r.Resolve(context.Background(), srv.URL); err == nil {
		t.Error("expected error for 404 response")
	}
}

func TestResolveOversizedDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", MaxDocumentSize+1)))
	}))
	defer srv.Close()

	r := NewResolver("", "")
	if _, err := r.Resolve(context.Background(), srv.URL); err == nil {
		t.Error("expected error for oversized document")
	}
}

func TestResolveURLValidator(t *testing.T) {
	r := NewResolver("", "", WithURLValidator(func(rawURL string) error {
		return errors.New("private address")
	}))
	if _, err := r.Resolve(context.Background(), "https://10.0.0.1/doc"); err == nil {
		t.Error("expected rejection from URL validator")
	}
}

func TestResolveBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := circuitbreaker.New(2, time.Minute)
	r := NewResolver("", "", WithBreaker(b))

	for i := 0; i < 2; i++ {
		if _, err := r.Resolve(context.Background(), srv.URL); err == nil {
			t.Fatal("expected fetch failure")
		}
	}

	_, err := r.Resolve(context.Background(), srv.URL)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable after breaker opens", err)
	}
}
