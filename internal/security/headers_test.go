package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func serve(mw gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/probe", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(HeadersMiddleware(), httptest.NewRequest(http.MethodGet, "/probe", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for header, value := range want {
		if got := w.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}

	csp := w.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "frame-ancestors 'none'") {
		t.Errorf("CSP = %q, want framing forbidden", csp)
	}
	if !strings.Contains(csp, "wss:") {
		t.Errorf("CSP = %q, want socket upgrades allowed", csp)
	}
}

func TestCORSOriginFiltering(t *testing.T) {
	cases := []struct {
		name    string
		origins []string
		origin  string
		allowed bool
	}{
		{"listed origin", []string{"https://app.example"}, "https://app.example", true},
		{"wildcard", []string{"*"}, "https://anything.example", true},
		{"unlisted origin", []string{"https://app.example"}, "https://evil.example", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/probe", nil)
			req.Header.Set("Origin", tc.origin)
			w := serve(CORSMiddleware(tc.origins), req)

			if got := w.Header().Get("Access-Control-Allow-Origin") != ""; got != tc.allowed {
				t.Errorf("allow-origin present = %v, want %v", got, tc.allowed)
			}
		})
	}
}

func TestCORSWildcardOmitsCredentials(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Origin", "https://anything.example")
	w := serve(CORSMiddleware([]string{"*"}), req)

	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatal("wildcard origins must not allow credentials")
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/probe", nil)
	req.Header.Set("Origin", "https://app.example")
	w := serve(CORSMiddleware([]string{"*"}), req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", w.Code)
	}
	headers := w.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(headers, "X-Alchemy-Signature") {
		t.Fatalf("allow-headers = %q, want the signature header listed", headers)
	}
}
