// Package validation guards the API's inbound inputs: payload size and
// the hex identifiers that name contracts and requests.
package validation

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1MB. Escalation payloads are a
// few hundred bytes; anything near the cap is hostile.
const MaxRequestSize = 1 << 20

var (
	addressPattern   = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	requestIDPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// RequestSizeMiddleware rejects bodies larger than maxSize.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is a 0x-prefixed 20-byte hex
// address.
func IsValidEthAddress(addr string) bool {
	return addressPattern.MatchString(addr)
}

// IsValidRequestID reports whether s is a 0x-prefixed 32-byte hex
// identifier, the form request IDs take on the escrow contract.
func IsValidRequestID(s string) bool {
	return requestIDPattern.MatchString(s)
}
