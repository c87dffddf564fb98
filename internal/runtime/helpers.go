package runtime

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const jsonContentType = "application/json; charset=utf-8"

// setCORSHeaders opens every response to browser callers from any origin.
func setCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
}

// requestCorrelationID reuses the caller's id when the configured header
// carries one and mints a UUID otherwise.
func (p *Proxy) requestCorrelationID(r *http.Request) string {
	if r != nil && p.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(p.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	return uuid.NewString()
}
