package server

import (
	"net/http"
)

const handwritePath = "/handwrite"

// ProxyHTTP is the surface the public router needs from the runtime proxy.
type ProxyHTTP interface {
	ServePreflight(http.ResponseWriter, *http.Request)
	ServeDictionary(http.ResponseWriter, *http.Request)
	ServeHandwriting(http.ResponseWriter, *http.Request)
	ServeMethodNotAllowed(w http.ResponseWriter, r *http.Request, route, allowed string)
}

// NewProxyHandler dispatches public traffic. OPTIONS on any path is a
// preflight, /handwrite accepts POST, and every other path is a dictionary
// lookup. Dictionary lookups answer GET and HEAD only; any other verb gets
// 405 METHOD_NOT_ALLOWED with an Allow: GET header instead of being treated
// as a lookup.
func NewProxyHandler(p ProxyHTTP) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "proxy unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			p.ServePreflight(w, r)
			return
		}
		if r.URL.Path == handwritePath {
			if r.Method != http.MethodPost {
				p.ServeMethodNotAllowed(w, r, "handwriting", http.MethodPost)
				return
			}
			p.ServeHandwriting(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			p.ServeDictionary(w, r)
		default:
			p.ServeMethodNotAllowed(w, r, "dictionary", http.MethodGet)
		}
	})
}

// NewAdminHandler exposes metrics and health on the operator listener. A nil
// handler leaves its path unrouted.
func NewAdminHandler(metrics http.Handler, health http.HandlerFunc) http.Handler {
	mux := http.NewServeMux()
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	if health != nil {
		mux.HandleFunc("GET /healthz", health)
		mux.HandleFunc("GET /health", health)
	}
	return mux
}
