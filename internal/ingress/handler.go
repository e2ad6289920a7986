// ABOUTME: Ordered request chain that routes plain HTTP traffic
// ABOUTME: First handler to claim a request wins; unclaimed requests get 404

package ingress

import (
	"log/slog"
	"net/http"
)

// Handler is one link in the ingress chain. TryHandle inspects the
// request and returns true if it claimed it (wrote a response), false
// to let the next handler look. A handler that claims a request owns
// the full response, including error shaping.
type Handler interface {
	TryHandle(w http.ResponseWriter, r *http.Request) bool
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) bool

func (f HandlerFunc) TryHandle(w http.ResponseWriter, r *http.Request) bool {
	return f(w, r)
}

// Chain dispatches a request through an ordered handler list. Ordering
// is fixed at construction; claim order is the routing table.
type Chain struct {
	handlers []Handler
	logger   *slog.Logger
}

// NewChain builds a chain over the given handlers in order.
func NewChain(logger *slog.Logger, handlers ...Handler) *Chain {
	return &Chain{handlers: handlers, logger: logger}
}

func (c *Chain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("panic serving request",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", rec,
			)
			// The response may be partially written; this is best
			// effort and must not leak the panic value.
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}()

	setSecurityHeaders(w.Header())

	for _, h := range c.handlers {
		if h.TryHandle(w, r) {
			return
		}
	}

	http.NotFound(w, r)
}

// setSecurityHeaders applies the baseline response headers before any
// handler runs, so every response carries them regardless of which
// handler claims the request.
func setSecurityHeaders(h http.Header) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
}
