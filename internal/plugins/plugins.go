// ABOUTME: Plugin route registry owning the /api/ namespace
// ABOUTME: Routes by longest registered prefix; channel routes re-run the resolver

package plugins

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/2389/perch-gateway/internal/auth"
	"github.com/2389/perch-gateway/internal/config"
	"github.com/2389/perch-gateway/internal/httperr"
)

const (
	apiPrefix = "/api/"

	// channelsPrefix marks routes that touch cross-client channel state.
	// These always re-run the gateway resolver even though plugins are
	// otherwise self-authorizing.
	channelsPrefix = "/api/channels/"
)

// Authorizer re-checks a request against the gateway trust config.
// Implemented by auth.Resolver.
type Authorizer interface {
	Authorize(r *http.Request, cfg *config.Config, capabilityToken string) auth.Verdict
}

// Registry maps path prefixes under /api/ to plugin handlers. Plugins
// register at startup; lookup picks the longest matching prefix. The
// registry claims the whole /api/ namespace: an unmatched /api/ path is
// a 404, never a fallthrough to later ingress handlers.
type Registry struct {
	snapshot func() *config.Config
	resolver Authorizer
	logger   *slog.Logger

	mu     sync.RWMutex
	routes map[string]http.Handler
}

func NewRegistry(snapshot func() *config.Config, resolver Authorizer, logger *slog.Logger) *Registry {
	return &Registry{
		snapshot: snapshot,
		resolver: resolver,
		logger:   logger.With("component", "plugins"),
		routes:   make(map[string]http.Handler),
	}
}

// Register mounts a plugin handler at a prefix. The prefix must live
// under /api/ and end with a slash so lookup stays segment-aligned.
func (reg *Registry) Register(prefix string, h http.Handler) {
	if !strings.HasPrefix(prefix, apiPrefix) || !strings.HasSuffix(prefix, "/") {
		panic("plugins: prefix must be under /api/ and end with /")
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, dup := reg.routes[prefix]; dup {
		panic("plugins: duplicate prefix " + prefix)
	}
	reg.routes[prefix] = h
	reg.logger.Info("plugin route registered", "prefix", prefix)
}

// Prefixes lists registered route prefixes, sorted, for the dashboard.
func (reg *Registry) Prefixes() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]string, 0, len(reg.routes))
	for p := range reg.routes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (reg *Registry) TryHandle(w http.ResponseWriter, r *http.Request) bool {
	if !strings.HasPrefix(r.URL.Path, apiPrefix) {
		return false
	}

	if strings.HasPrefix(r.URL.Path, channelsPrefix) {
		verdict := reg.resolver.Authorize(r, reg.snapshot(), "")
		if !verdict.Authorized {
			httperr.WriteVerdict(w, verdict)
			return true
		}
	}

	if h := reg.lookup(r.URL.Path); h != nil {
		h.ServeHTTP(w, r)
		return true
	}

	http.NotFound(w, r)
	return true
}

// lookup returns the handler with the longest prefix matching path.
func (reg *Registry) lookup(path string) http.Handler {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var best string
	for prefix := range reg.routes {
		if strings.HasPrefix(path, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return nil
	}
	return reg.routes[best]
}
