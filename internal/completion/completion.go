// ABOUTME: Reverse-proxy handlers for OpenAI-style and Anthropic-style completions
// ABOUTME: Each endpoint is independently feature-flagged and resolver-gated

package completion

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/2389/perch-gateway/internal/auth"
	"github.com/2389/perch-gateway/internal/config"
	"github.com/2389/perch-gateway/internal/httperr"
)

// Endpoint paths follow the upstream providers' public APIs so existing
// SDKs can point at the gateway unchanged.
const (
	OpenAIPath    = "/v1/chat/completions"
	AnthropicPath = "/v1/messages"
)

// Authorizer gates proxy access with the gateway trust config.
type Authorizer interface {
	Authorize(r *http.Request, cfg *config.Config, capabilityToken string) auth.Verdict
}

// upstreamSelector picks this endpoint's upstream block from a snapshot.
type upstreamSelector func(*config.Config) config.CompletionUpstream

// targetKey carries the per-request upstream URL into the proxy rewrite.
type targetKey struct{}

// Proxy forwards one completion endpoint to its configured upstream.
// The upstream URL is read from the live snapshot per request, so a
// config reload retargets the proxy without restart.
type Proxy struct {
	name     string
	path     string
	snapshot func() *config.Config
	upstream upstreamSelector
	resolver Authorizer
	logger   *slog.Logger
	proxy    *httputil.ReverseProxy
}

// NewOpenAIProxy fronts /v1/chat/completions.
func NewOpenAIProxy(snapshot func() *config.Config, resolver Authorizer, logger *slog.Logger) *Proxy {
	return newProxy("openai", OpenAIPath, snapshot,
		func(c *config.Config) config.CompletionUpstream { return c.Completion.OpenAI },
		resolver, logger)
}

// NewAnthropicProxy fronts /v1/messages.
func NewAnthropicProxy(snapshot func() *config.Config, resolver Authorizer, logger *slog.Logger) *Proxy {
	return newProxy("anthropic", AnthropicPath, snapshot,
		func(c *config.Config) config.CompletionUpstream { return c.Completion.Anthropic },
		resolver, logger)
}

func newProxy(name, path string, snapshot func() *config.Config, upstream upstreamSelector, resolver Authorizer, logger *slog.Logger) *Proxy {
	p := &Proxy{
		name:     name,
		path:     path,
		snapshot: snapshot,
		upstream: upstream,
		resolver: resolver,
		logger:   logger.With("component", "completion", "endpoint", name),
	}
	p.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			target := pr.In.Context().Value(targetKey{}).(*url.URL)
			pr.SetURL(target)
			pr.Out.Host = target.Host
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.logger.Error("upstream request failed", "error", err)
			httperr.Write(w, http.StatusBadGateway, "upstream_error", "upstream unavailable")
		},
	}
	return p
}

func (p *Proxy) TryHandle(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Path != p.path {
		return false
	}

	cfg := p.snapshot()
	up := p.upstream(cfg)
	if !up.Enabled {
		// Disabled endpoints are indistinguishable from unknown paths.
		http.NotFound(w, r)
		return true
	}

	verdict := p.resolver.Authorize(r, cfg, "")
	if !verdict.Authorized {
		httperr.WriteVerdict(w, verdict)
		return true
	}

	target, err := url.Parse(up.Upstream)
	if err != nil || target.Scheme == "" || target.Host == "" {
		p.logger.Error("invalid upstream url", "upstream", up.Upstream)
		httperr.Write(w, http.StatusBadGateway, "upstream_error", "upstream misconfigured")
		return true
	}

	// The gateway credential must not leak to the upstream provider.
	r = r.Clone(context.WithValue(r.Context(), targetKey{}, target))
	r.Header.Del("Authorization")

	p.logger.Debug("proxying completion request", "upstream", target.Host)
	p.proxy.ServeHTTP(w, r)
	return true
}
