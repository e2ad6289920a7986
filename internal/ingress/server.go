// ABOUTME: Server orchestrator wiring the handler chain, upgrade gate, and listeners
// ABOUTME: Serves plain TCP or Tailscale tsnet with graceful shutdown

package ingress

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/perch-gateway/internal/auth"
	"github.com/2389/perch-gateway/internal/canvas"
	"github.com/2389/perch-gateway/internal/chatrelay"
	"github.com/2389/perch-gateway/internal/completion"
	"github.com/2389/perch-gateway/internal/config"
	"github.com/2389/perch-gateway/internal/dashboard"
	"github.com/2389/perch-gateway/internal/dedupe"
	"github.com/2389/perch-gateway/internal/hooks"
	"github.com/2389/perch-gateway/internal/httperr"
	"github.com/2389/perch-gateway/internal/plugins"
	"github.com/2389/perch-gateway/internal/ratelimit"
	"github.com/2389/perch-gateway/internal/session"
	"github.com/2389/perch-gateway/internal/tools"
)

// Server owns the gateway's inbound surface: one listener, a fixed
// handler chain for plain HTTP, and the upgrade gate for WebSockets.
type Server struct {
	provider *config.Provider
	registry *session.Registry
	resolver *auth.Resolver
	plugins  *plugins.Registry
	chain    *Chain
	upgrade  *UpgradeGate

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// New wires the full ingress stack from a config provider. The provider
// is consulted per request, so config reloads apply without restart;
// only listener addresses and the rate-limit window are fixed at start.
func New(provider *config.Provider, logger *slog.Logger) *Server {
	cfg := provider.Snapshot()
	snapshot := provider.Snapshot

	limiter := ratelimit.NewWindowLimiter(cfg.RateLimit.MaxFailures, cfg.RateLimit.Window)
	registry := session.NewRegistry(logger.With("component", "sessions"))
	resolver := auth.NewResolver(limiter, registry, logger.With("component", "auth"))
	toolDispatcher := tools.NewDispatcher(snapshot, registry, resolver, tools.DefaultTimeout, logger)

	pluginRegistry := plugins.NewRegistry(snapshot, resolver, logger)
	pluginRegistry.Register("/api/channels/", newChannelsHandler(registry, logger))

	// Webhook platforms retry on slow responses; suppress redeliveries
	// for a few minutes.
	deliveries := dedupe.New(5*time.Minute, 100_000)

	chain := NewChain(logger.With("component", "ingress"),
		NewHealthHandler(),
		hooks.NewHandler(snapshot, registry, logger),
		toolDispatcher,
		chatrelay.NewHandler(snapshot, registry, deliveries, logger),
		pluginRegistry,
		completionHandlers(snapshot, resolver, logger),
		canvas.NewHandler(snapshot, resolver, logger),
		dashboard.NewHandler(snapshot, resolver, registry, ServiceName, logger),
	)

	s := &Server{
		provider: provider,
		registry: registry,
		resolver: resolver,
		plugins:  pluginRegistry,
		chain:    chain,
		upgrade:  NewUpgradeGate(snapshot, resolver, registry, toolDispatcher, logger),
		logger:   logger.With("component", "server"),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Plugins exposes the plugin route registry so embedders can mount
// routes before Run.
func (s *Server) Plugins() *plugins.Registry { return s.plugins }

// Sessions exposes the live session registry.
func (s *Server) Sessions() *session.Registry { return s.registry }

// ServeHTTP classifies each request exactly once: upgrade requests go
// to the gate, everything else walks the chain.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if IsUpgrade(r) {
		s.upgrade.ServeHTTP(w, r)
		return
	}
	s.chain.ServeHTTP(w, r)
}

// completionHandlers groups the two proxy endpoints into one chain link.
func completionHandlers(snapshot func() *config.Config, resolver *auth.Resolver, logger *slog.Logger) Handler {
	openai := completion.NewOpenAIProxy(snapshot, resolver, logger)
	anthropic := completion.NewAnthropicProxy(snapshot, resolver, logger)
	return HandlerFunc(func(w http.ResponseWriter, r *http.Request) bool {
		return openai.TryHandle(w, r) || anthropic.TryHandle(w, r)
	})
}

// Run starts the server and blocks until the context is canceled or the
// listener fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serveErr = <-errCh:
		s.logger.Error("server error", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

// Shutdown gracefully stops the server and closes the tailscale node.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.tsnetServer != nil {
		if err := s.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// setupListener creates the listener per configuration (Tailscale or TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	cfg := s.provider.Snapshot()
	if cfg.Tailscale.Enabled {
		if cfg.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", cfg.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx, cfg.Tailscale)
	}

	ln, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Server.HTTPAddr, err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using a default
// under the user's data dir when unset.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "perch-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and listens per config.
func (s *Server) setupTailscaleListener(ctx context.Context, tsCfg config.TailscaleConfig) (net.Listener, error) {
	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	switch {
	case tsCfg.Funnel:
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return s.setupTailscaleTLSListener()
	default:
		ln, err := s.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// setupTailscaleTLSListener serves TLS with Tailscale-provisioned certs.
func (s *Server) setupTailscaleTLSListener() (net.Listener, error) {
	s.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := s.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := s.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// newChannelsHandler is the built-in /api/channels/ plugin: it relays a
// posted payload to every connected client session on the named channel.
func newChannelsHandler(registry *session.Registry, logger *slog.Logger) http.Handler {
	log := logger.With("component", "channels")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		channel := strings.TrimPrefix(r.URL.Path, "/api/channels/")
		if channel == "" || strings.Contains(channel, "/") {
			http.NotFound(w, r)
			return
		}

		var payload json.RawMessage
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&payload); err != nil {
			http.Error(w, "body must be JSON", http.StatusBadRequest)
			return
		}

		delivered := registry.Broadcast(r.Context(), session.RoleClient, map[string]any{
			"type":    "channel_message",
			"channel": channel,
			"payload": payload,
		})
		log.Info("channel message relayed", "channel", channel, "delivered", delivered)

		httperr.WriteJSON(w, http.StatusAccepted, map[string]any{"ok": true, "delivered": delivered})
	})
}
