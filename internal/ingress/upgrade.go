// ABOUTME: WebSocket upgrade gate that bypasses the HTTP handler chain
// ABOUTME: Authorizes the handshake, registers sessions, and pumps the message loop

package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/perch-gateway/internal/auth"
	"github.com/2389/perch-gateway/internal/config"
	"github.com/2389/perch-gateway/internal/httperr"
	"github.com/2389/perch-gateway/internal/scoped"
	"github.com/2389/perch-gateway/internal/session"
	"github.com/2389/perch-gateway/internal/tools"
)

const (
	// peerWSPath is where node and client peers connect.
	peerWSPath = "/ws"
	// canvasWSPath is the rewritten form of the canvas socket endpoint.
	canvasWSPath = "/canvas/ws"

	// connectTimeout bounds the wait for the peer's first frame.
	connectTimeout = 10 * time.Second
)

// IsUpgrade reports whether the request asks for a WebSocket upgrade.
// Upgrade requests never enter the HTTP handler chain.
func IsUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// Authorizer resolves a request against the gateway trust config.
type Authorizer interface {
	Authorize(r *http.Request, cfg *config.Config, capabilityToken string) auth.Verdict
}

// connectFrame is the first message a peer sends on /ws.
type connectFrame struct {
	Type string `json:"type"`
	Role string `json:"role"`
	ID   string `json:"id,omitempty"`
}

// inboundFrame is the envelope for all subsequent peer messages.
type inboundFrame struct {
	Type string `json:"type"`

	// capability_grant
	Token string `json:"token,omitempty"`

	// tool_reply
	RequestID string          `json:"request_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// UpgradeGate owns the WebSocket side of the gateway. It authorizes the
// handshake before accepting, so a denied upgrade costs one HTTP error
// and never allocates a connection.
type UpgradeGate struct {
	snapshot func() *config.Config
	resolver Authorizer
	registry *session.Registry
	tools    *tools.Dispatcher
	logger   *slog.Logger
}

func NewUpgradeGate(snapshot func() *config.Config, resolver Authorizer, registry *session.Registry, toolDispatcher *tools.Dispatcher, logger *slog.Logger) *UpgradeGate {
	return &UpgradeGate{
		snapshot: snapshot,
		resolver: resolver,
		registry: registry,
		tools:    toolDispatcher,
		logger:   logger.With("component", "upgrade-gate"),
	}
}

func (g *UpgradeGate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w.Header())

	res := scoped.Normalize(r.URL.Path)
	if res.Malformed {
		http.Error(w, "malformed scoped path", http.StatusBadRequest)
		return
	}

	switch res.Rewritten {
	case peerWSPath:
		g.handlePeer(w, r)
	case canvasWSPath:
		g.handleCanvas(w, r, res.Token)
	default:
		http.NotFound(w, r)
	}
}

// handlePeer accepts a node or client peer on /ws.
func (g *UpgradeGate) handlePeer(w http.ResponseWriter, r *http.Request) {
	verdict := g.resolver.Authorize(r, g.snapshot(), "")
	if !verdict.Authorized {
		httperr.WriteVerdict(w, verdict)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	frame, err := g.readConnectFrame(r.Context(), conn)
	if err != nil {
		g.logger.Warn("rejecting peer without connect frame", "remote", r.RemoteAddr, "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "expected connect frame")
		return
	}

	role, ok := peerRole(frame.Role)
	if !ok {
		_ = conn.Close(websocket.StatusPolicyViolation, "unknown role")
		return
	}
	id := frame.ID
	if id == "" {
		id = uuid.NewString()
	}

	s := session.New(id, role, r.RemoteAddr, &wsWriter{conn: conn})
	if err := g.registry.Add(s); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "session id in use")
		return
	}
	defer g.registry.Remove(id)

	g.readLoop(r.Context(), conn, s)
}

// handleCanvas accepts a canvas surface on the scoped socket endpoint.
// The capability token from the URL is the only credential a canvas
// browser has.
func (g *UpgradeGate) handleCanvas(w http.ResponseWriter, r *http.Request, capToken string) {
	cfg := g.snapshot()
	if !cfg.Canvas.Enabled {
		// Same as the HTTP canvas host: a disabled canvas is
		// indistinguishable from an unknown path.
		http.NotFound(w, r)
		return
	}

	verdict := g.resolver.Authorize(r, cfg, capToken)
	if !verdict.Authorized {
		httperr.WriteVerdict(w, verdict)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("canvas upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	s := session.New(id, session.RoleCanvas, r.RemoteAddr, &wsWriter{conn: conn})
	if err := g.registry.Add(s); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "session registration failed")
		return
	}
	defer g.registry.Remove(id)

	// Canvas surfaces are write-only from the gateway's perspective;
	// the loop exists to notice disconnects.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

func (g *UpgradeGate) readConnectFrame(ctx context.Context, conn *websocket.Conn) (connectFrame, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var frame connectFrame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		return connectFrame{}, err
	}
	if frame.Type != "connect" {
		return connectFrame{}, errors.New("first frame must be connect")
	}
	return frame, nil
}

// readLoop pumps inbound frames until the peer disconnects.
func (g *UpgradeGate) readLoop(ctx context.Context, conn *websocket.Conn, s *session.Session) {
	for {
		var frame inboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				g.logger.Debug("peer read failed", "session_id", s.ID, "error", err)
			}
			return
		}

		switch frame.Type {
		case "capability_grant":
			if err := g.registry.GrantCapability(s.ID, frame.Token); err != nil {
				g.logger.Warn("capability grant rejected", "session_id", s.ID, "error", err)
			}
		case "tool_reply":
			g.tools.HandleReply(tools.Reply{
				RequestID: frame.RequestID,
				Result:    frame.Result,
				Error:     frame.Error,
			})
		default:
			g.logger.Debug("ignoring unknown frame", "session_id", s.ID, "type", frame.Type)
		}
	}
}

func peerRole(raw string) (session.Role, bool) {
	switch session.Role(raw) {
	case session.RoleNode:
		return session.RoleNode, true
	case session.RoleClient:
		return session.RoleClient, true
	default:
		return "", false
	}
}

// wsWriter adapts a websocket connection to session.MessageWriter.
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) WriteJSON(ctx context.Context, v any) error {
	return wsjson.Write(ctx, w.conn, v)
}
