// ABOUTME: Tool invocation endpoint that round-trips requests through node sessions
// ABOUTME: Correlates HTTP callers with WebSocket replies by request ID

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/perch-gateway/internal/auth"
	"github.com/2389/perch-gateway/internal/config"
	"github.com/2389/perch-gateway/internal/httperr"
	"github.com/2389/perch-gateway/internal/session"
)

const (
	invokePath = "/tools/invoke"

	// DefaultTimeout bounds how long an HTTP caller waits for a node reply.
	DefaultTimeout = 30 * time.Second

	maxBodySize = 1 << 20
)

// ErrNoNodes indicates no node session is connected to serve the call.
var ErrNoNodes = errors.New("no node sessions connected")

// Sender delivers a payload to one session. Implemented by session.Registry.
type Sender interface {
	Send(ctx context.Context, id string, payload any) error
	FirstNode() (string, bool)
}

// Authorizer gates tool invocation with the gateway trust config.
// Implemented by auth.Resolver.
type Authorizer interface {
	Authorize(r *http.Request, cfg *config.Config, capabilityToken string) auth.Verdict
}

// InvokeRequest is the HTTP request body for a tool call.
type InvokeRequest struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

// invokeMessage is the frame sent to the serving node session.
type invokeMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// Reply is a node's answer to a tool invocation, received over the
// WebSocket message loop and handed to HandleReply.
type Reply struct {
	RequestID string          `json:"request_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Dispatcher serves POST /tools/invoke and owns the pending-call table.
// Each in-flight call holds a buffered channel; the WS read loop
// resolves it via HandleReply.
type Dispatcher struct {
	snapshot func() *config.Config
	sessions Sender
	resolver Authorizer
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Reply
}

func NewDispatcher(snapshot func() *config.Config, sessions Sender, resolver Authorizer, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		snapshot: snapshot,
		sessions: sessions,
		resolver: resolver,
		timeout:  timeout,
		logger:   logger.With("component", "tools"),
		pending:  make(map[string]chan Reply),
	}
}

func (d *Dispatcher) TryHandle(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Path != invokePath {
		return false
	}

	// Tool calls run on privileged node sessions; the caller must hold
	// the gateway credential before anything else is even parsed.
	verdict := d.resolver.Authorize(r, d.snapshot(), "")
	if !verdict.Authorized {
		httperr.WriteVerdict(w, verdict)
		return true
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return true
	}

	var req InvokeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return true
	}
	if req.Tool == "" {
		http.Error(w, "tool is required", http.StatusBadRequest)
		return true
	}

	reply, err := d.invoke(r.Context(), req)
	switch {
	case errors.Is(err, ErrNoNodes):
		http.Error(w, "no node available", http.StatusServiceUnavailable)
		return true
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "tool invocation timed out", http.StatusGatewayTimeout)
		return true
	case err != nil:
		d.logger.Error("tool invocation failed", "tool", req.Tool, "error", err)
		http.Error(w, "tool invocation failed", http.StatusBadGateway)
		return true
	}

	if reply.Error != "" {
		httperr.Write(w, http.StatusBadGateway, "tool_error", reply.Error)
		return true
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{"result": reply.Result})
	return true
}

// invoke sends the call to one node and blocks for the correlated reply.
func (d *Dispatcher) invoke(ctx context.Context, req InvokeRequest) (Reply, error) {
	nodeID, ok := d.sessions.FirstNode()
	if !ok {
		return Reply{}, ErrNoNodes
	}

	id := uuid.NewString()
	ch := make(chan Reply, 1)

	d.mu.Lock()
	d.pending[id] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	msg := invokeMessage{Type: "tool_invoke", RequestID: id, Tool: req.Tool, Args: req.Args}
	if err := d.sessions.Send(ctx, nodeID, msg); err != nil {
		return Reply{}, err
	}
	d.logger.Debug("tool call dispatched", "tool", req.Tool, "request_id", id, "node", nodeID)

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// HandleReply resolves a pending invocation. Returns false if no caller
// is waiting (timed out, duplicate, or unknown ID); the reply is dropped.
func (d *Dispatcher) HandleReply(reply Reply) bool {
	d.mu.Lock()
	ch, ok := d.pending[reply.RequestID]
	if ok {
		delete(d.pending, reply.RequestID)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Debug("dropping unmatched tool reply", "request_id", reply.RequestID)
		return false
	}
	ch <- reply
	return true
}

// PendingCount reports in-flight invocations, for the dashboard.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// sessionRegistry asserts session.Registry satisfies Sender.
var _ Sender = (*session.Registry)(nil)
