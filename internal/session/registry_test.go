// ABOUTME: Tests for the live session registry and capability lifecycle
// ABOUTME: Covers add/remove, role gating, sliding expiry, and broadcast fanout

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordWriter captures payloads written to a session.
type recordWriter struct {
	mu       sync.Mutex
	payloads []any
	err      error
}

func (w *recordWriter) WriteJSON(_ context.Context, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.payloads = append(w.payloads, v)
	return nil
}

func (w *recordWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.payloads)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(testLogger())
}

func TestRegistry_AddRemove(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Add(New("a", RoleNode, "100.64.0.1:1", nil)))
	require.NoError(t, r.Add(New("b", RoleClient, "100.64.0.2:1", nil)))
	assert.Equal(t, 2, r.Count())

	err := r.Add(New("a", RoleNode, "100.64.0.3:1", nil))
	assert.ErrorIs(t, err, ErrSessionExists)

	r.Remove("a")
	assert.Equal(t, 1, r.Count())
	_, ok := r.Get("a")
	assert.False(t, ok)

	// Removing an unknown ID is a no-op.
	r.Remove("a")
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_GrantCapability_RoleGate(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add(New("node", RoleNode, "100.64.0.1:1", nil)))
	require.NoError(t, r.Add(New("client", RoleClient, "100.64.0.2:1", nil)))

	assert.NoError(t, r.GrantCapability("node", "cap"))
	assert.ErrorIs(t, r.GrantCapability("client", "cap"), ErrNotNode)
	assert.ErrorIs(t, r.GrantCapability("ghost", "cap"), ErrSessionNotFound)
}

func TestRegistry_FindAuthorizedByCapability(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add(New("node", RoleNode, "100.64.0.1:1", nil)))
	require.NoError(t, r.GrantCapability("node", "cap-token"))

	assert.True(t, r.FindAuthorizedByCapability("cap-token"))
	assert.False(t, r.FindAuthorizedByCapability("wrong"))
	assert.False(t, r.FindAuthorizedByCapability(""))
}

func TestRegistry_CapabilityExpiresWithoutUse(t *testing.T) {
	r := newTestRegistry(t)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	require.NoError(t, r.Add(New("node", RoleNode, "100.64.0.1:1", nil)))
	require.NoError(t, r.GrantCapability("node", "cap"))

	now = now.Add(CapabilityTTL - time.Second)
	assert.True(t, r.FindAuthorizedByCapability("cap"))

	now = now.Add(CapabilityTTL)
	assert.False(t, r.FindAuthorizedByCapability("cap"))
}

func TestRegistry_CapabilityExpirySlides(t *testing.T) {
	r := newTestRegistry(t)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	require.NoError(t, r.Add(New("node", RoleNode, "100.64.0.1:1", nil)))
	require.NoError(t, r.GrantCapability("node", "cap"))

	// Touch the capability just before each expiry; it must stay valid
	// well past the original grant window.
	for i := 0; i < 5; i++ {
		now = now.Add(CapabilityTTL - time.Minute)
		assert.True(t, r.FindAuthorizedByCapability("cap"), "iteration %d", i)
	}
}

func TestRegistry_DisconnectRevokesCapability(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add(New("node", RoleNode, "100.64.0.1:1", nil)))
	require.NoError(t, r.GrantCapability("node", "cap"))

	r.Remove("node")
	assert.False(t, r.FindAuthorizedByCapability("cap"))
}

func TestRegistry_FailedMatchDoesNotExtend(t *testing.T) {
	r := newTestRegistry(t)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	require.NoError(t, r.Add(New("node", RoleNode, "100.64.0.1:1", nil)))
	require.NoError(t, r.GrantCapability("node", "cap"))

	now = now.Add(CapabilityTTL - time.Second)
	assert.False(t, r.FindAuthorizedByCapability("wrong"))

	now = now.Add(2 * time.Second)
	assert.False(t, r.FindAuthorizedByCapability("cap"))
}

func TestRegistry_Broadcast(t *testing.T) {
	r := newTestRegistry(t)
	node1 := &recordWriter{}
	node2 := &recordWriter{err: errors.New("write failed")}
	client := &recordWriter{}

	require.NoError(t, r.Add(New("n1", RoleNode, "100.64.0.1:1", node1)))
	require.NoError(t, r.Add(New("n2", RoleNode, "100.64.0.2:1", node2)))
	require.NoError(t, r.Add(New("c1", RoleClient, "100.64.0.3:1", client)))

	n := r.Broadcast(context.Background(), RoleNode, map[string]string{"type": "event"})
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, node1.count())
	assert.Equal(t, 0, client.count())
}

func TestRegistry_Send(t *testing.T) {
	r := newTestRegistry(t)
	w := &recordWriter{}
	require.NoError(t, r.Add(New("n1", RoleNode, "100.64.0.1:1", w)))

	require.NoError(t, r.Send(context.Background(), "n1", "hello"))
	assert.Equal(t, 1, w.count())

	err := r.Send(context.Background(), "ghost", "hello")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_FirstNode(t *testing.T) {
	r := newTestRegistry(t)

	_, ok := r.FirstNode()
	assert.False(t, ok)

	require.NoError(t, r.Add(New("c1", RoleClient, "100.64.0.3:1", nil)))
	_, ok = r.FirstNode()
	assert.False(t, ok)

	require.NoError(t, r.Add(New("n1", RoleNode, "100.64.0.1:1", nil)))
	id, ok := r.FirstNode()
	assert.True(t, ok)
	assert.Equal(t, "n1", id)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add(New("node", RoleNode, "100.64.0.1:1", &recordWriter{})))
	require.NoError(t, r.GrantCapability("node", "cap"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.FindAuthorizedByCapability("cap")
				r.Infos()
				r.Broadcast(context.Background(), RoleNode, "ping")
			}
		}()
	}
	wg.Wait()

	assert.True(t, r.FindAuthorizedByCapability("cap"))
}
