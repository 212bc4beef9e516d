package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
)

func transition(id, owner string, to contracts.Status) contracts.Transition {
	return contracts.Transition{
		ExecutionID: id,
		OwnerID:     owner,
		To:          to,
		At:          time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestHub_ScopesByOwner(t *testing.T) {
	h := NewHub()
	alice := h.Subscribe("alice", false, 4)
	admin := h.Subscribe("root", true, 4)
	defer h.Unsubscribe(alice)
	defer h.Unsubscribe(admin)

	h.Publish(transition("e-1", "alice", contracts.StatusRunning))
	h.Publish(transition("e-2", "bob", contracts.StatusRunning))

	require.Len(t, alice.C, 1)
	evt := <-alice.C
	assert.Equal(t, "e-1", evt.ExecutionID)
	assert.Equal(t, contracts.StatusRunning, evt.Status)
	assert.Equal(t, "2026-02-01T10:00:00.000Z", evt.At)

	assert.Len(t, admin.C, 2)
}

func TestHub_DropsForSlowSubscriber(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("alice", false, 1)
	defer h.Unsubscribe(s)

	h.Publish(transition("e-1", "alice", contracts.StatusPending))
	h.Publish(transition("e-1", "alice", contracts.StatusRunning))

	assert.Len(t, s.C, 1)
	assert.Equal(t, uint64(1), s.Dropped())
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("alice", false, 1)
	assert.Equal(t, 1, h.Subscribers())
	h.Unsubscribe(s)
	h.Unsubscribe(s)
	assert.Equal(t, 0, h.Subscribers())
	_, open := <-s.C
	assert.False(t, open)
}

func TestHandler_StreamsOwnEvents(t *testing.T) {
	h := NewHub()
	scope := func(r *http.Request) (string, bool, bool) {
		owner := r.URL.Query().Get("owner")
		return owner, false, owner != ""
	}
	srv := httptest.NewServer(Handler(h, scope, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?owner=alice"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.Publish(transition("e-9", "bob", contracts.StatusRunning))
	h.Publish(transition("e-1", "alice", contracts.StatusSucceeded))

	var evt Event
	require.NoError(t, wsjson.Read(ctx, conn, &evt))
	assert.Equal(t, "e-1", evt.ExecutionID)
	assert.Equal(t, contracts.StatusSucceeded, evt.Status)
}
