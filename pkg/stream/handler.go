package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

// Scope resolves which executions the caller of r may watch.
type Scope func(r *http.Request) (ownerID string, all bool, ok bool)

// Handler upgrades to a WebSocket and streams events until either side closes.
func Handler(h *Hub, scope Scope, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, all, ok := scope(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			h.logger.Debug("websocket accept failed", "error", err)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sub := h.Subscribe(ownerID, all, subscriberBuffer)
		defer h.Unsubscribe(sub)

		// Reads only detect the peer going away; clients send nothing.
		readErr := make(chan error, 1)
		go func() {
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					readErr <- err
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case <-readErr:
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case evt, ok := <-sub.C:
				if !ok {
					_ = conn.Close(websocket.StatusGoingAway, "shutting down")
					return
				}
				writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(writeCtx, conn, evt)
				cancelWrite()
				if err != nil {
					_ = conn.Close(websocket.StatusInternalError, "write_failed")
					return
				}
			}
		}
	}
}
