package httpx

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zacdoteth/clawdrip/internal/feed"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORS is enforced by the router for REST; the feed is public read-only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServerMessage is the frame written to feed clients.
type ServerMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

const typeError = "error"

// feed streams supply events for one drop. The subscription is taken before
// the upgrade so an unknown drop is a plain 404.
func (h *DropsHandler) feed(w http.ResponseWriter, r *http.Request) {
	dropID := chi.URLParam(r, "dropID")
	sub, err := h.Feed.Subscribe(r.Context(), dropID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger().Warn("websocket upgrade failed", zap.String("drop_id", dropID), zap.Error(err))
		return
	}
	log := h.logger().With(zap.String("drop_id", dropID), zap.String("remote_addr", r.RemoteAddr))
	log.Debug("feed client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		readUntilClosed(conn, log)
	}()
	go func() {
		defer wg.Done()
		sendPings(ctx, conn)
	}()

	writeEvents(ctx, conn, sub)

	cancel()
	_ = conn.Close()
	wg.Wait()
	log.Debug("feed client disconnected")
}

func writeEvents(ctx context.Context, conn *websocket.Conn, sub *feed.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				code := websocket.CloseNormalClosure
				if err := sub.Err(); err != nil {
					msg := ServerMessage{Type: typeError, Payload: map[string]string{"message": err.Error()}}
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					_ = conn.WriteJSON(msg)
					code = websocket.CloseTryAgainLater
					if errors.Is(err, feed.ErrClosed) {
						code = websocket.CloseGoingAway
					}
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, ""), time.Now().Add(writeTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ServerMessage{Type: string(ev.Kind), Payload: ev}); err != nil {
				return
			}
		}
	}
}

// readUntilClosed drains client frames; it returns when the peer goes away.
func readUntilClosed(conn *websocket.Conn, log *zap.Logger) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("feed read failed", zap.Error(err))
			}
			return
		}
	}
}

func sendPings(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
