package handler

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rcarmo/go-rdp-mitm/internal/livestream"
	"github.com/rcarmo/go-rdp-mitm/internal/logging"
)

const (
	webSocketReadBufferSize  = 1024
	webSocketWriteBufferSize = 8192 * 2

	liveWriteTimeout = 10 * time.Second
)

// Subscriber attaches viewers to the record stream of a session.
type Subscriber interface {
	Subscribe(session string) *livestream.Subscription
}

// Live streams the records of the session named by the "session" query
// parameter as websocket binary messages, one record per message. The socket
// is closed normally when the session ends.
func Live(hub Subscriber) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  webSocketReadBufferSize,
		WriteBufferSize: webSocketWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || isAllowedOrigin(origin)
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		session := r.URL.Query().Get("session")
		if session == "" {
			http.Error(w, "missing session parameter", http.StatusBadRequest)
			return
		}

		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("upgrade websocket: %v", err)
			return
		}

		defer func() {
			if err := wsConn.Close(); err != nil {
				logging.Debug("close websocket: %v", err)
			}
		}()

		sub := hub.Subscribe(session)
		defer sub.Cancel()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		logging.Info("live viewer %s attached to session %s", r.RemoteAddr, session)

		go drainWs(wsConn, cancel)
		recordsToWs(ctx, sub.C, wsConn)
	}
}

// drainWs consumes control frames until the viewer goes away.
func drainWs(wsConn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	for {
		if _, _, err := wsConn.ReadMessage(); err != nil {
			return
		}
	}
}

func recordsToWs(ctx context.Context, records <-chan []byte, wsConn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
				_ = wsConn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}

			_ = wsConn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := wsConn.WriteMessage(websocket.BinaryMessage, rec); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					logging.Debug("send record to viewer: %v", err)
				}
				return
			}
		}
	}
}

// isAllowedOrigin checks a browser origin against RDPMITM_ALLOWED_ORIGINS.
// Localhost origins are always allowed; with no list configured nothing else is.
func isAllowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}

	normalized := strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://")
	normalized = strings.TrimSuffix(normalized, "/")

	if strings.HasPrefix(normalized, "localhost") || strings.HasPrefix(normalized, "127.0.0.1") {
		return true
	}

	allowed := os.Getenv("RDPMITM_ALLOWED_ORIGINS")
	if allowed == "" {
		return false
	}

	for _, entry := range strings.Split(allowed, ",") {
		candidate := strings.TrimSpace(entry)
		if candidate == "" {
			continue
		}

		if candidate == origin || candidate == normalized {
			return true
		}

		if strings.TrimPrefix(candidate, "http://") == normalized || strings.TrimPrefix(candidate, "https://") == normalized {
			return true
		}
	}

	return false
}
