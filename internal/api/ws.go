package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/liveview/internal/logutil"
	"github.com/zoravur/liveview/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler serves live view subscriptions over WebSocket.
type WSHandler struct {
	Deps
}

// wsWriter serializes writes; gorilla connections allow one concurrent
// writer.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}

// HandleWS upgrades the connection and hands every message to a protocol
// session until the client goes away.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	log := logutil.L(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	session := protocol.NewSession(protocol.Deps{
		DB:        h.DB,
		ViewSets:  h.ViewSets,
		OnDispose: h.OnDispose,
	}, &wsWriter{conn: conn}, log)
	defer session.Close()

	ctx := r.Context()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("ws read error", zap.Error(err))
			}
			break
		}
		session.HandleMessage(ctx, msg)
	}
	log.Debug("ws closed", zap.Int("subscriptions", session.Subscriptions()))
}
