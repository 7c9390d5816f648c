package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"marketstream/internal/live"
	"marketstream/internal/stream"
)

// ---------------------------------------------------------------------------
// WebSocket session
// ---------------------------------------------------------------------------

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 1024
)

// wsSession is one browser connection following its own live.View.
type wsSession struct {
	conn    *websocket.Conn
	view    *live.View
	changes <-chan live.Change
	log     *slog.Logger
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "error", err)
		return
	}

	view := live.NewView(s.streamer, s.log)
	_, changes := view.Subscribe(sendBuffer)
	sess := &wsSession{
		conn:    conn,
		view:    view,
		changes: changes,
		log:     s.log.With("remote", r.RemoteAddr),
	}
	sess.log.Info("websocket client connected")

	go sess.writePump()
	sess.readPump(s.streamer)
}

// readPump applies client requests until the connection fails. Closing the
// view on exit closes the change channel, which stops writePump.
func (c *wsSession) readPump(streamer Streamer) {
	defer func() {
		c.view.Close()
		c.conn.Close()
		c.log.Info("websocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read", "error", err)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.log.Debug("ignoring malformed request", "error", err)
			continue
		}
		switch req.Action {
		case "", "subscribe":
			enabled := req.Enabled == nil || *req.Enabled
			c.view.Update(live.Options{
				StockSymbols:  req.StockSymbols,
				CryptoSymbols: req.CryptoSymbols,
				Enabled:       enabled,
			})
		case "reconnect":
			if asset, ok := stream.ParseAssetClass(req.Asset); ok {
				streamer.Reconnect(asset)
			}
		default:
			c.log.Debug("ignoring unknown action", "action", req.Action)
		}
	}
}

func (c *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case change, ok := <-c.changes:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(live.ChangeToMap(change)); err != nil {
				c.log.Debug("websocket write", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
