package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"callsignal/internal/calls"
	"callsignal/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// Outbound push message types.
const (
	msgSnapshot = "snapshot"
	msgGone     = "gone"
	msgIncoming = "incoming"
	msgPong     = "pong"
	msgError    = "error"
)

type pushMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// pushConn owns one upgraded connection. writePump is the only writer.
type pushConn struct {
	conn *websocket.Conn
	send chan pushMessage
	log  *slog.Logger
}

func (h Handlers) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return originAllowed(h.AllowedOrigins, r.Header.Get("Origin")) },
	}
}

// originAllowed accepts non-browser clients (no Origin header), a "*" entry,
// or an exact scheme://host match.
func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		if a == "*" || a == u.Scheme+"://"+u.Host {
			return true
		}
	}
	return false
}

// CallEvents streams snapshots of one call to a participant until the record
// is gone. Clients may send {"type":"heartbeat"} to keep the record alive.
func (h Handlers) CallEvents(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	callID := c.Param("id")
	if _, err := h.Calls.Get(c.Request.Context(), callID, uid); err != nil {
		writeError(c, err)
		return
	}

	up := h.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.FromGin(c).Warn("websocket upgrade failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	p := newPushConn(conn, logger.ForCall(logger.FromGin(c), callID, "observer").With("user_id", uid))

	snaps, err := h.Calls.Watch(ctx, callID)
	if err != nil {
		p.log.Error("watch failed", "err", err)
		p.closeWith(websocket.CloseInternalServerErr, "watch failed")
		return
	}

	go p.readPump(cancel, func(m inboundMessage) {
		switch m.Type {
		case "heartbeat":
			if err := h.Calls.Heartbeat(ctx, callID, uid); err != nil {
				_, msg := statusFor(err)
				p.offer(pushMessage{Type: msgError, Payload: gin.H{"error": msg}})
			}
		default:
			p.log.Debug("ignoring push message", "type", m.Type)
		}
	})
	go func() {
		for s := range snaps {
			m := pushMessage{Type: msgGone, Payload: gin.H{"callId": callID}}
			if !s.Gone() {
				m = pushMessage{Type: msgSnapshot, Payload: *s.Record}
			}
			select {
			case p.send <- m:
			case <-ctx.Done():
				return
			}
			if s.Gone() {
				return
			}
		}
	}()
	p.writePump(ctx)
}

// IncomingEvents streams ringing calls addressed to the authenticated user.
func (h Handlers) IncomingEvents(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	up := h.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.FromGin(c).Warn("websocket upgrade failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	p := newPushConn(conn, logger.FromGin(c).With("user_id", uid))

	recs, err := h.Calls.WatchIncoming(ctx, uid)
	if err != nil {
		p.log.Error("watch incoming failed", "err", err)
		p.closeWith(websocket.CloseInternalServerErr, "watch failed")
		return
	}

	go p.readPump(cancel, nil)
	go func() {
		for rec := range recs {
			select {
			case p.send <- pushMessage{Type: msgIncoming, Payload: incomingPayload(rec)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	p.writePump(ctx)
}

func incomingPayload(rec calls.CallRecord) gin.H {
	return gin.H{
		"callId":    rec.ID,
		"callerId":  rec.CallerID,
		"kind":      rec.Kind,
		"createdAt": rec.CreatedAt,
	}
}

func newPushConn(conn *websocket.Conn, log *slog.Logger) *pushConn {
	return &pushConn{conn: conn, send: make(chan pushMessage, sendBuffer), log: log}
}

// offer queues m without blocking; a full buffer drops it.
func (p *pushConn) offer(m pushMessage) {
	select {
	case p.send <- m:
	default:
		p.log.Warn("push buffer full, dropping message", "type", m.Type)
	}
}

// readPump handles pings and client messages. It cancels the stream when the
// client goes away.
func (p *pushConn) readPump(cancel context.CancelFunc, onMessage func(inboundMessage)) {
	defer cancel()

	p.conn.SetReadLimit(64 << 10)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var m inboundMessage
		if err := p.conn.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.Debug("push connection closed", "err", err)
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		if m.Type == "ping" {
			p.offer(pushMessage{Type: msgPong})
			continue
		}
		if onMessage != nil {
			onMessage(m)
		}
	}
}

// writePump drains send until ctx ends or a gone message has been written.
func (p *pushConn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case m := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(m); err != nil {
				p.log.Debug("push write failed", "err", err)
				return
			}
			if m.Type == msgGone {
				p.closeWith(websocket.CloseNormalClosure, "call gone")
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			p.closeWith(websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (p *pushConn) closeWith(code int, text string) {
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	_ = p.conn.Close()
}
