package handlers

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/serviceworker"
	"go.uber.org/zap"
)

const (
	channelWriteWait  = 10 * time.Second
	channelPongWait   = 60 * time.Second
	channelPingPeriod = (channelPongWait * 9) / 10
	channelMaxMessage = 4096
)

// ChannelReply answers one control message on the channel
type ChannelReply struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Channel handles GET /_pipeline/channel, a websocket carrying control
// messages from the page to the cache controller. Messages are applied in
// the order received.
func (h *PipelineHandlers) Channel(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(channelMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(channelPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(channelPongWait))
	})

	ctx := c.Request.Context()
	replies := make(chan ChannelReply)
	done := make(chan struct{})
	go h.writeChannel(conn, replies, done)
	defer func() {
		close(replies)
		<-done
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Control channel closed", zap.Error(err))
			}
			return
		}

		reply := ChannelReply{OK: true}
		msg, err := serviceworker.ParseMessage(data)
		if err == nil {
			reply.Type = msg.Type
			err = h.controller.HandleMessage(ctx, msg)
		}
		if err != nil {
			reply.OK = false
			reply.Error = err.Error()
		}

		select {
		case replies <- reply:
		case <-done:
			return
		}
	}
}

// writeChannel owns all writes on conn: replies and keepalive pings
func (h *PipelineHandlers) writeChannel(conn *websocket.Conn, replies <-chan ChannelReply, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(channelPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case reply, ok := <-replies:
			_ = conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(reply); err != nil {
				h.logger.Debug("Control channel write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// checkOrigin accepts requests without an Origin header and those from the
// site origin or the edge's own host
func (h *PipelineHandlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if site := h.controller.Origin(); site != nil && strings.EqualFold(parsed.Host, site.Host) {
		return true
	}
	return strings.EqualFold(parsed.Host, r.Host)
}
