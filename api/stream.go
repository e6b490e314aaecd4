package api

import (
	"io"
	"net/http"
	"time"

	"mediafetch/progress"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// progressMessage is an event as sent to clients.
type progressMessage struct {
	progress.Event
	DownloadURL string `json:"downloadUrl,omitempty"`
}

func (h *Handler) message(c *gin.Context, ev progress.Event) progressMessage {
	msg := progressMessage{Event: ev}
	if ev.Status == progress.StatusFinished {
		msg.DownloadURL = h.downloadURL(c, ev.File)
	}
	return msg
}

// lastEvent reports whether nothing further will be published for the subscribed id.
func lastEvent(ev progress.Event) bool {
	if ev.Status == progress.StatusPlaylistProgress {
		return ev.Completed >= ev.Total
	}
	return ev.Terminal()
}

// handleProgressSSE streams the events of a job or batch id as Server-Sent Events.
func (h *Handler) handleProgressSSE(c *gin.Context) {
	id := c.Param("id")
	sub := h.hub.Subscribe(id)
	defer h.hub.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent("progress", h.message(c, ev))
			return !lastEvent(ev)
		}
	})
}

// handleProgressWS pushes the events of a job or batch id over a WebSocket.
func (h *Handler) handleProgressWS(c *gin.Context) {
	id := c.Param("id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("id", id).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(id)
	defer h.hub.Unsubscribe(sub)

	// The reader only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(h.message(c, ev)); err != nil {
				log.Debug().Err(err).Str("id", id).Msg("WebSocket write failed")
				return
			}
			if lastEvent(ev) {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}
}
