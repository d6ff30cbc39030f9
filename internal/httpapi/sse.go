package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"PenaltyScanner/internal/progress"
)

// streamEvents writes queued events as server-sent events until a terminal event, the queue
// closing or the client leaving. A read timeout produces a ping comment.
func (s *Server) streamEvents(c *gin.Context, q *progress.Queue, release func()) {
	defer func() {
		release()
		if n := q.Dropped(); n > 0 {
			s.logger.Debug("progress events dropped for slow client", "path", c.Request.URL.Path, "dropped", n)
		}
	}()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	for {
		e, status := q.Read(ctx, s.cfg.Heartbeat)
		switch status {
		case progress.Closed:
			return
		case progress.TimedOut:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		}

		data, err := json.Marshal(e)
		if err != nil {
			s.logger.Warn("marshal progress event", "error", err)
			continue
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
			return
		}
		flusher.Flush()
		if e.Terminal() {
			return
		}
	}
}
