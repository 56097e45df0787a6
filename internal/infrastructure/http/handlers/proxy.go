package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lumenstudio/imagepipe/internal/application/preload"
	"github.com/lumenstudio/imagepipe/internal/domain/fetch"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/hints"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/http/middleware"
	apperrors "github.com/lumenstudio/imagepipe/pkg/errors"
	"go.uber.org/zap"
)

// Proxy serves every request the edge does not own through the cache
// controller. HTML navigations additionally get the session's pending
// critical image hints in their head and Link header.
func (h *PipelineHandlers) Proxy(c *gin.Context) {
	if len(h.options.Critical) == 0 || !middleware.IsNavigation(c.Request) {
		h.controller.ServeHTTP(c.Writer, c.Request)
		return
	}

	req := fetch.FromHTTP(c.Request, h.controller.Origin())
	resp, err := h.controller.HandleFetch(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(apperrors.Wrap(err, "Fetch failed"))
		return
	}

	header := c.Writer.Header()
	for key, values := range resp.Header {
		header[key] = append([]string(nil), values...)
	}

	body := resp.Body
	if resp.OK() && resp.IsHTML() {
		body = []byte(h.injectCritical(c, string(body)))
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}

	c.Status(resp.Status)
	if c.Request.Method != http.MethodHead {
		_, _ = c.Writer.Write(body)
	}
}

func (h *PipelineHandlers) injectCritical(c *gin.Context, page string) string {
	sessionID := c.GetString(middleware.SessionIDKey)
	doc := hints.NewDocument()
	sink := hints.MultiSink{doc, hints.NewHeaderSink(c.Writer.Header())}

	scheduler := preload.NewScheduler(h.sessions.Get(sessionID), h.detectorFor(c), sink, h.options.Preload, h.logger, h.metrics)
	for _, desc := range h.options.Critical {
		scheduler.Schedule(desc)
	}
	doc.Close()

	if doc.Len() > 0 {
		h.logger.Debug("Injecting critical image hints",
			zap.String("session_id", sessionID),
			zap.String("path", c.Request.URL.Path),
			zap.Int("hints", doc.Len()),
		)
	}
	return doc.InjectInto(page)
}
