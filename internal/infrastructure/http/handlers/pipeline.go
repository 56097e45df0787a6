// Package handlers provides the HTTP handlers of the pipeline edge
package handlers

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lumenstudio/imagepipe/internal/application/detector"
	"github.com/lumenstudio/imagepipe/internal/application/placeholder"
	"github.com/lumenstudio/imagepipe/internal/application/preload"
	"github.com/lumenstudio/imagepipe/internal/application/progressive"
	"github.com/lumenstudio/imagepipe/internal/application/visibility"
	"github.com/lumenstudio/imagepipe/internal/domain/imaging"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/cache"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/clienthints"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/hints"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/http/middleware"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/monitoring"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/serviceworker"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/viewport"
	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
	apperrors "github.com/lumenstudio/imagepipe/pkg/errors"
	"go.uber.org/zap"
)

// DefaultWarmTimeout bounds a background warm of one image's variants
const DefaultWarmTimeout = 30 * time.Second

// Options carries the tunables of the pipeline handlers
type Options struct {
	Detector     detector.Policy
	Preload      preload.Policy
	Progressive  progressive.Config
	RootMargin   int
	MaxPrimeURLs int
	WarmTimeout  time.Duration
	// Critical images are hinted into proxied HTML pages.
	Critical []imaging.Descriptor
}

// PipelineHandlers serves the /_pipeline endpoints
type PipelineHandlers struct {
	controller *serviceworker.Controller
	sessions   *cache.RegistryStore
	palette    *placeholder.Palette
	images     outbound.ImageLoader
	options    Options
	logger     *zap.Logger
	metrics    *monitoring.MetricsCollector

	warming sync.WaitGroup
}

// NewPipelineHandlers creates the pipeline handlers
func NewPipelineHandlers(
	controller *serviceworker.Controller,
	sessions *cache.RegistryStore,
	palette *placeholder.Palette,
	images outbound.ImageLoader,
	options Options,
	logger *zap.Logger,
	metrics *monitoring.MetricsCollector,
) *PipelineHandlers {
	if options.RootMargin <= 0 {
		options.RootMargin = visibility.DefaultRootMargin
	}
	if options.WarmTimeout <= 0 {
		options.WarmTimeout = DefaultWarmTimeout
	}
	return &PipelineHandlers{
		controller: controller,
		sessions:   sessions,
		palette:    palette,
		images:     images,
		options:    options,
		logger:     logger,
		metrics:    metrics,
	}
}

// HintsRequest lists the image descriptors rendered by a page
type HintsRequest struct {
	Images []imaging.Descriptor `json:"images" binding:"required,min=1"`
}

// HintsResponse lists the hints inserted for this request. Hints already
// issued earlier in the session are not repeated.
type HintsResponse struct {
	Session string         `json:"session"`
	Hints   []imaging.Hint `json:"hints"`
}

// Hints handles POST /_pipeline/hints. The hints are written as Link headers
// and returned as JSON, or as <link> markup with ?format=html.
func (h *PipelineHandlers) Hints(c *gin.Context) {
	var req HintsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewBadRequestError("invalid hints request").WithCause(err))
		return
	}

	sessionID := c.GetString(middleware.SessionIDKey)
	doc := hints.NewDocument()
	sink := hints.MultiSink{doc, hints.NewHeaderSink(c.Writer.Header())}

	det := h.detectorFor(c)
	scheduler := preload.NewScheduler(h.sessions.Get(sessionID), det, sink, h.options.Preload, h.logger, h.metrics)
	for _, desc := range req.Images {
		scheduler.Schedule(desc)
	}
	doc.Close()

	h.logger.Debug("Hints scheduled",
		zap.String("session_id", sessionID),
		zap.Int("images", len(req.Images)),
		zap.Int("hints", doc.Len()),
	)

	if c.Query("format") == "html" {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(doc.Render()))
		return
	}

	inserted := doc.Hints()
	if inserted == nil {
		inserted = []imaging.Hint{}
	}
	c.JSON(http.StatusOK, HintsResponse{Session: sessionID, Hints: inserted})
}

// PlaceholderResponse is the placeholder shown while an image loads
type PlaceholderResponse struct {
	ID    string `json:"id"`
	Color string `json:"color"`
	Blur  int    `json:"blur"`
}

// Placeholder handles GET /_pipeline/placeholder/:id
func (h *PipelineHandlers) Placeholder(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, PlaceholderResponse{
		ID:    id,
		Color: h.palette.ColorFor(id),
		Blur:  imaging.StageLoading.Blur(),
	})
}

// ViewportSize is the client's visible window in CSS pixels
type ViewportSize struct {
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	ScrollX float64 `json:"scroll_x"`
	ScrollY float64 `json:"scroll_y"`
}

// PlanImage is a descriptor with its layout box, when known
type PlanImage struct {
	imaging.Descriptor
	Box *viewport.Box `json:"box,omitempty"`
}

// PlanRequest asks for the render plan of a page's images
type PlanRequest struct {
	Viewport   *ViewportSize `json:"viewport,omitempty"`
	RootMargin int           `json:"root_margin,omitempty"`
	// Warm loads the variants of images that start in view into the cache.
	Warm   bool        `json:"warm,omitempty"`
	Images []PlanImage `json:"images" binding:"required,min=1"`
}

// PlanEntry tells the page how to render one image slot
type PlanEntry struct {
	Source     string           `json:"src"`
	Identifier string           `json:"id,omitempty"`
	Color      string           `json:"color"`
	Blur       int              `json:"blur"`
	Eager      bool             `json:"eager"`
	Variants   progressive.Plan `json:"variants"`
	Error      string           `json:"error,omitempty"`
}

// Plan handles POST /_pipeline/plan. Images without a box, or requests
// without a viewport, are treated as in view.
func (h *PipelineHandlers) Plan(c *gin.Context) {
	var req PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewBadRequestError("invalid plan request").WithCause(err))
		return
	}

	var observer outbound.IntersectionObserver = viewport.Unsupported{}
	if req.Viewport != nil && req.Viewport.Width > 0 && req.Viewport.Height > 0 {
		vp := viewport.New(req.Viewport.Width, req.Viewport.Height)
		vp.ScrollTo(req.Viewport.ScrollX, req.Viewport.ScrollY)
		observer = vp
	}
	margin := req.RootMargin
	if margin <= 0 {
		margin = h.options.RootMargin
	}
	gate := visibility.NewGate(observer, margin, h.logger)
	loader := progressive.NewLoader(h.images, h.detectorFor(c), h.options.Progressive, h.logger, h.metrics)

	entries := make([]PlanEntry, 0, len(req.Images))
	for _, img := range req.Images {
		desc := img.Descriptor
		entry := PlanEntry{
			Source:     desc.Source,
			Identifier: desc.Identifier,
			Color:      h.palette.ColorFor(desc.Identifier),
			Blur:       imaging.StageLoading.Blur(),
		}
		if err := desc.Validate(); err != nil {
			entry.Error = err.Error()
			entries = append(entries, entry)
			continue
		}

		var el outbound.Element = viewport.Box{}
		opts := visibility.Options{Priority: desc.Priority, SkipLazy: desc.SkipLazy}
		if img.Box != nil {
			el = *img.Box
		} else {
			opts.SkipLazy = true
		}
		sig := gate.Observe(el, opts)
		entry.Eager = sig.InView()
		sig.Stop()

		entry.Variants = loader.Plan(desc.WithDefaults())
		if req.Warm && entry.Eager {
			h.warm(loader, desc)
		}
		entries = append(entries, entry)
	}

	c.JSON(http.StatusOK, gin.H{"images": entries})
}

// warm runs an eager slot for desc so its variants land in the image cache
func (h *PipelineHandlers) warm(loader *progressive.Loader, desc imaging.Descriptor) {
	ctx, cancel := context.WithTimeout(context.Background(), h.options.WarmTimeout)
	slot := loader.NewSlot(desc, progressive.SlotOptions{
		Eager: true,
		OnError: func(stage imaging.Stage, err error) {
			h.logger.Debug("Warm stage failed",
				zap.String("src", desc.Source),
				zap.String("stage", stage.String()),
				zap.Error(err),
			)
		},
	})
	slot.Begin(ctx)

	h.warming.Add(1)
	go func() {
		defer h.warming.Done()
		defer cancel()
		<-slot.Done()
		slot.Close()
	}()
}

// Drain waits for background warms to finish
func (h *PipelineHandlers) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.warming.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PrimeRequest lists image URLs to load into the cache
type PrimeRequest struct {
	URLs []string `json:"urls" binding:"required,min=1"`
}

// Prime handles POST /_pipeline/prime
func (h *PipelineHandlers) Prime(c *gin.Context) {
	var req PrimeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewBadRequestError("invalid prime request").WithCause(err))
		return
	}
	if h.options.MaxPrimeURLs > 0 && len(req.URLs) > h.options.MaxPrimeURLs {
		_ = c.Error(apperrors.NewValidationError("too many urls").
			WithMetadata("max_urls", h.options.MaxPrimeURLs))
		return
	}

	report, err := h.controller.Prime(c.Request.Context(), req.URLs)
	if err != nil {
		_ = c.Error(apperrors.Wrap(err, "Cache priming failed"))
		return
	}

	c.JSON(http.StatusOK, report)
}

// MessageResponse acknowledges a control message
type MessageResponse struct {
	Type string `json:"type"`
	OK   bool   `json:"ok"`
}

// Message handles POST /_pipeline/message, the request/response form of the
// control channel
func (h *PipelineHandlers) Message(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		_ = c.Error(apperrors.NewBadRequestError("unreadable control message").WithCause(err))
		return
	}

	msg, err := serviceworker.ParseMessage(data)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if err := h.controller.HandleMessage(c.Request.Context(), msg); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Type: msg.Type, OK: true})
}

// detectorFor builds a detector over the request's client hints and
// advertises the hints it reads
func (h *PipelineHandlers) detectorFor(c *gin.Context) *detector.Detector {
	c.Header("Accept-CH", clienthints.AcceptCH)
	addVary(c.Writer.Header(), clienthints.AcceptCH)
	return detector.New(clienthints.FromRequest(c.Request), h.options.Detector, h.logger, h.metrics)
}

// addVary appends the comma separated fields to Vary, keeping whatever an
// upstream response already varies on
func addVary(header http.Header, fields string) {
	seen := make(map[string]bool)
	for _, value := range header.Values("Vary") {
		for _, field := range strings.Split(value, ",") {
			seen[strings.ToLower(strings.TrimSpace(field))] = true
		}
	}
	if seen["*"] {
		return
	}

	var missing []string
	for _, field := range strings.Split(fields, ",") {
		field = strings.TrimSpace(field)
		if field != "" && !seen[strings.ToLower(field)] {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		header.Add("Vary", strings.Join(missing, ", "))
	}
}
