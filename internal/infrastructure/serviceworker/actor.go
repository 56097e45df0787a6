package serviceworker

import (
	"context"
	"net/http"
	"sync"

	"github.com/lumenstudio/imagepipe/internal/domain/fetch"
	apperrors "github.com/lumenstudio/imagepipe/pkg/errors"
	"go.uber.org/zap"
)

// EventKind identifies an event accepted by the controller actor
type EventKind int

const (
	EventInstall EventKind = iota
	EventActivate
	EventFetch
	EventMessage
)

// String implements fmt.Stringer
func (k EventKind) String() string {
	switch k {
	case EventInstall:
		return "install"
	case EventActivate:
		return "activate"
	case EventFetch:
		return "fetch"
	case EventMessage:
		return "message"
	}
	return "unknown"
}

// Event is a unit of work for the actor. Reply, if set, receives exactly one
// result and must be buffered or actively read.
type Event struct {
	Kind    EventKind
	Request *fetch.Request
	Message Message
	Reply   chan<- Result
}

// Result answers an Event
type Result struct {
	Response *fetch.Response
	Err      error
}

// Run processes events until ctx ends or events is closed. Lifecycle and
// control events are handled in order; fetch events run concurrently.
func (c *Controller) Run(ctx context.Context, events <-chan Event) error {
	var fetches sync.WaitGroup
	defer fetches.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			switch ev.Kind {
			case EventInstall:
				reply(ev, Result{Err: c.Install(ctx)})
			case EventActivate:
				reply(ev, Result{Err: c.Activate(ctx)})
			case EventMessage:
				reply(ev, Result{Err: c.HandleMessage(ctx, ev.Message)})
			case EventFetch:
				if ev.Request == nil {
					reply(ev, Result{Err: apperrors.NewBadRequestError("fetch event without request")})
					continue
				}
				fetches.Add(1)
				go func(ev Event) {
					defer fetches.Done()
					resp, err := c.HandleFetch(ctx, ev.Request)
					reply(ev, Result{Response: resp, Err: err})
				}(ev)
			default:
				c.logger.Debug("Ignoring unknown event", zap.Int("kind", int(ev.Kind)))
				reply(ev, Result{})
			}
		}
	}
}

func reply(ev Event, result Result) {
	if ev.Reply != nil {
		ev.Reply <- result
	}
}

// ServeHTTP intercepts an HTTP request and writes the controller's response
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := fetch.FromHTTP(r, c.config.Origin)

	resp, err := c.HandleFetch(r.Context(), req)
	if err != nil {
		appErr := apperrors.Wrap(err, "Fetch failed")
		c.logger.Debug("Fetch failed", zap.String("url", req.URL.String()), zap.Error(err))
		http.Error(w, appErr.Message, appErr.StatusCode())
		return
	}

	header := w.Header()
	for key, values := range resp.Header {
		header[key] = append([]string(nil), values...)
	}
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}
