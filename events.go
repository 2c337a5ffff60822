package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	perrors "github.com/jmgilman/go/errors"
)

type EventKind int

const (
	EventInstall EventKind = iota
	EventActivate
	EventFetch
)

func (k EventKind) String() string {
	switch k {
	case EventInstall:
		return "install"
	case EventActivate:
		return "activate"
	case EventFetch:
		return "fetch"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a lifecycle event delivered to the agent.
// Request is only used by fetch events.
type Event struct {
	Kind    EventKind
	Request *http.Request
}

// Pending is the work declared by the agent while handling an event.
// The event is handled once Done is closed.
type Pending struct {
	done    chan struct{}
	handled bool
	res     *http.Response
	err     error
}

// Done is closed when all declared work has finished.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the work has finished and returns its outcome.
// For fetch events the response is the one to answer the request with;
// install and activate events only report an error.
func (p *Pending) Wait() (*http.Response, error) {
	<-p.done
	return p.res, p.err
}

// Handled reports whether the agent answered the event.
// Ignored fetch events (non-GET) were never answered and should go to the network untouched.
// It blocks until the work has finished.
func (p *Pending) Handled() bool {
	<-p.done
	return p.handled
}

// Dispatch hands an event to the agent.
// Each event is handled in its own goroutine; the returned Pending resolves
// once the work has finished. It never resolves without an outcome.
func (a *Agent) Dispatch(ctx context.Context, ev Event) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.res = nil
				p.err = perrors.Newf(perrors.CodeInternal, "panic handling %s event: %v", ev.Kind, r)
				a.log.Error().Err(p.err).Msg("Recovered from panic")
			}
		}()
		switch ev.Kind {
		case EventInstall:
			p.handled = true
			p.err = a.Install(ctx)
		case EventActivate:
			p.handled = true
			p.err = a.Activate(ctx)
		case EventFetch:
			if ev.Request == nil {
				p.err = perrors.New(perrors.CodeInvalidInput, "fetch event without request")
				return
			}
			res, err := a.Fetch(ctx, ev.Request)
			if errors.Is(err, ErrIgnored) {
				return
			}
			p.handled = true
			p.res, p.err = res, err
		default:
			p.err = perrors.Newf(perrors.CodeInvalidInput, "unknown event %s", ev.Kind)
		}
	}()
	return p
}
