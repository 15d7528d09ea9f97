package stream

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/Polly2014/CopilotX/pkg/apierr"
)

// Transducer turns upstream events into client events. It holds the state of
// one response and is not safe for concurrent use.
type Transducer interface {
	Transform(ev Event) []Event
	// Done reports that the upstream terminator was seen and reading can stop.
	Done() bool
	// Completed reports that the upstream signalled the end of the response,
	// with or without a terminator.
	Completed() bool
	// Finish closes the client stream after a completed upstream response.
	Finish() []Event
	// Interrupt closes the client stream with a single error event.
	Interrupt(err error) []Event
}

type readResult struct {
	ev  Event
	err error
}

// Pump copies body through t onto w until the upstream completes. An upstream
// that closes early or stays silent for longer than idle produces exactly one
// error event and a *apierr.StreamInterruptedError. Cancelling ctx stops
// the pump without writing anything further.
func Pump(ctx context.Context, body io.Reader, t Transducer, w *Writer, idle time.Duration) error {
	results := make(chan readResult)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		r := NewReader(body)
		for {
			ev, err := r.Next()
			select {
			case results <- readResult{ev: ev, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var (
		timer   *time.Timer
		timeout <-chan time.Time
	)
	if idle > 0 {
		timer = time.NewTimer(idle)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			interrupted := &apierr.StreamInterruptedError{Reason: apierr.ReasonIdleTimeout}
			if err := w.WriteAll(t.Interrupt(interrupted)); err != nil {
				return err
			}
			return interrupted
		case res := <-results:
			if res.err != nil {
				if t.Completed() {
					return w.WriteAll(t.Finish())
				}
				interrupted := &apierr.StreamInterruptedError{Reason: apierr.ReasonClosed}
				if !errors.Is(res.err, io.EOF) {
					interrupted.Err = res.err
				}
				if err := w.WriteAll(t.Interrupt(interrupted)); err != nil {
					return err
				}
				return interrupted
			}
			if err := w.WriteAll(t.Transform(res.ev)); err != nil {
				return err
			}
			if t.Done() {
				return w.WriteAll(t.Finish())
			}
			if timer != nil {
				timer.Reset(idle)
			}
		}
	}
}
