package ingestion

import (
	"context"
	"errors"
	"sync"
	"time"

	"MarginLedger/internal/event"
)

var ErrIntakeClosed = errors.New("ingestion: intake is shutting down")

// Submission is one typed command on its way to the core loop. Done, when set, receives the
// result of applying it exactly once.
type Submission struct {
	Event    event.Event
	Received time.Time
	Done     func(error)
}

// Finish reports the result to the submitter, if any.
func (s Submission) Finish(err error) {
	if s.Done != nil {
		s.Done(err)
	}
}

// CommandIntake is the synchronous entry point used by the HTTP gateway and admin tools. NATS
// is the high-throughput path; both feed the same channel so the core sees one ordered stream.
type CommandIntake struct {
	out    chan<- Submission
	closed chan struct{}
	once   sync.Once
}

func NewCommandIntake(out chan<- Submission) *CommandIntake {
	return &CommandIntake{out: out, closed: make(chan struct{})}
}

// Close makes every later Submit fail with ErrIntakeClosed. Commands already queued are
// still applied.
func (ci *CommandIntake) Close() {
	ci.once.Do(func() { close(ci.closed) })
}

// Submit parses a command and waits until the core has applied or rejected it.
func (ci *CommandIntake) Submit(ctx context.Context, commandType string, body []byte) (event.Event, error) {
	received := time.Now()
	evt, err := ParseCommand(commandType, body, received)
	if err != nil {
		return nil, err
	}
	return evt, ci.Apply(ctx, evt, received)
}

// Apply queues an already typed command and waits for its result.
func (ci *CommandIntake) Apply(ctx context.Context, evt event.Event, received time.Time) error {
	result := make(chan error, 1)
	sub := Submission{
		Event:    evt,
		Received: received,
		Done:     func(err error) { result <- err },
	}

	select {
	case <-ci.closed:
		return ErrIntakeClosed
	default:
	}

	select {
	case ci.out <- sub:
	case <-ci.closed:
		return ErrIntakeClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		// The command is queued and will still be applied; only the wait is abandoned.
		return ctx.Err()
	}
}

// RouteCommands converts NATS command messages into submissions. Messages are acked once the
// core has taken them; unknown subjects and malformed payloads are acked and dropped since
// redelivery cannot fix them.
func RouteCommands(ctx context.Context, in <-chan RawEvent, out chan<- Submission, onDrop func(RawEvent, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			commandType, ok := CommandTypeFromSubject(raw.Subject)
			if !ok {
				onDrop(raw, ErrUnknownCommand)
				ack(raw)
				continue
			}
			evt, err := ParseRawEvent(raw, commandType)
			if err != nil {
				onDrop(raw, err)
				ack(raw)
				continue
			}

			select {
			case out <- Submission{Event: evt, Received: raw.Timestamp}:
				ack(raw)
			case <-ctx.Done():
				if raw.NakFunc != nil {
					raw.NakFunc()
				}
				return ctx.Err()
			}
		}
	}
}
