// Package events reports mutations to interested sinks.
package events

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/agentic-research/dupe/internal/obs"
)

// Verb of a mutation.
type Verb string

const (
	Create Verb = "create"
	Update Verb = "update"
	Delete Verb = "delete"
)

// Event reports that rows of one table were mutated.
type Event struct {
	ID     uuid.UUID `json:"id"`
	Entity string    `json:"entity"`
	Verb   Verb      `json:"verb"`
	IDs    []any     `json:"ids"`
	User   string    `json:"user,omitempty"`
	// Metadata holds request headers copied onto the event.
	Metadata map[string]string `json:"metadata,omitempty"`
	At       time.Time         `json:"at"`
}

// Key routes an event as <tenant>:<entity>/<verb>.
func Key(tenant, entity string, verb Verb) string {
	return tenant + ":" + entity + "/" + string(verb)
}

// New stamps an event with a fresh id and the request data carried by ctx.
func New(ctx context.Context, entity string, verb Verb, ids []any) Event {
	r := requestFrom(ctx)
	return Event{
		ID:       uuid.New(),
		Entity:   entity,
		Verb:     verb,
		IDs:      ids,
		User:     r.user,
		Metadata: r.metadata,
		At:       time.Now().UTC(),
	}
}

// Reporter receives mutation events.
type Reporter interface {
	Report(ctx context.Context, e Event) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, e Event) error

func (f ReporterFunc) Report(ctx context.Context, e Event) error { return f(ctx, e) }

// Discard drops every event.
var Discard Reporter = ReporterFunc(func(context.Context, Event) error { return nil })

type requestKey struct{}

type request struct {
	user     string
	metadata map[string]string
}

func requestFrom(ctx context.Context) request {
	r, _ := ctx.Value(requestKey{}).(request)
	return r
}

// WithRequest attaches the acting user and the headers named by keys to
// ctx. Headers that are absent or empty are skipped.
func WithRequest(ctx context.Context, user string, headers map[string]string, keys []string) context.Context {
	var md map[string]string
	for _, k := range keys {
		if v := headers[k]; v != "" {
			if md == nil {
				md = make(map[string]string, len(keys))
			}
			md[k] = v
		}
	}
	return context.WithValue(ctx, requestKey{}, request{user: user, metadata: md})
}

// UnknownUser is reported when a request carries no readable identity.
const UnknownUser = "<unknown>"

// UserFromToken reads claim from a base64 encoded JSON token.
func UserFromToken(encoded, claim string) string {
	if encoded == "" {
		return UnknownUser
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return UnknownUser
	}
	var claims map[string]any
	if err := json.Unmarshal(raw, &claims); err != nil {
		return UnknownUser
	}
	if user, ok := claims[claim].(string); ok && user != "" {
		return user
	}
	return UnknownUser
}

// LogReporter logs every event under a tenant routing key.
type LogReporter struct {
	Tenant string
	// Topic is the broker topic the event would be produced to.
	Topic   string
	Logger  *zap.Logger
	Metrics *obs.Metrics
}

func (l *LogReporter) Report(_ context.Context, e Event) error {
	l.Metrics.Event(e.Entity, string(e.Verb))
	obs.Or(l.Logger).Info("mutation",
		zap.String("topic", l.Topic),
		zap.String("key", Key(l.Tenant, e.Entity, e.Verb)),
		zap.String("event_id", e.ID.String()),
		zap.Any("ids", e.IDs),
		zap.String("user", e.User),
		zap.Any("metadata", e.Metadata),
		zap.Time("at", e.At))
	return nil
}

// Recorder keeps every reported event in order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Report(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Reset forgets the recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Buffer holds events until Flush hands them to the next reporter, so
// events of a rolled back transaction are never seen.
type Buffer struct {
	Next Reporter

	mu     sync.Mutex
	events []Event
}

// NewBuffer buffers events for next.
func NewBuffer(next Reporter) *Buffer { return &Buffer{Next: next} }

func (b *Buffer) Report(_ context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

// Len is the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Flush reports buffered events in order and empties the buffer. Every
// event is attempted; errors are combined.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.events
	b.events = nil
	b.mu.Unlock()

	var err error
	for _, e := range pending {
		err = multierr.Append(err, b.Next.Report(ctx, e))
	}
	return err
}

// Discard drops buffered events.
func (b *Buffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}

// Multi reports to every reporter in order and combines their errors.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, e Event) error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Report(ctx, e))
	}
	return err
}
