package sync

import "log/slog"

// HTTPEvent reports the outcome of a single HTTP attempt.
type HTTPEvent struct {
	Status       int    `json:"status"`
	OK           bool   `json:"ok"`
	ResponseText string `json:"responseText"`
}

// Sync event types.
const (
	SyncEventDeadLetter = "deadletter"
)

// SyncEvent reports an engine-level occurrence, currently dead-lettering.
type SyncEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Emitter receives engine events. Implementations must not block; slow
// consumers stall dispatch completions.
type Emitter interface {
	HTTPResponse(HTTPEvent)
	Sync(SyncEvent)
}

// NopEmitter discards all events.
type NopEmitter struct{}

// HTTPResponse implements Emitter.
func (NopEmitter) HTTPResponse(HTTPEvent) {}

// Sync implements Emitter.
func (NopEmitter) Sync(SyncEvent) {}

// LogEmitter writes events as structured log lines.
type LogEmitter struct {
	Logger *slog.Logger
}

// HTTPResponse implements Emitter.
func (e LogEmitter) HTTPResponse(ev HTTPEvent) {
	e.logger().Debug("http response",
		"status", ev.Status,
		"ok", ev.OK,
		"response", ev.ResponseText,
	)
}

// Sync implements Emitter.
func (e LogEmitter) Sync(ev SyncEvent) {
	e.logger().Info("sync event", "type", ev.Type, "data", ev.Data)
}

func (e LogEmitter) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// ChannelEmitter forwards events to buffered channels without blocking.
// Events are dropped when a channel is full.
type ChannelEmitter struct {
	httpCh chan HTTPEvent
	syncCh chan SyncEvent
}

// NewChannelEmitter returns an emitter whose channels hold up to size
// undelivered events each.
func NewChannelEmitter(size int) *ChannelEmitter {
	return &ChannelEmitter{
		httpCh: make(chan HTTPEvent, size),
		syncCh: make(chan SyncEvent, size),
	}
}

// HTTPEvents returns the channel carrying HTTP attempt outcomes.
func (e *ChannelEmitter) HTTPEvents() <-chan HTTPEvent { return e.httpCh }

// SyncEvents returns the channel carrying engine-level events.
func (e *ChannelEmitter) SyncEvents() <-chan SyncEvent { return e.syncCh }

// HTTPResponse implements Emitter.
func (e *ChannelEmitter) HTTPResponse(ev HTTPEvent) {
	select {
	case e.httpCh <- ev:
	default:
	}
}

// Sync implements Emitter.
func (e *ChannelEmitter) Sync(ev SyncEvent) {
	select {
	case e.syncCh <- ev:
	default:
	}
}

// MultiEmitter fans events out to several emitters.
type MultiEmitter []Emitter

// HTTPResponse implements Emitter.
func (m MultiEmitter) HTTPResponse(ev HTTPEvent) {
	for _, e := range m {
		e.HTTPResponse(ev)
	}
}

// Sync implements Emitter.
func (m MultiEmitter) Sync(ev SyncEvent) {
	for _, e := range m {
		e.Sync(ev)
	}
}
