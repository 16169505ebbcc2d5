package observability

import (
	"context"
	"log/slog"
)

// SlogObserver bridges fabric events into a slog.Logger so one log stream
// carries transport, state, queue, registry, and workflow activity. The
// event type becomes the log message, the emitting component is recorded as
// the "source" attribute, and event data keys are flattened alongside it.
type SlogObserver struct {
	logger *slog.Logger
}

// NewSlogObserver creates a SlogObserver that emits to the given logger.
func NewSlogObserver(logger *slog.Logger) *SlogObserver {
	return &SlogObserver{logger: logger}
}

func (o *SlogObserver) OnEvent(ctx context.Context, event Event) {
	level := event.Level.SlogLevel()
	if !o.logger.Enabled(ctx, level) {
		return
	}

	attrs := make([]slog.Attr, 0, len(event.Data)+1)
	if event.Source != "" {
		attrs = append(attrs, slog.String("source", event.Source))
	}
	for key, value := range event.Data {
		attrs = append(attrs, slog.Any(key, value))
	}

	o.logger.LogAttrs(ctx, level, string(event.Type), attrs...)
}
