package observability

import "context"

// MultiObserver fans one event stream out to several sinks, so a deployment
// can pair the slog observer with a capture or metrics observer without the
// emitting components knowing.
type MultiObserver struct {
	sinks []Observer
}

// NewMultiObserver combines observers into one. Nil entries are skipped, so
// callers can pass optional observers without guarding.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	m := &MultiObserver{}
	for _, sink := range observers {
		if sink != nil {
			m.sinks = append(m.sinks, sink)
		}
	}
	return m
}

func (m *MultiObserver) OnEvent(ctx context.Context, event Event) {
	for _, sink := range m.sinks {
		sink.OnEvent(ctx, event)
	}
}
