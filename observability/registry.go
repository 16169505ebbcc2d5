package observability

import (
	"fmt"
	"log/slog"
	"sync"
)

// Every fabric component takes an `observer:` config key naming the observer
// to resolve at construction time. "noop" and "slog" ship built in; daemons
// embedding the fabric register their own before constructing components.
var (
	namedMu sync.RWMutex
	named   = map[string]Observer{
		"noop": NoOpObserver{},
		"slog": NewSlogObserver(slog.Default()),
	}
)

// GetObserver resolves a configured observer name.
func GetObserver(name string) (Observer, error) {
	namedMu.RLock()
	defer namedMu.RUnlock()

	obs, ok := named[name]
	if !ok {
		return nil, fmt.Errorf("no observer registered as %q", name)
	}
	return obs, nil
}

// RegisterObserver adds or replaces a named observer.
func RegisterObserver(name string, observer Observer) {
	namedMu.Lock()
	defer namedMu.Unlock()

	named[name] = observer
}
