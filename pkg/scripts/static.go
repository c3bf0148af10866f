package scripts

import (
	"context"
	"fmt"
	"sync"
)

// StaticLoader serves scripts compiled into the host binary. Sources are
// matched verbatim.
type StaticLoader struct {
	mu      sync.RWMutex
	scripts map[string]map[string]Factory
}

// NewStaticLoader creates an empty StaticLoader.
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{scripts: make(map[string]map[string]Factory)}
}

// Register exposes factory as export name of the script at src.
func (l *StaticLoader) Register(src, name string, factory Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	exports, ok := l.scripts[src]
	if !ok {
		exports = make(map[string]Factory)
		l.scripts[src] = exports
	}
	exports[name] = factory
}

func (l *StaticLoader) Load(_ context.Context, src string) (Script, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	exports, ok := l.scripts[src]
	if !ok {
		return nil, fmt.Errorf("no script registered for %q", src)
	}
	snapshot := make(map[string]Factory, len(exports))
	for name, f := range exports {
		snapshot[name] = f
	}
	return staticScript(snapshot), nil
}

type staticScript map[string]Factory

func (s staticScript) Export(name string) (Factory, error) {
	f, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExportNotFound, name)
	}
	return f, nil
}

func (s staticScript) Close(context.Context) error { return nil }
