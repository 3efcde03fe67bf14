package executor

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrUnknownExecutor is returned for a name no executor was registered under.
var ErrUnknownExecutor = errors.New("executor: unknown executor")

// Group holds the named executors of a process. Operations name the pool they run on.
type Group struct {
	mu          sync.RWMutex
	executors   map[string]Executor
	defaultName string
}

// NewGroup returns an empty group. defaultName is the executor used by operations
// that do not name one; it must be added before use.
func NewGroup(defaultName string) *Group {
	return &Group{
		executors:   make(map[string]Executor),
		defaultName: defaultName,
	}
}

// Add registers e under name, replacing any executor of that name.
func (g *Group) Add(name string, e Executor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.executors[name] = e
}

// Get returns the executor registered under name. An empty name selects the default.
// An unknown name is an error, never a silent fallback to the default.
func (g *Group) Get(name string) (Executor, error) {
	if name == "" {
		name = g.defaultName
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.executors[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownExecutor, "%q", name)
	}
	return e, nil
}

// Names lists the registered executors in no particular order.
func (g *Group) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.executors))
	for name := range g.executors {
		names = append(names, name)
	}
	return names
}

// Close closes every executor that can be closed.
func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var err error
	for _, e := range g.executors {
		if c, ok := e.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
