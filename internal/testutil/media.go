package testutil

import (
	"context"
	"sync"

	"github.com/dkeye/Lesson/internal/core"
)

// GatedSource holds every acquisition until Release, like a permission
// prompt the user has not answered yet. The caller's context is ignored so a
// late completion can be observed.
type GatedSource struct {
	Source core.MediaSource

	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	streams []core.LocalStream
}

func NewGatedSource(src core.MediaSource) *GatedSource {
	return &GatedSource{Source: src, release: make(chan struct{})}
}

func (g *GatedSource) Release() { g.once.Do(func() { close(g.release) }) }

func (g *GatedSource) Acquire(_ context.Context, c core.Constraints) (core.LocalStream, error) {
	<-g.release
	s, err := g.Source.Acquire(context.Background(), c)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.streams = append(g.streams, s)
	g.mu.Unlock()
	return s, nil
}

// Streams returns every stream handed out so far.
func (g *GatedSource) Streams() []core.LocalStream {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]core.LocalStream(nil), g.streams...)
}
