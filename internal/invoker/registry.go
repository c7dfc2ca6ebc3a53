package invoker

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ahmethakanbesel/call-pipeline/internal/job"
)

// KindProcessor processes jobs of one kind.
type KindProcessor interface {
	job.Processor
	Kind() job.Kind
}

// Registry routes each job to the processor registered for its kind.
type Registry struct {
	mu         sync.RWMutex
	processors map[job.Kind]KindProcessor
}

func NewRegistry() *Registry {
	return &Registry{
		processors: make(map[job.Kind]KindProcessor),
	}
}

func (r *Registry) Register(p KindProcessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[p.Kind()] = p
}

func (r *Registry) Get(kind job.Kind) (KindProcessor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[kind]
	if !ok {
		return nil, fmt.Errorf("no processor registered for kind: %s", kind)
	}
	return p, nil
}

// Kinds returns the registered kinds, sorted. Worker pools claim only these.
func (r *Registry) Kinds() []job.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]job.Kind, 0, len(r.processors))
	for k := range r.processors {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Process implements job.Processor.
func (r *Registry) Process(ctx context.Context, j *job.Job) (job.Outcome, error) {
	p, err := r.Get(j.Kind)
	if err != nil {
		return job.Outcome{}, job.Permanent(err)
	}
	return p.Process(ctx, j)
}
