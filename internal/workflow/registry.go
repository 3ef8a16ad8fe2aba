// -----------------------------------------------------------------------
// Registries - Handler and workflow lookup, validated at startup
// -----------------------------------------------------------------------

package workflow

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"
)

// Lookup failures. Callers branch with errors.Is.
var (
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrUnknownJobType  = errors.New("unknown job type")
)

// HandlerRegistry maps task types to handler functions. Registration
// happens at process init; after ValidateAll the registry is read-only and
// safe for concurrent lookup.
type HandlerRegistry struct {
	handlers map[string]HandlerFunc
	mu       sync.RWMutex
	logger   arbor.ILogger
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry(logger arbor.ILogger) *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// Register stores a handler under its task type. Duplicate names and nil
// handlers are registration bugs and fail immediately.
func (r *HandlerRegistry) Register(name string, fn HandlerFunc) error {
	if name == "" {
		return fmt.Errorf("handler registration requires a task type")
	}
	if fn == nil {
		return fmt.Errorf("handler %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %q is already registered", name)
	}
	r.handlers[name] = fn

	r.logger.Debug().
		Str("task_type", name).
		Msg("Task handler registered")

	return nil
}

// Lookup resolves a task type to its handler.
func (r *HandlerRegistry) Lookup(name string) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, name)
	}
	return fn, nil
}

// Names returns the registered task types sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAll confirms every registered name carries a callable handler.
func (r *HandlerRegistry) ValidateAll() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, fn := range r.handlers {
		if fn == nil {
			return fmt.Errorf("handler %q is nil", name)
		}
	}
	return nil
}

// JobRegistry maps job types to workflow definitions. Like the handler
// registry it is frozen after startup validation.
type JobRegistry struct {
	workflows map[string]*Definition
	handlers  *HandlerRegistry
	mu        sync.RWMutex
	logger    arbor.ILogger
}

// NewJobRegistry creates an empty job registry bound to the handler
// registry its workflows must resolve against.
func NewJobRegistry(handlers *HandlerRegistry, logger arbor.ILogger) *JobRegistry {
	return &JobRegistry{
		workflows: make(map[string]*Definition),
		handlers:  handlers,
		logger:    logger,
	}
}

// Register stores a workflow definition under its job type.
func (r *JobRegistry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("workflow definition is nil")
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[def.JobType]; exists {
		return fmt.Errorf("workflow %q is already registered", def.JobType)
	}
	r.workflows[def.JobType] = def

	r.logger.Debug().
		Str("job_type", def.JobType).
		Int("stages", len(def.Stages)).
		Msg("Workflow registered")

	return nil
}

// Lookup resolves a job type to its workflow definition.
func (r *JobRegistry) Lookup(jobType string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.workflows[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return def, nil
}

// Definitions returns all registered workflows sorted by job type.
func (r *JobRegistry) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*Definition, 0, len(r.workflows))
	for _, def := range r.workflows {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].JobType < defs[j].JobType })
	return defs
}

// ValidateAll re-validates every workflow and confirms each stage's task
// type resolves in the handler registry. Called once at startup after all
// registrations; a failure here is a wiring bug and aborts boot.
func (r *JobRegistry) ValidateAll() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for jobType, def := range r.workflows {
		if err := def.Validate(); err != nil {
			return err
		}
		for _, stage := range def.Stages {
			if _, err := r.handlers.Lookup(stage.TaskType); err != nil {
				return fmt.Errorf("workflow %s stage %d: %w", jobType, stage.Number, err)
			}
		}
	}

	r.logger.Info().
		Int("workflows", len(r.workflows)).
		Int("handlers", len(r.handlers.Names())).
		Msg("Registries validated")

	return nil
}
