package services

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/manthysbr/mandos/internal/core/domain"
	"github.com/manthysbr/mandos/internal/core/ports"
)

// ExpertProfile describes an expert to the leader's decomposition step.
type ExpertProfile struct {
	Name        string
	Description string
}

// ExpertConfig bundles what an expert needs to run its workflow.
type ExpertConfig struct {
	Profile  ExpertProfile
	Workflow ports.Workflow
	Reasoner ports.Reasoner
}

// ExpertRegistry maps expert ids to instances. Name lookup is a linear
// scan (names are expected unique); id lookup is O(1). All mutations go
// through the creation mutex.
type ExpertRegistry struct {
	logger *slog.Logger
	jobs   *JobService
	bus    *EventBus

	maxRetryCount int

	mu      sync.Mutex
	experts map[string]*Expert // expert id -> instance
	order   []string           // registration order, for stable listings
}

func NewExpertRegistry(logger *slog.Logger, jobs *JobService, bus *EventBus, maxRetryCount int) *ExpertRegistry {
	if maxRetryCount <= 0 {
		maxRetryCount = DefaultMaxRetryCount
	}
	return &ExpertRegistry{
		logger:        logger,
		jobs:          jobs,
		bus:           bus,
		maxRetryCount: maxRetryCount,
		experts:       make(map[string]*Expert),
	}
}

// Create registers a new expert. A name collision replaces the
// existing expert.
func (r *ExpertRegistry) Create(cfg ExpertConfig) *Expert {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.experts {
		if e.profile.Name == cfg.Profile.Name {
			r.dropLocked(id)
			r.logger.Info("replacing expert", "name", cfg.Profile.Name)
			break
		}
	}

	expert := &Expert{
		id:           uuid.NewString(),
		profile:      cfg.Profile,
		workflow:     cfg.Workflow,
		reasoner:     cfg.Reasoner,
		jobs:         r.jobs,
		bus:          r.bus,
		logger:       r.logger.With("expert", cfg.Profile.Name),
		maxRetries:   r.maxRetryCount,
		retryBackoff: defaultRetryBackoff,
	}
	r.experts[expert.id] = expert
	r.order = append(r.order, expert.id)
	return expert
}

func (r *ExpertRegistry) dropLocked(id string) {
	delete(r.experts, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// ByName returns the expert with the given profile name.
func (r *ExpertRegistry) ByName(name string) (*Expert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.experts {
		if e.profile.Name == name {
			return e, nil
		}
	}
	return nil, fmt.Errorf("expert %q: %w", name, domain.ErrUnknownExpert)
}

// ByID returns the expert with the given id.
func (r *ExpertRegistry) ByID(id string) (*Expert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.experts[id]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("expert id %q: %w", id, domain.ErrUnknownExpert)
}

// List returns a snapshot of the registered experts in registration order.
func (r *ExpertRegistry) List() []*Expert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Expert, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.experts[id])
	}
	return out
}

// Remove drops an expert from the registry.
func (r *ExpertRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(id)
}
