// Package plugin defines the three plugin capability sets and the
// registry that maps category/name pairs to implementations.
//
// Plugins are closed sets of compiled-in interface implementations.
// Dispatch binds to them only through registry lookup, never through
// reflection or dynamic loading.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nanilabs/nani/internal/chain"
	"github.com/nanilabs/nani/internal/store"
)

// Category identifies one of the three capability sets.
type Category string

const (
	CategoryActivity     Category = "activity"
	CategoryNotification Category = "notification"
	CategoryStats        Category = "stats"
)

// Activity filters chain events for relevance to an address and renders
// matches into a log entry and a human-readable message.
//
// Log and FormatMessage are only invoked after Filter returned true for
// the same event. Either may fail; a failure aborts only the
// (event, tenant, activity) unit it occurred in.
type Activity interface {
	Name() string
	Filter(ctx context.Context, event chain.EventRecord, address string) (bool, error)
	Log(ctx context.Context, event chain.EventRecord, address string) (store.LogEntry, error)
	FormatMessage(ctx context.Context, entry store.LogEntry, address string) (string, error)
}

// Notification delivers a rendered message through an external channel.
//
// Init is idempotent and may fail when required credentials are absent;
// the dispatch engine calls it lazily before first use and caches
// success. ValidateConfig is used only by the setup surface.
type Notification interface {
	Name() string
	Init() error
	Execute(ctx context.Context, message string, config map[string]string) error
	ValidateConfig(config map[string]string) error
}

// Stats summarizes a tenant's log history. Compute is a pure function
// used only by the query surface, never by dispatch.
type Stats interface {
	Name() string
	Compute(logs []store.LogEntry) map[string]any
}

// Registry holds the category → name → implementation mappings. It is
// populated once before dispatch starts and read-only thereafter, so
// concurrent lookups need no coordination beyond the internal mutex.
type Registry struct {
	logger *slog.Logger

	mu            sync.RWMutex
	activities    map[string]Activity
	notifications map[string]Notification
	stats         map[string]Stats
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:        logger.With("component", "plugin-registry"),
		activities:    make(map[string]Activity),
		notifications: make(map[string]Notification),
		stats:         make(map[string]Stats),
	}
}

// RegisterActivity adds an activity plugin under its name. Duplicate
// names are rejected: registration happens once at startup and a
// collision is a programming error.
func (r *Registry) RegisterActivity(p Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.activities[p.Name()]; exists {
		return fmt.Errorf("activity plugin %q already registered", p.Name())
	}
	r.activities[p.Name()] = p
	r.logger.Info("registered plugin", "category", CategoryActivity, "name", p.Name())
	return nil
}

// RegisterNotification adds a notification plugin under its name.
func (r *Registry) RegisterNotification(p Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.notifications[p.Name()]; exists {
		return fmt.Errorf("notification plugin %q already registered", p.Name())
	}
	r.notifications[p.Name()] = p
	r.logger.Info("registered plugin", "category", CategoryNotification, "name", p.Name())
	return nil
}

// RegisterStats adds a stats plugin under its name.
func (r *Registry) RegisterStats(p Stats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.stats[p.Name()]; exists {
		return fmt.Errorf("stats plugin %q already registered", p.Name())
	}
	r.stats[p.Name()] = p
	r.logger.Info("registered plugin", "category", CategoryStats, "name", p.Name())
	return nil
}

// Activity looks up an activity plugin by name. A miss is non-fatal to
// callers: they log and skip the unit that needed it.
func (r *Registry) Activity(name string) (Activity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.activities[name]
	return p, ok
}

// Notification looks up a notification plugin by name.
func (r *Registry) Notification(name string) (Notification, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.notifications[name]
	return p, ok
}

// Stats looks up a stats plugin by name.
func (r *Registry) Stats(name string) (Stats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.stats[name]
	return p, ok
}

// ActivityNames returns the registered activity plugin names.
func (r *Registry) ActivityNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.activities))
	for name := range r.activities {
		names = append(names, name)
	}
	return names
}
