package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nanilabs/nani/internal/chain"
	"github.com/nanilabs/nani/internal/plugin"
	"github.com/nanilabs/nani/internal/store"
)

// UnitResult reports the outcome of one (event, tenant) dispatch unit.
// Unit failures are reported here and never escalated to the engine or
// the process.
type UnitResult struct {
	TenantID   string
	EventIndex int

	// Skipped is set when the unit did no work: missing address or
	// plugin configuration.
	Skipped bool

	// Matches counts activities whose Filter returned true.
	Matches int

	// LogsAppended counts entries persisted to the tenant's history.
	LogsAppended int

	// NotificationsSent counts successful Execute calls.
	NotificationsSent int

	// Errors holds every per-call failure captured inside the unit.
	Errors []error
}

// BatchResult aggregates the settled units of one dispatched batch.
type BatchResult struct {
	BatchID string
	Units   []UnitResult
}

// Engine turns each incoming event batch into (event × tenant) units of
// work on the task pool and waits for all of them to settle.
type Engine struct {
	store    store.TenantStore
	registry *plugin.Registry
	pool     *Pool
	logger   *slog.Logger

	// initMu guards the per-plugin init states. Each plugin carries
	// its own lock so a slow Init (network handshake) only stalls
	// units that need that same plugin.
	initMu sync.Mutex
	inits  map[string]*initState
}

// initState tracks the lazy initialization of one notification plugin.
// Only success is cached; failures are retried on the next use.
type initState struct {
	mu   sync.Mutex
	done bool
}

// NewEngine wires the engine to its collaborators. The registry must be
// fully loaded before the first Dispatch call.
func NewEngine(st store.TenantStore, registry *plugin.Registry, pool *Pool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		registry: registry,
		pool:     pool,
		logger:   logger.With("component", "dispatch-engine"),
		inits:    make(map[string]*initState),
	}
}

type tenantState struct {
	id  string
	cfg *store.TenantConfig
}

// Dispatch processes one batch: it enumerates tenants, loads their
// configurations concurrently, submits every (event, tenant) unit to
// the pool and blocks until all submitted units have settled.
//
// Overlapping batches are not admission-controlled; the pool's bounded
// queue is the only backpressure (Submit blocks when it is full).
func (e *Engine) Dispatch(ctx context.Context, batch chain.Batch) BatchResult {
	result := BatchResult{BatchID: uuid.NewString()}
	if len(batch) == 0 {
		return result
	}

	tenants := e.loadTenants(ctx)
	if len(tenants) == 0 {
		e.logger.Debug("no tenants configured, dropping batch",
			"batch_id", result.BatchID, "events", len(batch))
		return result
	}

	e.logger.Info("dispatching batch",
		"batch_id", result.BatchID,
		"events", len(batch),
		"tenants", len(tenants),
	)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		settled []UnitResult
	)

	for i := range batch {
		for _, tenant := range tenants {
			event := batch[i]
			eventIndex := i
			tenant := tenant

			wg.Add(1)
			err := e.pool.Submit(ctx, func(taskCtx context.Context) {
				defer wg.Done()
				unit := e.runUnit(taskCtx, event, eventIndex, tenant)
				mu.Lock()
				settled = append(settled, unit)
				mu.Unlock()
			})
			if err != nil {
				wg.Done()
				mu.Lock()
				settled = append(settled, UnitResult{
					TenantID:   tenant.id,
					EventIndex: eventIndex,
					Errors:     []error{fmt.Errorf("submit unit: %w", err)},
				})
				mu.Unlock()
			}
		}
	}

	wg.Wait()
	result.Units = settled

	e.logger.Info("batch settled",
		"batch_id", result.BatchID,
		"units", len(settled),
	)
	return result
}

// loadTenants enumerates tenant ids and loads their configurations
// concurrently. Tenants whose configuration is absent or fails to load
// are dropped from the batch.
func (e *Engine) loadTenants(ctx context.Context) []tenantState {
	ids, err := e.store.ListTenantIDs(ctx)
	if err != nil {
		e.logger.Error("failed to enumerate tenants", "error", err)
		return nil
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		tenants []tenantState
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			cfg, err := e.store.LoadConfig(ctx, id)
			if err != nil {
				e.logger.Warn("dropping tenant from batch, config unavailable",
					"tenant_id", id, "error", err)
				return
			}
			mu.Lock()
			tenants = append(tenants, tenantState{id: id, cfg: cfg})
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return tenants
}

// runUnit processes one event for one tenant: activities in configured
// order, and for each match, notifications in configured order. Every
// plugin call failure is captured in the result; nothing propagates.
func (e *Engine) runUnit(ctx context.Context, event chain.EventRecord, eventIndex int, tenant tenantState) UnitResult {
	unit := UnitResult{TenantID: tenant.id, EventIndex: eventIndex}

	if tenant.cfg.Address == "" || len(tenant.cfg.Activities) == 0 {
		e.logger.Debug("skipping unit, tenant has no address or activities",
			"tenant_id", tenant.id)
		unit.Skipped = true
		return unit
	}
	address := tenant.cfg.Address

	for _, name := range tenant.cfg.Activities {
		act, ok := e.registry.Activity(name)
		if !ok {
			e.logger.Warn("activity plugin not found, skipping",
				"tenant_id", tenant.id, "plugin", name)
			continue
		}

		matched, err := act.Filter(ctx, event, address)
		if err != nil {
			unit.Errors = append(unit.Errors, fmt.Errorf("activity %s: filter: %w", name, err))
			continue
		}
		if !matched {
			continue
		}
		unit.Matches++

		entry, err := act.Log(ctx, event, address)
		if err != nil {
			unit.Errors = append(unit.Errors, fmt.Errorf("activity %s: log: %w", name, err))
			continue
		}

		message, err := act.FormatMessage(ctx, entry, address)
		if err != nil {
			unit.Errors = append(unit.Errors, fmt.Errorf("activity %s: format: %w", name, err))
			continue
		}

		if err := e.store.AppendLog(ctx, tenant.id, entry); err != nil {
			// Data loss risk, reported but not retried.
			e.logger.Error("failed to persist log entry",
				"tenant_id", tenant.id, "activity", name, "error", err)
			unit.Errors = append(unit.Errors, fmt.Errorf("activity %s: append log: %w", name, err))
		} else {
			unit.LogsAppended++
		}

		for _, entry := range tenant.cfg.Notifications {
			notif, ok := e.registry.Notification(entry.Type)
			if !ok {
				e.logger.Warn("notification plugin not found, skipping",
					"tenant_id", tenant.id, "plugin", entry.Type)
				continue
			}

			if err := e.ensureInitialized(notif); err != nil {
				unit.Errors = append(unit.Errors, fmt.Errorf("notification %s: init: %w", entry.Type, err))
				continue
			}

			if err := notif.Execute(ctx, message, entry.Config); err != nil {
				e.logger.Warn("notification delivery failed",
					"tenant_id", tenant.id, "plugin", entry.Type, "error", err)
				unit.Errors = append(unit.Errors, fmt.Errorf("notification %s: %w", entry.Type, err))
				continue
			}
			unit.NotificationsSent++
		}
	}

	return unit
}

// ensureInitialized lazily calls the plugin's Init before first use,
// caching success. Failed inits are retried on the next use.
func (e *Engine) ensureInitialized(notif plugin.Notification) error {
	e.initMu.Lock()
	st, ok := e.inits[notif.Name()]
	if !ok {
		st = &initState{}
		e.inits[notif.Name()] = st
	}
	e.initMu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return nil
	}
	if err := notif.Init(); err != nil {
		return err
	}
	st.done = true
	return nil
}
