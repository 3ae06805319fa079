package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tally/order"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/tenant"
)

// DefaultTimeout bounds each hook call.
const DefaultTimeout = 5 * time.Second

// Registry manages registered plugins. Hook implementations are discovered
// once at registration and cached per hook for dispatch.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit            []OnInit
	onShutdown        []OnShutdown
	onPlansSeeded     []OnPlansSeeded
	onPlanActivated   []OnPlanActivated
	onOrderReserved   []OnOrderReserved
	onQuotaExceeded   []OnQuotaExceeded
	onOrderReconciled []OnOrderReconciled
	onSeatReserved    []OnSeatReserved
	onSeatReleased    []OnSeatReleased
	onSeatExhausted   []OnSeatExhausted
	onSeatsRecounted  []OnSeatsRecounted
	onTxRetried       []OnTxRetried
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a plugin to the registry and caches its hooks.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var hooks []string
	add := func(name string, ok bool) {
		if ok {
			hooks = append(hooks, name)
		}
	}

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
		add("OnInit", ok)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
		add("OnShutdown", ok)
	}
	if v, ok := p.(OnPlansSeeded); ok {
		r.onPlansSeeded = append(r.onPlansSeeded, v)
		add("OnPlansSeeded", ok)
	}
	if v, ok := p.(OnPlanActivated); ok {
		r.onPlanActivated = append(r.onPlanActivated, v)
		add("OnPlanActivated", ok)
	}
	if v, ok := p.(OnOrderReserved); ok {
		r.onOrderReserved = append(r.onOrderReserved, v)
		add("OnOrderReserved", ok)
	}
	if v, ok := p.(OnQuotaExceeded); ok {
		r.onQuotaExceeded = append(r.onQuotaExceeded, v)
		add("OnQuotaExceeded", ok)
	}
	if v, ok := p.(OnOrderReconciled); ok {
		r.onOrderReconciled = append(r.onOrderReconciled, v)
		add("OnOrderReconciled", ok)
	}
	if v, ok := p.(OnSeatReserved); ok {
		r.onSeatReserved = append(r.onSeatReserved, v)
		add("OnSeatReserved", ok)
	}
	if v, ok := p.(OnSeatReleased); ok {
		r.onSeatReleased = append(r.onSeatReleased, v)
		add("OnSeatReleased", ok)
	}
	if v, ok := p.(OnSeatExhausted); ok {
		r.onSeatExhausted = append(r.onSeatExhausted, v)
		add("OnSeatExhausted", ok)
	}
	if v, ok := p.(OnSeatsRecounted); ok {
		r.onSeatsRecounted = append(r.onSeatsRecounted, v)
		add("OnSeatsRecounted", ok)
	}
	if v, ok := p.(OnTxRetried); ok {
		r.onTxRetried = append(r.onTxRetried, v)
		add("OnTxRetried", ok)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"hooks", hooks,
	)

	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission
// ──────────────────────────────────────────────────

func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", snapshotOf(r, &r.onInit), func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", snapshotOf(r, &r.onShutdown), func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

func (r *Registry) EmitPlansSeeded(ctx context.Context, plans []*plan.Plan) {
	emit(ctx, r, "OnPlansSeeded", snapshotOf(r, &r.onPlansSeeded), func(p OnPlansSeeded) error {
		return p.OnPlansSeeded(ctx, plans)
	})
}

func (r *Registry) EmitPlanActivated(ctx context.Context, a *tenant.Activation) {
	emit(ctx, r, "OnPlanActivated", snapshotOf(r, &r.onPlanActivated), func(p OnPlanActivated) error {
		return p.OnPlanActivated(ctx, a)
	})
}

func (r *Registry) EmitOrderReserved(ctx context.Context, o *order.Order, count, limit int64) {
	emit(ctx, r, "OnOrderReserved", snapshotOf(r, &r.onOrderReserved), func(p OnOrderReserved) error {
		return p.OnOrderReserved(ctx, o, count, limit)
	})
}

func (r *Registry) EmitQuotaExceeded(ctx context.Context, tenantID, monthKey string, used, limit int64) {
	emit(ctx, r, "OnQuotaExceeded", snapshotOf(r, &r.onQuotaExceeded), func(p OnQuotaExceeded) error {
		return p.OnQuotaExceeded(ctx, tenantID, monthKey, used, limit)
	})
}

func (r *Registry) EmitOrderReconciled(ctx context.Context, o *order.Order, count, limit int64) {
	emit(ctx, r, "OnOrderReconciled", snapshotOf(r, &r.onOrderReconciled), func(p OnOrderReconciled) error {
		return p.OnOrderReconciled(ctx, o, count, limit)
	})
}

func (r *Registry) EmitSeatReserved(ctx context.Context, g *seat.Grant) {
	emit(ctx, r, "OnSeatReserved", snapshotOf(r, &r.onSeatReserved), func(p OnSeatReserved) error {
		return p.OnSeatReserved(ctx, g)
	})
}

func (r *Registry) EmitSeatReleased(ctx context.Context, tenantID string, bucket seat.Bucket, reason string) {
	emit(ctx, r, "OnSeatReleased", snapshotOf(r, &r.onSeatReleased), func(p OnSeatReleased) error {
		return p.OnSeatReleased(ctx, tenantID, bucket, reason)
	})
}

func (r *Registry) EmitSeatExhausted(ctx context.Context, tenantID string, bucket seat.Bucket, limit int64) {
	emit(ctx, r, "OnSeatExhausted", snapshotOf(r, &r.onSeatExhausted), func(p OnSeatExhausted) error {
		return p.OnSeatExhausted(ctx, tenantID, bucket, limit)
	})
}

func (r *Registry) EmitSeatsRecounted(ctx context.Context, tenantID string, before, after tenant.SeatUsage) {
	emit(ctx, r, "OnSeatsRecounted", snapshotOf(r, &r.onSeatsRecounted), func(p OnSeatsRecounted) error {
		return p.OnSeatsRecounted(ctx, tenantID, before, after)
	})
}

func (r *Registry) EmitTxRetried(ctx context.Context, op string, attempt int) {
	emit(ctx, r, "OnTxRetried", snapshotOf(r, &r.onTxRetried), func(p OnTxRetried) error {
		return p.OnTxRetried(ctx, op, attempt)
	})
}

// snapshotOf copies a hook list under the read lock.
func snapshotOf[T any](r *Registry, list *[]T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(*list))
	copy(out, *list)
	return out
}

// emit calls every hook in plugins, logging failures. Hooks never fail the
// operation that triggered them.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, plugins []T, call func(T) error) {
	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error { return call(p) }); err != nil {
			r.logger.Warn("plugin hook failed",
				"hook", hook,
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout so a slow plugin
// cannot stall quota decisions.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
