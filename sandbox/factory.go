package sandbox

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Factory selects the best available provider for a run's requirements.
//
// Selection order: an explicit user preference wins when available; then
// the lightweight process-isolation backend when the host matches its
// platform and neither GPU nor persistence is needed (this holds even when
// the run needs network access, since the process profile can allow it);
// then any available container backend; then the configured default.
// Selection is deterministic for identical inputs.
type Factory struct {
	logger       *zap.Logger
	hostPlatform string
	defaultName  string

	mu        sync.RWMutex
	providers map[string]Provider
}

// FactoryOption defines a functional option for Factory
type FactoryOption func(*Factory)

// WithHostPlatform overrides the detected host platform (used in tests).
func WithHostPlatform(goos string) FactoryOption {
	return func(f *Factory) {
		f.hostPlatform = goos
	}
}

// WithDefaultProvider names the fallback backend used when neither the
// process nor the container provider can serve a run.
func WithDefaultProvider(name string) FactoryOption {
	return func(f *Factory) {
		f.defaultName = name
	}
}

// NewFactory creates an empty provider factory.
func NewFactory(logger *zap.Logger, opts ...FactoryOption) *Factory {
	f := &Factory{
		logger:       logger,
		hostPlatform: runtime.GOOS,
		providers:    make(map[string]Provider),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register adds a provider under its own name. Re-registering a name
// replaces the previous provider.
func (f *Factory) Register(p Provider) {
	f.mu.Lock()
	f.providers[p.Name()] = p
	f.mu.Unlock()
	f.logger.Info("registered sandbox provider", zap.String("provider", p.Name()))
}

// Providers returns the registered providers in deterministic name order.
func (f *Factory) Providers() []Provider {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.providers))
	for name := range f.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Provider, 0, len(names))
	for _, name := range names {
		out = append(out, f.providers[name])
	}
	return out
}

// GetProvider picks a provider for the requirements, honoring an optional
// user preference. It returns ErrNoProviderAvailable when nothing fits.
func (f *Factory) GetProvider(ctx context.Context, req Requirements, userPreference string) (Provider, error) {
	if userPreference != "" {
		f.mu.RLock()
		p, ok := f.providers[userPreference]
		f.mu.RUnlock()
		if ok && f.available(ctx, p) {
			f.logger.Debug("provider selected by user preference", zap.String("provider", userPreference))
			return p, nil
		}
		f.logger.Warn("preferred provider unavailable, falling back",
			zap.String("provider", userPreference))
	}

	providers := f.Providers()

	if !req.NeedsGPU && !req.NeedsPersistence {
		for _, p := range providers {
			caps := p.Capabilities()
			if caps.IsolationLevel == IsolationProcess && caps.Platform == f.hostPlatform && f.available(ctx, p) {
				return p, nil
			}
		}
	}

	for _, p := range providers {
		if p.Capabilities().IsolationLevel == IsolationContainer && f.available(ctx, p) {
			return p, nil
		}
	}

	if f.defaultName != "" {
		f.mu.RLock()
		p, ok := f.providers[f.defaultName]
		f.mu.RUnlock()
		if ok && f.available(ctx, p) {
			return p, nil
		}
	}

	return nil, fmt.Errorf("%w: requirements gpu=%v persistence=%v platform=%s",
		ErrNoProviderAvailable, req.NeedsGPU, req.NeedsPersistence, req.Platform)
}

// HealthCheck probes every registered provider independently. A panicking
// probe is recorded as unavailable, never propagated.
func (f *Factory) HealthCheck(ctx context.Context) map[string]bool {
	result := make(map[string]bool)
	for _, p := range f.Providers() {
		result[p.Name()] = f.available(ctx, p)
	}
	return result
}

func (f *Factory) available(ctx context.Context, p Provider) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("provider availability probe panicked",
				zap.String("provider", p.Name()),
				zap.Any("panic", r))
			ok = false
		}
	}()
	return p.IsAvailable(ctx)
}
