package transport

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"

	errs "github.com/drblury/tenantbus/internal/runtime/errors"
)

// Registry maps URL schemes to dialers and their capabilities.
type Registry struct {
	mu           sync.RWMutex
	dialers      map[string]Dialer
	capabilities map[string]Capabilities
}

// DefaultRegistry is the process-wide registry transport packages register
// into from init.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		dialers:      make(map[string]Dialer),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a dialer for scheme, replacing any previous one.
func (r *Registry) Register(scheme string, dialer Dialer, caps Capabilities) {
	scheme = strings.ToLower(scheme)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[scheme] = dialer
	r.capabilities[scheme] = caps
}

// Capabilities returns the capabilities registered for scheme. Unknown
// schemes report a zero value carrying only the name.
func (r *Registry) Capabilities(scheme string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[strings.ToLower(scheme)]; ok {
		return caps
	}
	return Capabilities{Name: scheme}
}

// Dialer resolves the dialer for rawURL's scheme.
func (r *Registry) Dialer(rawURL string) (Dialer, error) {
	scheme, err := Scheme(rawURL)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	dialer, ok := r.dialers[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", errs.ErrUnknownTransport, scheme, r.Schemes())
	}
	return dialer, nil
}

// Dial opens a connection with the dialer registered for rawURL's scheme.
func (r *Registry) Dial(ctx context.Context, rawURL string, opts DialOptions) (Connection, error) {
	dialer, err := r.Dialer(rawURL)
	if err != nil {
		return nil, err
	}
	return dialer(ctx, rawURL, opts)
}

// Schemes lists the registered schemes in lexical order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.dialers))
	for name := range r.dialers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Has reports whether a dialer is registered for scheme.
func (r *Registry) Has(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dialers[strings.ToLower(scheme)]
	return ok
}

// Scheme extracts the lower-cased scheme of rawURL.
func Scheme(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrUnknownTransport, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("%w: url %q has no scheme", errs.ErrUnknownTransport, rawURL)
	}
	return strings.ToLower(u.Scheme), nil
}

// Register adds a dialer to the default registry.
func Register(scheme string, dialer Dialer, caps Capabilities) {
	DefaultRegistry.Register(scheme, dialer, caps)
}

// Dial opens a connection through the default registry.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (Connection, error) {
	return DefaultRegistry.Dial(ctx, rawURL, opts)
}

// GetCapabilities reads capabilities from the default registry.
func GetCapabilities(scheme string) Capabilities {
	return DefaultRegistry.Capabilities(scheme)
}
