package extensions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNoHandler       = errors.New("no handler registered for plugin")
	ErrPluginNotFound  = errors.New("plugin not found")
	ErrDuplicatePlugin = errors.New("plugin already registered")
)

// DataEntry is one telemetry sample from a monitor.
type DataEntry struct {
	PluginID    string
	MonitorID   string
	Data        json.RawMessage
	CollectedAt time.Time
}

// ActionResult is an agent's report of one executed action trigger.
type ActionResult struct {
	TriggerID  string
	PluginID   string
	ActionID   string
	Status     string
	ReturnCode int
	Output     string
	Error      string
	ExecutedAt time.Time
}

// Handler is implemented by the Go side of a plugin.
type Handler interface {
	HandleData(ctx context.Context, agentID string, entry DataEntry) error
	HandleActionResult(ctx context.Context, agentID string, result ActionResult) error
}

// Registry holds loaded manifests and the handler for each plugin. Plugins
// without their own handler are routed to the fallback.
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]Manifest
	handlers  map[string]Handler
	fallback  Handler
}

func NewRegistry(fallback Handler) *Registry {
	return &Registry{
		manifests: make(map[string]Manifest),
		handlers:  make(map[string]Handler),
		fallback:  fallback,
	}
}

func (r *Registry) AddManifest(m Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.manifests[m.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, m.ID)
	}
	r.manifests[m.ID] = m
	return nil
}

func (r *Registry) SetHandler(pluginID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, pluginID)
		return
	}
	r.handlers[pluginID] = h
}

func (r *Registry) Manifest(pluginID string) (Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[pluginID]
	return m, ok
}

// Manifests returns all manifests sorted by id.
func (r *Registry) Manifests() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (r *Registry) handler(pluginID string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[pluginID]; ok {
		return h, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoHandler, pluginID)
}

// RouteData hands a telemetry entry to its plugin handler. A panicking
// handler is reported as an error.
func (r *Registry) RouteData(ctx context.Context, agentID string, entry DataEntry) (err error) {
	h, err := r.handler(entry.PluginID)
	if err != nil {
		return err
	}
	defer recoverHandler(entry.PluginID, &err)
	return h.HandleData(ctx, agentID, entry)
}

func (r *Registry) RouteActionResult(ctx context.Context, agentID string, result ActionResult) (err error) {
	h, err := r.handler(result.PluginID)
	if err != nil {
		return err
	}
	defer recoverHandler(result.PluginID, &err)
	return h.HandleActionResult(ctx, agentID, result)
}

func recoverHandler(pluginID string, err *error) {
	if p := recover(); p != nil {
		*err = fmt.Errorf("plugin %s handler panicked: %v", pluginID, p)
	}
}
