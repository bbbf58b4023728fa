// Package oracle dispatches session transcripts to LLM personas.
//
// Personas are plain-text prompt templates dropped into a directory; the
// registry discovers them with a short TTL so new files become usable
// without a restart. The dispatcher assembles the session context, fills the
// persona template and persists the model's answer next to the session's
// other artifacts.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pveiga/oraculo/internal/catalog"
)

const defaultRegistryTTL = 10 * time.Second

// Persona is one discovered prompt template.
type Persona struct {
	// ID is the file stem, used in callback tokens and artifact names.
	ID string
	// Name is the first top-level markdown heading, or the stem when the
	// file has none.
	Name string
	// Path is the absolute template location.
	Path string
	// Template is the raw file content.
	Template string
	// ModTime is the template's last modification time.
	ModTime time.Time
}

// NotFoundError reports a persona id that is not present in the registry.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("oracle: persona %q not found", e.ID)
}

// CatalogCode implements catalog.Coder.
func (*NotFoundError) CatalogCode() catalog.Code { return catalog.CodeOracleNotFound }

// Registry scans a directory for persona templates and caches the result.
//
// Reads go through a TTL check, so a registry works without the background
// refresher; the supervisor additionally runs Start so that long-idle bots
// pick up new personas promptly.
type Registry struct {
	dir   string
	ttl   time.Duration
	clock func() time.Time

	mu        sync.RWMutex
	personas  map[string]Persona
	expiresAt time.Time

	runMu   sync.Mutex
	running bool
	quit    chan struct{}
	done    chan struct{}
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithTTL overrides the cache TTL, which is also the background refresh
// interval.
func WithTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) { r.ttl = ttl }
}

// WithRegistryClock overrides the time source, for tests.
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// NewRegistry returns a registry over dir. The directory may not exist yet;
// it is rescanned on every refresh.
func NewRegistry(dir string, opts ...RegistryOption) *Registry {
	r := &Registry{
		dir:      dir,
		ttl:      defaultRegistryTTL,
		clock:    time.Now,
		personas: make(map[string]Persona),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// List returns all personas sorted by display name, then id.
func (r *Registry) List() []Persona {
	r.refreshIfStale()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Persona, 0, len(r.personas))
	for _, p := range r.personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns the persona with the given id.
func (r *Registry) Get(id string) (*Persona, error) {
	r.refreshIfStale()
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return &p, nil
}

// DisplayName resolves id to its display name, falling back to the id for
// personas that have been removed since their responses were written.
func (r *Registry) DisplayName(id string) string {
	r.refreshIfStale()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.personas[id]; ok {
		return p.Name
	}
	return id
}

// Refresh rescans the directory immediately.
func (r *Registry) Refresh() error {
	personas, err := r.scan()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.personas = personas
	r.expiresAt = r.clock().Add(r.ttl)
	r.mu.Unlock()
	return nil
}

func (r *Registry) refreshIfStale() {
	r.mu.RLock()
	stale := !r.clock().Before(r.expiresAt)
	r.mu.RUnlock()
	if !stale {
		return
	}
	if err := r.Refresh(); err != nil {
		slog.Warn("oracle: persona refresh failed", "dir", r.dir, "error", err)
	}
}

// Start launches the background refresher. Safe to call again after Stop.
func (r *Registry) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.quit = make(chan struct{})
	r.done = make(chan struct{})
	go r.refreshLoop(ctx, r.quit, r.done)
}

// Stop halts the background refresher and waits for it to exit.
func (r *Registry) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.quit)
	<-r.done
}

func (r *Registry) refreshLoop(ctx context.Context, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if err := r.Refresh(); err != nil {
		slog.Warn("oracle: persona refresh failed", "dir", r.dir, "error", err)
	}
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(); err != nil {
				slog.Warn("oracle: persona refresh failed", "dir", r.dir, "error", err)
			}
		}
	}
}

// scan reads every *.md and *.txt template in the directory. A missing
// directory yields an empty registry so personas can be provisioned later.
func (r *Registry) scan() (map[string]Persona, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("oracle: personas directory missing", "dir", r.dir)
			return map[string]Persona{}, nil
		}
		return nil, fmt.Errorf("oracle: scan personas: %w", err)
	}

	personas := make(map[string]Persona, len(entries))
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(ent.Name()))
		if ext != ".md" && ext != ".txt" {
			continue
		}
		path := filepath.Join(r.dir, ent.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("oracle: unreadable persona template", "path", path, "error", err)
			continue
		}
		template := string(data)
		if strings.TrimSpace(template) == "" {
			slog.Warn("oracle: empty persona template skipped", "path", path)
			continue
		}
		id := strings.TrimSuffix(ent.Name(), filepath.Ext(ent.Name()))
		if _, dup := personas[id]; dup {
			slog.Warn("oracle: duplicate persona id, later file wins", "id", id, "path", path)
		}
		name := headingName(template)
		if name == "" {
			name = id
		}
		var modTime time.Time
		if info, err := ent.Info(); err == nil {
			modTime = info.ModTime()
		}
		personas[id] = Persona{
			ID:       id,
			Name:     name,
			Path:     path,
			Template: template,
			ModTime:  modTime,
		}
	}
	return personas, nil
}

// headingName returns the text of the first top-level markdown heading.
func headingName(template string) string {
	for _, line := range strings.Split(template, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
