package prompts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/guanpeibj/family-ai-assistant/internal/infra"
	"github.com/guanpeibj/family-ai-assistant/internal/observability"
	"github.com/guanpeibj/family-ai-assistant/internal/toolservice"
)

// Placeholders substituted at assembly time.
const (
	dynamicToolsVar     = "{{DYNAMIC_TOOLS}}"
	dynamicToolSpecsVar = "{{DYNAMIC_TOOL_SPECS}}"
)

// assembledTTL keeps assembled prompts fresh against tool-spec drift.
const assembledTTL = 5 * time.Minute

// Manager owns the catalog and the assembled-prompt cache. Reload and
// Assemble may race freely; readers always see a complete catalog.
type Manager struct {
	path   string
	logger *observability.Logger

	mu      sync.RWMutex
	catalog *Catalog

	cache *infra.TTLCache[string, string]
}

// NewManager loads the catalog from path.
func NewManager(path string, logger *observability.Logger) (*Manager, error) {
	catalog, err := LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	return &Manager{
		path:    path,
		logger:  logger,
		catalog: catalog,
		cache:   infra.NewTTLCache[string, string](infra.CacheConfig{DefaultTTL: assembledTTL, MaxSize: 256}),
	}, nil
}

// Reload re-reads the catalog file. A broken file keeps the previous
// catalog in place.
func (m *Manager) Reload() error {
	catalog, err := LoadCatalog(m.path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.catalog = catalog
	m.mu.Unlock()
	m.cache.Flush()
	return nil
}

// Watch reloads the catalog whenever the file changes, until ctx ends.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch prompt catalog: %w", err)
	}
	// Watch the directory: editors replace files rather than write in place.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch prompt catalog: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(m.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := m.Reload(); err != nil {
					m.logger.Warn(ctx, "prompts.reload.failed", "error", err.Error())
					continue
				}
				m.logger.Info(ctx, "prompts.reloaded", "path", m.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn(ctx, "prompts.watch.error", "error", err.Error())
			}
		}
	}()
	return nil
}

// CurrentVariant returns the catalog's default variant.
func (m *Manager) CurrentVariant() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.catalog.Current
}

// HasVariant reports whether a variant is declared.
func (m *Manager) HasVariant(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.catalog.Prompts[name]
	return ok
}

// Assemble concatenates the blocks for (variant, phase, channel) and
// substitutes the dynamic tool placeholders. Results are cached per
// (variant, phase, channel, tool-spec hash) with a short TTL.
func (m *Manager) Assemble(variant, phase, channel string, specs []toolservice.Spec) (string, error) {
	specHash := hashSpecs(specs)
	key := strings.Join([]string{variant, phase, channel, specHash}, "|")
	if cached, ok := m.cache.Get(key); ok {
		return cached, nil
	}

	m.mu.RLock()
	catalog := m.catalog
	m.mu.RUnlock()

	blockNames, err := catalog.blocksFor(variant, phase, channel)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(blockNames))
	for _, name := range blockNames {
		parts = append(parts, catalog.Blocks[name])
	}
	assembled := strings.Join(parts, "\n\n")

	if strings.Contains(assembled, dynamicToolsVar) {
		assembled = strings.ReplaceAll(assembled, dynamicToolsVar, compactToolListing(specs))
	}
	if strings.Contains(assembled, dynamicToolSpecsVar) {
		assembled = strings.ReplaceAll(assembled, dynamicToolSpecsVar, fullToolSpecs(specs))
	}

	m.cache.Set(key, assembled)
	return assembled, nil
}

// compactToolListing renders one line per tool for planning prompts.
func compactToolListing(specs []toolservice.Spec) string {
	var b strings.Builder
	for _, spec := range specs {
		fmt.Fprintf(&b, "- %s (%s): %s\n", spec.Name, spec.XLatencyHint, spec.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// fullToolSpecs renders the complete JSON specs.
func fullToolSpecs(specs []toolservice.Spec) string {
	raw, err := json.MarshalIndent(specs, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func hashSpecs(specs []toolservice.Spec) string {
	h := sha256.New()
	for _, spec := range specs {
		h.Write([]byte(spec.Name))
		h.Write(spec.InputSchema)
		fmt.Fprintf(h, "%d", spec.XTimeBudgetMS)
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}
