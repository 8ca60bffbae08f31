// Package registry loads handler descriptors from declarative YAML sources
// and owns the immutable snapshot the rest of the engine routes against.
// Loads are batch-atomic: one malformed record rejects the whole batch, so
// the keyword trie is never built from a half-valid descriptor set. A reload
// builds a complete new snapshot (descriptor table plus freshly built trie)
// and swaps it in atomically; readers never observe a partially built state.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/dispatch-oss/pkg/domain"
	"github.com/polisai/dispatch-oss/pkg/match"
)

const defaultPriority = 5

// Source is one declarative descriptor source: a label for diagnostics and
// the raw YAML bytes.
type Source struct {
	Label string
	Data  []byte
}

// Snapshot is the immutable result of one successful load. The trie is built
// from exactly the descriptors in the same snapshot.
type Snapshot struct {
	Version     int64
	LoadedAt    time.Time
	Descriptors []domain.HandlerDescriptor
	ByName      map[string]domain.HandlerDescriptor
	Trie        *match.Trie
}

// Registry owns the active snapshot and the sources it was loaded from.
type Registry struct {
	paths   []string
	params  match.Params
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]
	version atomic.Int64

	// reloadMu serializes Reload callers; readers never take it.
	reloadMu sync.Mutex
}

// NewRegistry loads the descriptor files and returns a registry holding the
// first snapshot. The initial load must succeed; a process with no valid
// registry has nothing to route against.
func NewRegistry(paths []string, params match.Params, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		paths:  paths,
		params: params,
		logger: logger,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the active snapshot. The returned value is immutable and
// safe for unlimited concurrent readers.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Reload re-runs the load against the current sources and, only on success,
// atomically swaps in the new snapshot. On failure the previous snapshot
// stays active and the specific malformed-descriptor diagnostic is returned.
func (r *Registry) Reload() error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	sources, err := readSources(r.paths)
	if err != nil {
		return err
	}

	descriptors, err := LoadSources(sources)
	if err != nil {
		return err
	}

	snapshot := &Snapshot{
		Version:     r.version.Add(1),
		LoadedAt:    time.Now(),
		Descriptors: descriptors,
		ByName:      make(map[string]domain.HandlerDescriptor, len(descriptors)),
		Trie:        match.Build(descriptors, r.params),
	}
	for _, d := range descriptors {
		snapshot.ByName[d.Name] = d
	}

	r.current.Store(snapshot)
	r.logger.Info("registry loaded",
		"handlers", len(descriptors),
		"version", snapshot.Version,
	)
	return nil
}

func readSources(paths []string) ([]Source, error) {
	sources := make([]Source, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read descriptor source %s: %w", path, err)
		}
		sources = append(sources, Source{Label: path, Data: data})
	}
	return sources, nil
}

// descriptorFile is the YAML document shape of one source.
type descriptorFile struct {
	Handlers []rawDescriptor `yaml:"handlers"`
}

// rawDescriptor separates parsing from validation so optional fields can be
// distinguished from zero values.
type rawDescriptor struct {
	Name            string   `yaml:"name"`
	Category        string   `yaml:"category"`
	TriggerKeywords []string `yaml:"triggerKeywords"`
	Priority        *int     `yaml:"priority"`
	Tags            []string `yaml:"tags"`
}

// LoadSources parses and validates every source as one batch. It fails fast
// with a MalformedDescriptorError identifying the offending record; there is
// no partial recovery.
func LoadSources(sources []Source) ([]domain.HandlerDescriptor, error) {
	var descriptors []domain.HandlerDescriptor
	seen := make(map[string]string) // name -> source label

	for _, src := range sources {
		var file descriptorFile
		if err := yaml.Unmarshal(src.Data, &file); err != nil {
			return nil, &domain.MalformedDescriptorError{
				Source: src.Label,
				Reason: fmt.Sprintf("invalid YAML: %v", err),
			}
		}
		if len(file.Handlers) == 0 {
			return nil, &domain.MalformedDescriptorError{
				Source: src.Label,
				Reason: "source declares no handlers",
			}
		}

		for _, raw := range file.Handlers {
			d, err := validate(src.Label, raw, seen)
			if err != nil {
				return nil, err
			}
			descriptors = append(descriptors, d)
		}
	}

	return descriptors, nil
}

func validate(label string, raw rawDescriptor, seen map[string]string) (domain.HandlerDescriptor, error) {
	if raw.Name == "" {
		return domain.HandlerDescriptor{}, &domain.MalformedDescriptorError{
			Source: label,
			Reason: "missing required field: name",
		}
	}
	if prev, dup := seen[raw.Name]; dup {
		return domain.HandlerDescriptor{}, &domain.MalformedDescriptorError{
			Source: label,
			Name:   raw.Name,
			Reason: fmt.Sprintf("name collides with descriptor already loaded from %s", prev),
		}
	}
	if len(raw.TriggerKeywords) == 0 {
		return domain.HandlerDescriptor{}, &domain.MalformedDescriptorError{
			Source: label,
			Name:   raw.Name,
			Reason: "missing required field: triggerKeywords",
		}
	}
	for _, kw := range raw.TriggerKeywords {
		if match.Normalize(kw) == "" {
			return domain.HandlerDescriptor{}, &domain.MalformedDescriptorError{
				Source: label,
				Name:   raw.Name,
				Reason: fmt.Sprintf("trigger keyword %q normalizes to nothing", kw),
			}
		}
	}

	category := domain.CategorySpecialized
	if raw.Category != "" {
		category = domain.Category(raw.Category)
		if !category.Valid() {
			return domain.HandlerDescriptor{}, &domain.MalformedDescriptorError{
				Source: label,
				Name:   raw.Name,
				Reason: fmt.Sprintf("unknown category %q", raw.Category),
			}
		}
	}

	priority := defaultPriority
	if raw.Priority != nil {
		priority = *raw.Priority
	}

	seen[raw.Name] = label
	return domain.HandlerDescriptor{
		Name:            raw.Name,
		Category:        category,
		TriggerKeywords: raw.TriggerKeywords,
		Priority:        priority,
		Tags:            raw.Tags,
	}, nil
}
