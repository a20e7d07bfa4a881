package collector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"chouette-agent/internal/config"
	"chouette-agent/internal/model"
)

// Plugin produces the current snapshot of some node statistics. A plugin
// that fails returns an error and no samples.
type Plugin interface {
	Name() string
	CollectSnapshot(ctx context.Context) ([]model.RawSample, error)
}

// Deps are the shared resources a plugin factory may use.
type Deps struct {
	Config config.Config
	Redis  redis.UniversalClient
	Logger *logrus.Entry
}

type Factory func(Deps) (Plugin, error)

type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) {
	r.factories[strings.ToLower(strings.TrimSpace(name))] = f
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build instantiates the named plugins in order. Unknown names are logged
// and skipped; a factory error aborts startup.
func (r *Registry) Build(names []string, deps Deps) ([]Plugin, error) {
	log := deps.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	seen := make(map[string]struct{}, len(names))
	plugins := make([]Plugin, 0, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if _, dup := seen[name]; dup || name == "" {
			continue
		}
		seen[name] = struct{}{}
		f, ok := r.factories[name]
		if !ok {
			log.WithFields(logrus.Fields{
				"plugin":    raw,
				"available": strings.Join(r.Names(), ","),
			}).Warn("unknown collector plugin, skipping")
			continue
		}
		p, err := f(deps)
		if err != nil {
			return nil, fmt.Errorf("init collector plugin %s: %w", name, err)
		}
		plugins = append(plugins, p)
	}
	return plugins, nil
}
