// Package wrapper turns buckets of raw samples into dispatch-ready points.
package wrapper

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"chouette-agent/internal/model"
)

var ErrUnknownWrapper = errors.New("unknown metrics wrapper")

// Wrapper folds one non-empty bucket (samples sharing name, kind, tags, host
// and time window) into zero or more dispatch points.
type Wrapper interface {
	Name() string
	Wrap(bucket []model.RawSample) []model.DispatchPoint
}

type Options struct {
	AggregateInterval time.Duration
	// Aggregates is the histogram aggregate list, any of max, min, sum, avg,
	// median, count.
	Aggregates  []string
	Percentiles []float64
}

var (
	DefaultAggregates  = []string{"max", "median", "avg", "count"}
	DefaultPercentiles = []float64{0.95}
)

func (o Options) withDefaults() Options {
	if o.AggregateInterval <= 0 {
		o.AggregateInterval = 10 * time.Second
	}
	if o.Aggregates == nil {
		o.Aggregates = append([]string(nil), DefaultAggregates...)
	}
	if o.Percentiles == nil {
		o.Percentiles = append([]float64(nil), DefaultPercentiles...)
	}
	return o
}

func (o Options) intervalSeconds() int64 {
	s := int64(o.AggregateInterval / time.Second)
	if s <= 0 {
		return 1
	}
	return s
}

type Factory func(Options) (Wrapper, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
	canonical  = map[string]string{}
)

// Register makes a wrapper available under name and its aliases. Registering
// the same name twice replaces the previous factory.
func Register(name string, factory Factory, aliases ...string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	name = normalizeName(name)
	registry[name] = factory
	canonical[name] = name
	for _, alias := range aliases {
		canonical[normalizeName(alias)] = name
	}
}

// New builds the wrapper registered under name. An empty name selects the
// standard wrapper.
func New(name string, opts Options) (Wrapper, error) {
	key := normalizeName(name)
	if key == "" {
		key = StandardName
	}
	registryMu.RLock()
	target, ok := canonical[key]
	factory := registry[target]
	registryMu.RUnlock()
	if !ok || factory == nil {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownWrapper, name, strings.Join(Names(), ", "))
	}
	return factory(opts.withDefaults())
}

// Names lists every registered name and alias.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(canonical))
	for k := range canonical {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func init() {
	Register(StandardName, newStandard, "datadog")
	Register(MinimalName, newMinimal, "simple")
}
