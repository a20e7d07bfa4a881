package collector

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"chouette-agent/internal/model"
)

const (
	DramatiqPluginName   = "dramatiq"
	dramatiqQueueSize    = "Chouette.dramatiq.queue_size"
	defaultDramatiqMatch = "dramatiq:*.msgs"
)

// DramatiqPlugin reports message counts of Dramatiq queues that use Redis as
// their broker. Every queue is a hash named dramatiq:<queue>.msgs.
type DramatiqPlugin struct {
	client  redis.UniversalClient
	pattern string
}

func NewDramatiqPlugin(client redis.UniversalClient, pattern string) *DramatiqPlugin {
	if pattern == "" {
		pattern = defaultDramatiqMatch
	}
	return &DramatiqPlugin{client: client, pattern: pattern}
}

func DramatiqFactory(d Deps) (Plugin, error) {
	if d.Redis == nil {
		return nil, fmt.Errorf("dramatiq plugin needs a redis client")
	}
	return NewDramatiqPlugin(d.Redis, d.Config.DramatiqPattern), nil
}

func (p *DramatiqPlugin) Name() string { return DramatiqPluginName }

func (p *DramatiqPlugin) CollectSnapshot(ctx context.Context) ([]model.RawSample, error) {
	var keys []string
	iter := p.client.Scan(ctx, 0, p.pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", p.pattern, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := p.client.Pipeline()
	sizes := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		sizes[i] = pipe.HLen(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("hlen dramatiq queues: %w", err)
	}

	out := make([]model.RawSample, 0, len(keys))
	for i, key := range keys {
		out = append(out, model.RawSample{
			Name:  dramatiqQueueSize,
			Kind:  model.KindGauge,
			Value: float64(sizes[i].Val()),
			Tags:  []string{"queue:" + queueName(key)},
		})
	}
	return out, nil
}

func queueName(key string) string {
	return strings.TrimSuffix(strings.TrimPrefix(key, "dramatiq:"), ".msgs")
}
