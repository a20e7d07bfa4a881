package storage

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps every category in a sorted set of ids scored by enqueue
// time plus a hash of id -> payload:
//
//	<prefix>:metrics:<category>.keys
//	<prefix>:metrics:<category>.values
//
// Logs live under <prefix>:logs:wrapped. Ids are UUIDv7, monotonic within
// the process, so records sharing a score sort in append order.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "chouette"
	}
	return &RedisQueue{client: client, prefix: prefix, now: time.Now}
}

func (q *RedisQueue) keys(c Category) (set, hash string) {
	base := q.prefix + ":metrics:" + string(c)
	if c == Logs {
		base = q.prefix + ":logs:" + string(DispatchReady)
	}
	return base + ".keys", base + ".values"
}

func (q *RedisQueue) Enqueue(ctx context.Context, c Category, payloads ...[]byte) ([]string, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	set, hash := q.keys(c)
	score := toScore(q.now())
	ids := make([]string, 0, len(payloads))
	members := make([]redis.Z, 0, len(payloads))
	values := make([]any, 0, 2*len(payloads))
	for _, p := range payloads {
		u, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("enqueue to %s: record id: %w", c, err)
		}
		id := u.String()
		ids = append(ids, id)
		members = append(members, redis.Z{Score: score, Member: id})
		values = append(values, id, p)
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hash, values...)
		pipe.ZAdd(ctx, set, members...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: enqueue %d records to %s: %v", ErrUnavailable, len(payloads), c, err)
	}
	return ids, nil
}

func (q *RedisQueue) PeekBatch(ctx context.Context, c Category, maxCount int) ([]Record, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	set, hash := q.keys(c)
	members, err := q.client.ZRangeWithScores(ctx, set, 0, int64(maxCount-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: peek %s: %v", ErrUnavailable, c, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, memberString(m.Member))
	}
	values, err := q.client.HMGet(ctx, hash, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read %s values: %v", ErrUnavailable, c, err)
	}
	out := make([]Record, 0, len(members))
	for i, m := range members {
		rec := Record{ID: ids[i], EnqueuedAt: fromScore(m.Score)}
		// A key without a value is returned with an empty payload so that
		// the consumer can drop it.
		if i < len(values) {
			if s, ok := values[i].(string); ok {
				rec.Payload = []byte(s)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (q *RedisQueue) Delete(ctx context.Context, c Category, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	set, hash := q.keys(c)
	members := make([]any, 0, len(ids))
	for _, id := range ids {
		members = append(members, id)
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, set, members...)
		pipe.HDel(ctx, hash, ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: delete %d records from %s: %v", ErrUnavailable, len(ids), c, err)
	}
	return nil
}

func (q *RedisQueue) Purge(ctx context.Context, c Category, olderThan time.Time) (int64, error) {
	set, _ := q.keys(c)
	ids, err := q.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(toScore(olderThan), 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: find outdated %s records: %v", ErrUnavailable, c, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := q.Delete(ctx, c, ids...); err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

func (q *RedisQueue) Count(ctx context.Context, c Category) (int64, error) {
	set, _ := q.keys(c)
	n, err := q.client.ZCard(ctx, set).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: count %s: %v", ErrUnavailable, c, err)
	}
	return n, nil
}

// Ping reports whether the backing store answers.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func toScore(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func fromScore(score float64) time.Time {
	sec, frac := math.Modf(score)
	return time.Unix(int64(sec), int64(math.Round(frac*1000))*int64(time.Millisecond))
}

func memberString(m any) string {
	switch v := m.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
