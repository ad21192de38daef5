package traffic

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps samples in one sorted set per series, scored by unix milliseconds.
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(rawURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("traffic: parse redis url: %w", err)
	}
	return goredis.NewClient(opts), nil
}

// NewRedisStore wraps client. prefix namespaces every key.
func NewRedisStore(client goredis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "wgfleet"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) seriesKey(key string) string {
	return r.prefix + ":traffic:" + key
}

func (r *RedisStore) indexKey() string {
	return r.prefix + ":traffic:keys"
}

func (r *RedisStore) Append(ctx context.Context, key string, s Sample) error {
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.seriesKey(key), goredis.Z{
		Score:  float64(s.At.UnixMilli()),
		Member: encodeSample(s),
	})
	pipe.SAdd(ctx, r.indexKey(), key)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Range(ctx context.Context, key string, from, to time.Time) ([]Sample, error) {
	members, err := r.client.ZRangeByScore(ctx, r.seriesKey(key), &goredis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Sample, 0, len(members))
	for _, member := range members {
		s, errDecode := decodeSample(member)
		if errDecode != nil {
			return nil, errDecode
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisStore) Latest(ctx context.Context, key string) (Sample, bool, error) {
	members, err := r.client.ZRevRange(ctx, r.seriesKey(key), 0, 0).Result()
	if err != nil {
		return Sample{}, false, err
	}
	if len(members) == 0 {
		return Sample{}, false, nil
	}
	s, errDecode := decodeSample(members[0])
	if errDecode != nil {
		return Sample{}, false, errDecode
	}
	return s, true, nil
}

func (r *RedisStore) Prune(ctx context.Context, before time.Time) error {
	keys, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return err
	}
	maxScore := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	for _, key := range keys {
		if errRem := r.client.ZRemRangeByScore(ctx, r.seriesKey(key), "-inf", maxScore).Err(); errRem != nil {
			return errRem
		}
		remaining, errCard := r.client.ZCard(ctx, r.seriesKey(key)).Result()
		if errCard != nil {
			return errCard
		}
		if remaining == 0 {
			if errSRem := r.client.SRem(ctx, r.indexKey(), key).Err(); errSRem != nil {
				return errSRem
			}
		}
	}
	return nil
}

func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// encodeSample includes the timestamp so equal counters at different times stay distinct members.
func encodeSample(s Sample) string {
	return fmt.Sprintf("%d:%d:%d", s.At.UnixMilli(), s.Rx, s.Tx)
}

func decodeSample(member string) (Sample, error) {
	parts := strings.Split(member, ":")
	if len(parts) != 3 {
		return Sample{}, fmt.Errorf("traffic: malformed sample %q", member)
	}
	ms, errAt := strconv.ParseInt(parts[0], 10, 64)
	rx, errRx := strconv.ParseInt(parts[1], 10, 64)
	tx, errTx := strconv.ParseInt(parts[2], 10, 64)
	if errAt != nil || errRx != nil || errTx != nil {
		return Sample{}, fmt.Errorf("traffic: malformed sample %q", member)
	}
	return Sample{At: time.UnixMilli(ms).UTC(), Rx: rx, Tx: tx}, nil
}
