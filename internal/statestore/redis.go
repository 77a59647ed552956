package statestore

import (
	"context"
	"encoding/json"
	"time"

	goerrors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/walkai-org/walkai-api/internal/constants"
	"github.com/walkai-org/walkai-api/internal/errs"
	"github.com/walkai-org/walkai-api/internal/lease"
)

// RedisStore keeps one JSON record per lease plus one claim marker per
// partition. All conditional writes run as Lua scripts so they are atomic on
// the server regardless of how many service replicas race.
type RedisStore struct {
	client *redis.Client

	// recordTTL is the safety-net expiry on every key so that records of a
	// long-dead deployment do not live forever; the reconciler normally
	// garbage-collects much earlier.
	recordTTL time.Duration
}

// createScript claims the partition and writes the lease record in one step.
// KEYS[1]=claim key, KEYS[2]=lease key, ARGV[1]=record, ARGV[2]=lease ID,
// ARGV[3]=ttl millis. Returns 0 when the claim already exists.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[3])
return 1
`)

// casScript swaps the lease record only when the stored version token
// matches. KEYS[1]=lease key, ARGV[1]=new record, ARGV[2]=expected version.
// Returns -1 when the record is gone, 0 on version mismatch.
var casScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return -1
end
local cur = cjson.decode(raw)
if tonumber(cur.version) ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'KEEPTTL')
return 1
`)

// releaseClaimScript deletes the claim only if it is still held by the given
// lease. KEYS[1]=claim key, ARGV[1]=lease ID.
var releaseClaimScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur == ARGV[1] then
  redis.call('DEL', KEYS[1])
end
return 1
`)

func NewRedisStore(url string, recordTTL time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, goerrors.Wrap(err, "parse redis url")
	}
	return &RedisStore{client: redis.NewClient(opts), recordTTL: recordTTL}, nil
}

func leaseKey(id string) string        { return constants.LeaseKeyPrefix + id }
func claimKey(partition string) string { return constants.ClaimKeyPrefix + partition }

func (s *RedisStore) Get(ctx context.Context, id string) (*lease.Lease, error) {
	raw, err := s.client.Get(ctx, leaseKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errs.NotFound("lease %s", id)
	}
	if err != nil {
		return nil, translate(err, "redis get lease %s", id)
	}
	return decodeLease(raw)
}

func (s *RedisStore) Create(ctx context.Context, l *lease.Lease) error {
	l.Version = 1
	raw, err := json.Marshal(l)
	if err != nil {
		return goerrors.Wrap(err, "encode lease")
	}
	res, err := createScript.Run(ctx, s.client,
		[]string{claimKey(l.Partition), leaseKey(l.ID)},
		raw, l.ID, s.recordTTL.Milliseconds()).Int()
	if err != nil {
		return translate(err, "redis create lease %s", l.ID)
	}
	if res == 0 {
		return errs.Contention("partition %s already claimed", l.Partition)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, l *lease.Lease) error {
	next := l.Clone()
	next.Version = l.Version + 1
	raw, err := json.Marshal(next)
	if err != nil {
		return goerrors.Wrap(err, "encode lease")
	}
	res, err := casScript.Run(ctx, s.client, []string{leaseKey(l.ID)}, raw, l.Version).Int()
	if err != nil {
		return translate(err, "redis update lease %s", l.ID)
	}
	switch res {
	case -1:
		return errs.NotFound("lease %s", l.ID)
	case 0:
		return errs.Contention("lease %s version %d is stale", l.ID, l.Version)
	}
	l.Version = next.Version
	return nil
}

func (s *RedisStore) ReleaseClaim(ctx context.Context, partition, leaseID string) error {
	if err := releaseClaimScript.Run(ctx, s.client,
		[]string{claimKey(partition)}, leaseID).Err(); err != nil {
		return translate(err, "redis release claim %s", partition)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	l, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ReleaseClaim(ctx, l.Partition, id); err != nil {
		return err
	}
	if err := s.client.Del(ctx, leaseKey(id)).Err(); err != nil {
		return translate(err, "redis delete lease %s", id)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*lease.Lease, error) {
	var out []*lease.Lease
	iter := s.client.Scan(ctx, 0, constants.LeaseKeyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, translate(err, "redis get %s", iter.Val())
		}
		l, err := decodeLease(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := iter.Err(); err != nil {
		return nil, translate(err, "redis scan leases")
	}
	return out, nil
}

func (s *RedisStore) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, translate(err, "redis time")
	}
	return t.UTC(), nil
}

func (s *RedisStore) SetCache(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, val, ttl).Err(); err != nil {
		return translate(err, "redis set cache %s", key)
	}
	return nil
}

func (s *RedisStore) GetCache(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, errs.NotFound("cache key %s", key)
	}
	if err != nil {
		return nil, translate(err, "redis get cache %s", key)
	}
	return raw, nil
}

func (s *RedisStore) Healthy(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return translate(err, "redis ping")
	}
	return nil
}

func decodeLease(raw []byte) (*lease.Lease, error) {
	l := &lease.Lease{}
	if err := json.Unmarshal(raw, l); err != nil {
		return nil, goerrors.Wrap(err, "decode lease record")
	}
	return l, nil
}
