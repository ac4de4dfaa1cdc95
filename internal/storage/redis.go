package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	logx "egoipush/pkg/logx"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps settings as plain keys and jobs in a single hash.
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "egoipush:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &redisStore{rdb: rdb, prefix: prefix, log: log}, nil
}

func (s *redisStore) settingKey(key string) string { return s.prefix + "settings:" + key }
func (s *redisStore) jobsKey() string              { return s.prefix + "jobs" }

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, ErrInvalidKey
	}
	v, err := s.rdb.Get(ctx, s.settingKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidKey
	}
	return s.rdb.Set(ctx, s.settingKey(key), value, 0).Err()
}

func (s *redisStore) PutJob(ctx context.Context, rec JobRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.jobsKey(), rec.ID, b).Err()
}

func (s *redisStore) DeleteJob(ctx context.Context, id string) error {
	return s.rdb.HDel(ctx, s.jobsKey(), id).Err()
}

func (s *redisStore) ListJobs(ctx context.Context) ([]JobRecord, error) {
	m, err := s.rdb.HGetAll(ctx, s.jobsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]JobRecord, 0, len(m))
	for id, raw := range m {
		var r JobRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.log.Warn("skipping unreadable job record", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	sortJobs(out)
	return out, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }
