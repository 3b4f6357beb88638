package settings

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"gardenlink/internal/constants"
)

const maxTxRetries = 8

// RedisStore keeps all settings in one hash and applies updates with
// optimistic WATCH/MULTI transactions.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(ctx context.Context, host, port, username, password string) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     host + ":" + port,
		Username: username,
		Password: password,
		DB:       0,
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client, key: constants.RedisSettingsKey}, nil
}

func (st *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := st.client.HGet(ctx, st.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (st *RedisStore) Update(ctx context.Context, fn func(Tx) error) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := st.client.Watch(ctx, func(rtx *redis.Tx) error {
			current, err := rtx.HGetAll(ctx, st.key).Result()
			if err != nil {
				return err
			}

			tx := newStagedTx(func(key string) ([]byte, bool) {
				v, ok := current[key]
				return []byte(v), ok
			})
			if err := fn(tx); err != nil {
				return err
			}
			if !tx.dirty() {
				return nil
			}

			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if len(tx.deletes) > 0 {
					fields := make([]string, 0, len(tx.deletes))
					for k := range tx.deletes {
						fields = append(fields, k)
					}
					pipe.HDel(ctx, st.key, fields...)
				}
				if len(tx.sets) > 0 {
					values := make(map[string]interface{}, len(tx.sets))
					for k, v := range tx.sets {
						values[k] = v
					}
					pipe.HSet(ctx, st.key, values)
				}
				return nil
			})
			return err
		}, st.key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func (st *RedisStore) Close() error {
	return st.client.Close()
}
