package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefix for round sessions
	roundKeyPrefix = "wherebox:round:"

	maxRoundTxRetries = 8
)

var ErrRoundConflict = errors.New("round session changed concurrently too many times")

// redisRounds shares round sessions between server instances. Each session
// is one string key holding the chosen indices, expiring after ttl of
// inactivity.
type redisRounds struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisRounds(ctx context.Context, url string, ttl time.Duration) (*redisRounds, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &redisRounds{client: client, ttl: ttl}, nil
}

// update uses WATCH/MULTI so two instances drawing for the same session
// never both commit against the same chosen set.
func (r *redisRounds) update(ctx context.Context, key string, fn func(chosen []int) []int) error {
	rk := roundKeyPrefix + key

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, rk).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		chosen, err := decodeChosen(raw)
		if err != nil {
			return fmt.Errorf("decoding round session %q: %w", key, err)
		}

		next := fn(chosen)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rk, encodeChosen(next), r.ttl)
			return nil
		})
		return err
	}

	for range maxRoundTxRetries {
		err := r.client.Watch(ctx, txf, rk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return ErrRoundConflict
}

func (r *redisRounds) close() error {
	return r.client.Close()
}

func encodeChosen(chosen []int) string {
	parts := make([]string, len(chosen))
	for i, idx := range chosen {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, ",")
}

func decodeChosen(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	chosen := make([]int, 0, len(parts))
	for _, p := range parts {
		idx, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		chosen = append(chosen, idx)
	}
	return chosen, nil
}
