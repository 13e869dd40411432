// Package sequence hands out ticket numbers per queue and service day.
// Numbers only grow within a key. A failed issuance may leave a gap, never
// a duplicate.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store"

	"github.com/redis/go-redis/v9"
)

type Allocator interface {
	Next(ctx context.Context, tenantID, queueID, serviceDay string) (int, error)
}

// StoreAllocator keeps counters in the ticket store.
type StoreAllocator struct {
	store store.TicketStore
}

func NewStoreAllocator(st store.TicketStore) *StoreAllocator {
	return &StoreAllocator{store: st}
}

func (a *StoreAllocator) Next(ctx context.Context, tenantID, queueID, serviceDay string) (int, error) {
	return a.store.NextTicketNumber(ctx, tenantID, queueID, serviceDay)
}

// RedisAllocator keeps counters in Redis with INCR. Keys expire a couple of
// days after the service day starts.
type RedisAllocator struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisOptions struct {
	Prefix string
	TTL    time.Duration
}

func NewRedisAllocator(client *redis.Client, opts RedisOptions) *RedisAllocator {
	if opts.Prefix == "" {
		opts.Prefix = "ticketseq"
	}
	if opts.TTL <= 0 {
		opts.TTL = 48 * time.Hour
	}
	return &RedisAllocator{client: client, prefix: opts.Prefix, ttl: opts.TTL}
}

func (a *RedisAllocator) Key(tenantID, queueID, serviceDay string) string {
	return fmt.Sprintf("%s:%s:%s:%s", a.prefix, tenantID, queueID, serviceDay)
}

func (a *RedisAllocator) Next(ctx context.Context, tenantID, queueID, serviceDay string) (int, error) {
	key := a.Key(tenantID, queueID, serviceDay)
	n, err := a.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if n == 1 {
		if err := a.client.Expire(ctx, key, a.ttl).Err(); err != nil {
			return 0, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return int(n), nil
}

// NewRedisClient builds a client and checks the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}
