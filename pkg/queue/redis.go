package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	popTimeout   = time.Second
	promoteBatch = 100
)

// promoteScript moves delayed jobs whose due time has passed onto the wait
// list in one step, so a crash cannot drop a job between the two keys.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, v in ipairs(due) do
	redis.call('ZREM', KEYS[1], v)
	redis.call('LPUSH', KEYS[2], v)
end
return #due
`)

// RedisBackend keeps jobs in Redis so they survive process restarts:
//
//	<name>:wait        waiting jobs (LPUSH, BLMOVE from the right)
//	<name>:processing  jobs popped and not yet acked
//	<name>:delayed     retries, ZSET scored by due time in unix millis
//	<name>:dead        dead-lettered jobs
type RedisBackend struct {
	client        *redis.Client
	waitKey       string
	processingKey string
	delayedKey    string
	deadKey       string
}

// DialRedis connects using a redis:// URL and checks the connection.
func DialRedis(ctx context.Context, url, name string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisBackend(client, name), nil
}

func NewRedisBackend(client *redis.Client, name string) *RedisBackend {
	return &RedisBackend{
		client:        client,
		waitKey:       name + ":wait",
		processingKey: name + ":processing",
		delayedKey:    name + ":delayed",
		deadKey:       name + ":dead",
	}
}

func (b *RedisBackend) Push(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := b.client.LPush(ctx, b.waitKey, data).Err(); err != nil {
		return b.wrap("push", err)
	}
	return nil
}

func (b *RedisBackend) Pop(ctx context.Context) (Job, error) {
	for {
		if err := b.promote(ctx); err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, err
		}
		res, err := b.client.BLMove(ctx, b.waitKey, b.processingKey, "RIGHT", "LEFT", popTimeout).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, b.wrap("pop", err)
		}
		var job Job
		if err := json.Unmarshal([]byte(res), &job); err != nil {
			// Unreadable entries would be redelivered forever.
			b.client.LRem(ctx, b.processingKey, 1, res)
			b.client.LPush(ctx, b.deadKey, res)
			return Job{}, fmt.Errorf("unmarshal job: %w", err)
		}
		job.raw = res
		return job, nil
	}
}

func (b *RedisBackend) Ack(ctx context.Context, job Job) error {
	if err := b.client.LRem(ctx, b.processingKey, 1, job.raw).Err(); err != nil {
		return b.wrap("ack", err)
	}
	return nil
}

func (b *RedisBackend) Retry(ctx context.Context, job Job, due time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, b.delayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: data})
		p.LRem(ctx, b.processingKey, 1, job.raw)
		return nil
	})
	if err != nil {
		return b.wrap("retry", err)
	}
	return nil
}

func (b *RedisBackend) DeadLetter(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, b.deadKey, data)
		if job.raw != "" {
			p.LRem(ctx, b.processingKey, 1, job.raw)
		}
		return nil
	})
	if err != nil {
		return b.wrap("dead-letter", err)
	}
	return nil
}

// Recover moves jobs left in <name>:processing back to the pop end of the
// wait list, oldest first.
func (b *RedisBackend) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := b.client.LMove(ctx, b.processingKey, b.waitKey, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, b.wrap("recover", err)
		}
		n++
	}
}

func (b *RedisBackend) Close() error { return b.client.Close() }

func (b *RedisBackend) promote(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	err := promoteScript.Run(ctx, b.client, []string{b.delayedKey, b.waitKey}, now, promoteBatch).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return b.wrap("promote", err)
	}
	return nil
}

func (b *RedisBackend) wrap(op string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("redis %s: %w", op, err)
}
