package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRunner coordinates workers across processes. Each running worker
// holds one of maxActive slot keys (SET NX with a TTL lease); a started job
// is pushed on a trigger list that worker processes block on.
type RedisRunner struct {
	client    *redis.Client
	prefix    string
	maxActive int
	lease     time.Duration
}

type RedisRunnerOptions struct {
	Prefix    string
	MaxActive int
	// Lease bounds how long a slot survives a worker that never releases it.
	Lease time.Duration
}

func NewRedisRunner(client *redis.Client, opts RedisRunnerOptions) *RedisRunner {
	if opts.Prefix == "" {
		opts.Prefix = "catalog-ingest"
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = DefaultMaxActive
	}
	if opts.Lease <= 0 {
		opts.Lease = 15 * time.Minute
	}
	return &RedisRunner{client: client, prefix: opts.Prefix, maxActive: opts.MaxActive, lease: opts.Lease}
}

// Job is a trigger taken off the list by a worker process.
type Job struct {
	Handle  Handle  `json:"handle"`
	Payload Payload `json:"payload"`
}

func (r *RedisRunner) slotKey(task string, i int) string {
	return fmt.Sprintf("%s:slots:%s:%d", r.prefix, task, i)
}

func (r *RedisRunner) triggerKey(task string) string {
	return r.prefix + ":trigger:" + task
}

func (r *RedisRunner) slotKeys(task string) []string {
	keys := make([]string, r.maxActive)
	for i := range keys {
		keys[i] = r.slotKey(task, i)
	}
	return keys
}

func (r *RedisRunner) CountActive(ctx context.Context, task string) (int, error) {
	n, err := r.client.Exists(ctx, r.slotKeys(task)...).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *RedisRunner) Start(ctx context.Context, task string, p Payload) (Handle, error) {
	h := Handle{ID: uuid.NewString(), Task: task, Slot: -1, StartedAt: time.Now().UTC()}
	for i := 0; i < r.maxActive; i++ {
		ok, err := r.client.SetNX(ctx, r.slotKey(task, i), h.ID, r.lease).Result()
		if err != nil {
			return Handle{}, fmt.Errorf("acquire slot %d: %w", i, err)
		}
		if ok {
			h.Slot = i
			break
		}
	}
	if h.Slot < 0 {
		return Handle{}, ErrAtCapacity
	}

	raw, err := json.Marshal(Job{Handle: h, Payload: p})
	if err != nil {
		_ = r.Release(ctx, h)
		return Handle{}, err
	}
	if err := r.client.LPush(ctx, r.triggerKey(task), raw).Err(); err != nil {
		_ = r.Release(ctx, h)
		return Handle{}, fmt.Errorf("push trigger: %w", err)
	}
	return h, nil
}

// ErrNoJob is returned by Listen when the wait elapsed without a trigger.
var ErrNoJob = errors.New("dispatch: no job")

// Listen blocks up to wait for the next trigger of task.
func (r *RedisRunner) Listen(ctx context.Context, task string, wait time.Duration) (Job, error) {
	res, err := r.client.BRPop(ctx, wait, r.triggerKey(task)).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrNoJob
	}
	if err != nil {
		return Job{}, err
	}
	// BRPOP answers [key, value].
	if len(res) != 2 {
		return Job{}, fmt.Errorf("unexpected BRPOP reply of %d elements", len(res))
	}
	var j Job
	if err := json.Unmarshal([]byte(res[1]), &j); err != nil {
		return Job{}, fmt.Errorf("decode trigger: %w", err)
	}
	return j, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Release frees h's slot if h still holds it.
func (r *RedisRunner) Release(ctx context.Context, h Handle) error {
	if h.Slot < 0 {
		return nil
	}
	return releaseScript.Run(ctx, r.client, []string{r.slotKey(h.Task, h.Slot)}, h.ID).Err()
}
