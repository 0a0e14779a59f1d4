package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"media-analysis-pipeline/internal/config"
	"media-analysis-pipeline/internal/models"
)

// Task states tracked in the per-task meta hash.
const (
	stateReady     = "ready"
	stateScheduled = "scheduled"
	stateInflight  = "inflight"
)

// ErrLeaseLost is returned when a delivery's lease was reclaimed and handed to another holder.
var ErrLeaseLost = errors.New("lease no longer held")

// Delivery is one leased task handed to a consumer. Lease identifies this holder;
// settling calls made with a stale lease are refused.
type Delivery struct {
	TaskID        string
	Task          *models.ProcessingTask
	Redeliveries  int
	Lease         int64
	LeaseDeadline time.Time
}

// RedisQueue coordinates ready, in-flight, and scheduled task queues in Redis.
// A task id is present in at most one of them; the meta hash records which.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	metaPrefix    string
	leaseKey      string
	dlqKey        string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.QueueName, cfg.DLQName, cfg.VisibilityTimeout)
}

// NewRedisQueueWithClient builds a queue on an existing client.
func NewRedisQueueWithClient(client *redis.Client, name, dlq string, visibility time.Duration) *RedisQueue {
	if name == "" {
		name = "media-analysis"
	}
	if dlq == "" {
		dlq = name + ":dlq"
	}
	if visibility == 0 {
		visibility = 30 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      name + ":ready",
		inflightKey:   name + ":inflight",
		scheduledKey:  name + ":scheduled",
		metaPrefix:    name + ":task:",
		leaseKey:      name + ":leases",
		dlqKey:        dlq,
		visibilityTTL: visibility,
	}
}

// Client exposes the underlying connection so other components can share it.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) metaKey(taskID string) string {
	return q.metaPrefix + taskID
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue makes a task ready for delivery. It returns false without error when the task
// is already ready, scheduled, or in flight, so duplicate notifications collapse here.
func (q *RedisQueue) Enqueue(ctx context.Context, task models.ProcessingTask) (bool, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("marshal task: %w", err)
	}
	res, err := enqueueScript.Run(ctx, q.client, []string{q.readyKey, q.metaKey(task.ID)}, task.ID, payload).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", task.ID, err)
	}
	return res == 1, nil
}

// DequeueWithLease pops the next ready task and places it into inflight with a visibility timeout.
// It returns nil when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*Delivery, error) {
	deadline := time.Now().Add(q.visibilityTTL)
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey, q.leaseKey}, deadline.UnixMilli(), q.metaPrefix).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 4 {
		return nil, fmt.Errorf("unexpected reply from dequeue script: %T", res)
	}
	taskID, _ := arr[0].(string)
	d := &Delivery{TaskID: taskID, LeaseDeadline: deadline}
	if raw, ok := arr[1].(string); ok && raw != "" {
		var task models.ProcessingTask
		if err := json.Unmarshal([]byte(raw), &task); err == nil {
			d.Task = &task
		}
	}
	if s, ok := arr[2].(string); ok {
		d.Redeliveries, _ = strconv.Atoi(s)
	}
	d.Lease, _ = arr[3].(int64)
	return d, nil
}

// ExtendLease pushes d's visibility deadline to now+extension while d still holds the lease.
func (q *RedisQueue) ExtendLease(ctx context.Context, d *Delivery, extension time.Duration) error {
	deadline := time.Now().Add(extension)
	ok, err := extendScript.Run(ctx, q.client, []string{q.inflightKey, q.metaKey(d.TaskID)}, d.TaskID, d.Lease, deadline.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", d.TaskID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	d.LeaseDeadline = deadline
	return nil
}

// Ack removes d from in-flight tracking and drops its meta record.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	ok, err := ackScript.Run(ctx, q.client, []string{q.inflightKey, q.metaKey(d.TaskID)}, d.TaskID, d.Lease).Int()
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.TaskID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Retry moves d into the scheduled set for redelivery at runAt.
// It returns how many times the task has now been scheduled for redelivery.
func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, runAt time.Time) (int, error) {
	n, err := retryScript.Run(ctx, q.client, []string{q.inflightKey, q.scheduledKey, q.metaKey(d.TaskID)}, d.TaskID, d.Lease, runAt.UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("retry %s: %w", d.TaskID, err)
	}
	if n == 0 {
		return 0, ErrLeaseLost
	}
	return n, nil
}

// PromoteScheduled moves due scheduled tasks into the ready queue. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := moveDueScript.Run(ctx, q.client, []string{q.scheduledKey, q.readyKey}, now.UnixMilli(), limit, q.metaPrefix).StringSlice()
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := moveDueScript.Run(ctx, q.client, []string{q.inflightKey, q.readyKey}, now.UnixMilli(), limit, q.metaPrefix).StringSlice()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, taskID string) error {
	return q.client.RPush(ctx, q.dlqKey, taskID).Err()
}

// DLQPeek reads the oldest dead-lettered task IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	if count <= 0 {
		count = 100
	}
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// DLQRemove drops every DLQ entry for the task, e.g. after an operator requeue.
func (q *RedisQueue) DLQRemove(ctx context.Context, taskID string) error {
	return q.client.LRem(ctx, q.dlqKey, 0, taskID).Err()
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// State reports where a task currently sits: "ready", "scheduled", "inflight", or "" when unknown.
func (q *RedisQueue) State(ctx context.Context, taskID string) (string, error) {
	state, err := q.client.HGet(ctx, q.metaKey(taskID), "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return state, err
}

var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], 'state') == 1 then
  return 0
end
redis.call('HSET', KEYS[2], 'state', '` + stateReady + `', 'payload', ARGV[2])
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
local meta = ARGV[2] .. id
local lease = redis.call('INCR', KEYS[3])
redis.call('HSET', meta, 'state', '` + stateInflight + `', 'lease', lease)
local payload = redis.call('HGET', meta, 'payload') or ''
local redeliveries = redis.call('HGET', meta, 'redeliveries') or '0'
return {id, payload, redeliveries, lease}
`)

// The settle scripts only act while the meta hash still names the caller's lease.
const holdsLease = `
if redis.call('HGET', KEYS[#KEYS], 'state') ~= '` + stateInflight + `' or redis.call('HGET', KEYS[#KEYS], 'lease') ~= ARGV[2] then
  return 0
end
`

var extendScript = redis.NewScript(holdsLease + `
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
return 1
`)

var ackScript = redis.NewScript(holdsLease + `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

var retryScript = redis.NewScript(holdsLease + `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[3], 'state', '` + stateScheduled + `')
return redis.call('HINCRBY', KEYS[3], 'redeliveries', 1)
`)

// moveDueScript moves members of a sorted set whose score is due onto a ready list.
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
  redis.call('HSET', ARGV[3] .. id, 'state', '` + stateReady + `')
end
return ids
`)
