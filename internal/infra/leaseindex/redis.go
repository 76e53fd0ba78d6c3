package leaseindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"strato/internal/domain/edge"
	"strato/internal/logging"
)

// Key layout, under a configurable prefix:
//
//	<prefix>:q:<tenant>:<runtime>:pending   ZSET  member=task id, score=visible_at (unix ms)
//	<prefix>:q:<tenant>:<runtime>:leases    ZSET  member=task id, score=lease_expires_at (unix ms)
//	<prefix>:task:<tenant>:<task id>        HASH  per-task record
//	<prefix>:queues                         SET   "tenant/runtime" pairs ever seen
//
// Claim, ack, fail and reap each run as one Lua script so the member removal
// that decides the winner and the record mutation commit together.

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
if redis.call('ZREM', KEYS[1], id) == 0 then
  return false
end
local rk = ARGV[4] .. id
redis.call('HINCRBY', rk, 'attempt_count', 1)
redis.call('HSET', rk, 'status', 'leased', 'lease_id', ARGV[2], 'lease_expires_at', ARGV[3], 'leased_to', ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[3], id)
return {id, redis.call('HGETALL', rk)}
`)

var ackScript = redis.NewScript(`
local vals = redis.call('HMGET', KEYS[2], 'status', 'lease_id', 'leased_to')
if vals[1] ~= 'leased' or vals[2] ~= ARGV[2] or vals[3] ~= ARGV[3] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

var failScript = redis.NewScript(`
local vals = redis.call('HMGET', KEYS[3], 'status', 'lease_id', 'leased_to', 'attempt_count', 'max_attempts')
if vals[1] ~= 'leased' or vals[2] ~= ARGV[2] or vals[3] ~= ARGV[3] then
  return false
end
redis.call('ZREM', KEYS[2], ARGV[1])
if tonumber(vals[4]) >= tonumber(vals[5]) then
  redis.call('DEL', KEYS[3])
  return 'dead_letter'
end
redis.call('HSET', KEYS[3], 'status', 'queued')
redis.call('HDEL', KEYS[3], 'lease_id', 'lease_expires_at', 'leased_to')
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
return 'queued'
`)

var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[2], id)
  local rk = ARGV[3] .. id
  local vals = redis.call('HMGET', rk, 'status', 'attempt_count', 'max_attempts')
  if vals[1] == 'leased' then
    if tonumber(vals[2]) >= tonumber(vals[3]) then
      redis.call('DEL', rk)
      out[#out+1] = id
      out[#out+1] = 'dead_letter'
    else
      redis.call('HSET', rk, 'status', 'queued')
      redis.call('HDEL', rk, 'lease_id', 'lease_expires_at', 'leased_to')
      redis.call('ZADD', KEYS[1], ARGV[1], id)
      out[#out+1] = id
      out[#out+1] = 'queued'
    end
  end
end
return out
`)

// Redis is the redis-backed lease index.
type Redis struct {
	client redis.UniversalClient
	prefix string
	logger logging.Logger
}

// NewRedis constructs a redis-backed lease index under the given key prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "edge"
	}
	return &Redis{
		client: client,
		prefix: prefix,
		logger: logging.NewComponentLogger("LeaseIndex"),
	}
}

func (r *Redis) pendingKey(q edge.QueueKey) string {
	return fmt.Sprintf("%s:q:%s:%s:pending", r.prefix, q.TenantID, q.RuntimeID)
}

func (r *Redis) leasesKey(q edge.QueueKey) string {
	return fmt.Sprintf("%s:q:%s:%s:leases", r.prefix, q.TenantID, q.RuntimeID)
}

func (r *Redis) recordKeyPrefix(q edge.QueueKey) string {
	return fmt.Sprintf("%s:task:%s:", r.prefix, q.TenantID)
}

func (r *Redis) recordKey(q edge.QueueKey, taskID uuid.UUID) string {
	return r.recordKeyPrefix(q) + taskID.String()
}

func (r *Redis) queuesKey() string {
	return r.prefix + ":queues"
}

func queueMember(q edge.QueueKey) string {
	return q.TenantID.String() + "/" + q.RuntimeID.String()
}

func (r *Redis) Enqueue(ctx context.Context, q edge.QueueKey, rec *edge.TaskRecord, visibleAt time.Time) error {
	pipe := r.client.TxPipeline()
	rk := r.recordKey(q, rec.TaskID)
	pipe.HSet(ctx, rk,
		"status", string(edge.TaskStatusQueued),
		"attempt_count", rec.AttemptCount,
		"max_attempts", rec.MaxAttempts,
		"message_type", rec.MessageType,
		"envelope", string(rec.Envelope),
	)
	pipe.HDel(ctx, rk, "lease_id", "lease_expires_at", "leased_to")
	pipe.ZAdd(ctx, r.pendingKey(q), redis.Z{Score: float64(visibleAt.UnixMilli()), Member: rec.TaskID.String()})
	pipe.SAdd(ctx, r.queuesKey(), queueMember(q))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue task %s: %w", rec.TaskID, err)
	}
	return nil
}

func (r *Redis) RestoreLease(ctx context.Context, q edge.QueueKey, rec *edge.TaskRecord) error {
	pipe := r.client.TxPipeline()
	rk := r.recordKey(q, rec.TaskID)
	pipe.HSet(ctx, rk,
		"status", string(edge.TaskStatusLeased),
		"attempt_count", rec.AttemptCount,
		"max_attempts", rec.MaxAttempts,
		"lease_id", rec.LeaseID,
		"lease_expires_at", rec.LeaseExpiresAt.UnixMilli(),
		"leased_to", rec.LeasedTo.String(),
		"message_type", rec.MessageType,
		"envelope", string(rec.Envelope),
	)
	pipe.ZAdd(ctx, r.leasesKey(q), redis.Z{Score: float64(rec.LeaseExpiresAt.UnixMilli()), Member: rec.TaskID.String()})
	pipe.SAdd(ctx, r.queuesKey(), queueMember(q))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("restore lease for task %s: %w", rec.TaskID, err)
	}
	return nil
}

func (r *Redis) Claim(ctx context.Context, q edge.QueueKey, now time.Time, leaseID string, leaseExpiresAt time.Time) (*edge.TaskRecord, bool, error) {
	res, err := claimScript.Run(ctx, r.client,
		[]string{r.pendingKey(q), r.leasesKey(q)},
		strconv.FormatInt(now.UnixMilli(), 10),
		leaseID,
		strconv.FormatInt(leaseExpiresAt.UnixMilli(), 10),
		r.recordKeyPrefix(q),
		q.RuntimeID.String(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim from queue %s: %w", queueMember(q), err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return nil, false, fmt.Errorf("claim from queue %s: unexpected reply %T", queueMember(q), res)
	}
	taskID, err := uuid.Parse(toString(arr[0]))
	if err != nil {
		return nil, false, fmt.Errorf("claim from queue %s: bad task id: %w", queueMember(q), err)
	}
	fields, ok := arr[1].([]interface{})
	if !ok {
		return nil, false, fmt.Errorf("claim from queue %s: unexpected record reply %T", queueMember(q), arr[1])
	}
	rec, err := parseRecord(taskID, fields)
	if err != nil {
		return nil, false, fmt.Errorf("claim from queue %s: %w", queueMember(q), err)
	}
	return rec, true, nil
}

func (r *Redis) Ack(ctx context.Context, q edge.QueueKey, taskID uuid.UUID, leaseID string, runtimeID uuid.UUID) (bool, error) {
	res, err := ackScript.Run(ctx, r.client,
		[]string{r.leasesKey(q), r.recordKey(q, taskID)},
		taskID.String(), leaseID, runtimeID.String(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("ack task %s: %w", taskID, err)
	}
	return res == 1, nil
}

func (r *Redis) Fail(ctx context.Context, q edge.QueueKey, taskID uuid.UUID, leaseID string, runtimeID uuid.UUID, visibleAt time.Time) (edge.TaskStatus, bool, error) {
	res, err := failScript.Run(ctx, r.client,
		[]string{r.pendingKey(q), r.leasesKey(q), r.recordKey(q, taskID)},
		taskID.String(), leaseID, runtimeID.String(),
		strconv.FormatInt(visibleAt.UnixMilli(), 10),
	).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("fail task %s: %w", taskID, err)
	}
	status := edge.TaskStatus(toString(res))
	if status != edge.TaskStatusQueued && status != edge.TaskStatusDeadLetter {
		return "", false, fmt.Errorf("fail task %s: unexpected reply %q", taskID, res)
	}
	return status, true, nil
}

func (r *Redis) ReapExpired(ctx context.Context, q edge.QueueKey, now time.Time, limit int) ([]edge.ReapedLease, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := reapScript.Run(ctx, r.client,
		[]string{r.pendingKey(q), r.leasesKey(q)},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.Itoa(limit),
		r.recordKeyPrefix(q),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reap queue %s: %w", queueMember(q), err)
	}
	arr, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("reap queue %s: unexpected reply %T", queueMember(q), res)
	}
	out := make([]edge.ReapedLease, 0, len(arr)/2)
	for i := 0; i+1 < len(arr); i += 2 {
		taskID, err := uuid.Parse(toString(arr[i]))
		if err != nil {
			return nil, fmt.Errorf("reap queue %s: bad task id: %w", queueMember(q), err)
		}
		out = append(out, edge.ReapedLease{TaskID: taskID, Status: edge.TaskStatus(toString(arr[i+1]))})
	}
	return out, nil
}

func (r *Redis) Queues(ctx context.Context) ([]edge.QueueKey, error) {
	members, err := r.client.SMembers(ctx, r.queuesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	out := make([]edge.QueueKey, 0, len(members))
	for _, m := range members {
		tenantRaw, runtimeRaw, ok := strings.Cut(m, "/")
		if !ok {
			r.logger.Warn("skipping malformed queue member %q", m)
			continue
		}
		tenantID, err1 := uuid.Parse(tenantRaw)
		runtimeID, err2 := uuid.Parse(runtimeRaw)
		if err1 != nil || err2 != nil {
			r.logger.Warn("skipping malformed queue member %q", m)
			continue
		}
		out = append(out, edge.QueueKey{TenantID: tenantID, RuntimeID: runtimeID})
	}
	return out, nil
}

func parseRecord(taskID uuid.UUID, flat []interface{}) (*edge.TaskRecord, error) {
	rec := &edge.TaskRecord{TaskID: taskID}
	for i := 0; i+1 < len(flat); i += 2 {
		field := toString(flat[i])
		value := toString(flat[i+1])
		switch field {
		case "status":
			rec.Status = edge.TaskStatus(value)
		case "attempt_count":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("bad attempt_count %q: %w", value, err)
			}
			rec.AttemptCount = n
		case "max_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("bad max_attempts %q: %w", value, err)
			}
			rec.MaxAttempts = n
		case "lease_id":
			rec.LeaseID = value
		case "lease_expires_at":
			ms, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad lease_expires_at %q: %w", value, err)
			}
			rec.LeaseExpiresAt = time.UnixMilli(ms).UTC()
		case "leased_to":
			id, err := uuid.Parse(value)
			if err != nil {
				return nil, fmt.Errorf("bad leased_to %q: %w", value, err)
			}
			rec.LeasedTo = id
		case "message_type":
			rec.MessageType = value
		case "envelope":
			rec.Envelope = []byte(value)
		}
	}
	return rec, nil
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}
