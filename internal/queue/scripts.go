package queue

import r "github.com/redis/go-redis/v9"

// Every state transition of a job runs as one script so the job hash and the
// list/zset it sits in never disagree.

// KEYS: job, delayed, wait. ARGV: id, name, data, max_attempts, delay_ms, now_ms, run_at_ms.
// Timestamps are computed by the caller so no float formatting happens here.
var addScript = r.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
local delayed = tonumber(ARGV[5]) > 0
local state = "waiting"
if delayed then
  state = "delayed"
end
redis.call("HSET", KEYS[1], "name", ARGV[2], "data", ARGV[3], "max_attempts", ARGV[4],
  "attempts_made", "0", "delay", ARGV[5], "timestamp", ARGV[6], "run_at", ARGV[7], "state", state)
if delayed then
  redis.call("ZADD", KEYS[2], ARGV[7], ARGV[1])
else
  redis.call("LPUSH", KEYS[3], ARGV[1])
end
return 1
`)

// KEYS: job, active. ARGV: id.
// A claimed id in the active list counts as active before activation.
var stateScript = r.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return ""
end
if redis.call("LPOS", KEYS[2], ARGV[1]) then
  return "active"
end
return state
`)

// KEYS: job, delayed, wait, active. ARGV: id. Returns 1 removed, 0 missing, -1 active.
var removeScript = r.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return 0
end
if state == "active" or redis.call("LPOS", KEYS[4], ARGV[1]) then
  return -1
end
redis.call("LREM", KEYS[3], 0, ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("DEL", KEYS[1])
return 1
`)

// KEYS: delayed, wait. ARGV: now_ms, batch, job key prefix.
// Entries without a delayed job hash are dropped. Returns the number of
// entries consumed, promoted or not.
var promoteScript = r.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  if redis.call("HGET", ARGV[3] .. id, "state") == "delayed" then
    redis.call("LPUSH", KEYS[2], id)
    redis.call("HSET", ARGV[3] .. id, "state", "waiting")
  end
end
return #ids
`)

// KEYS: job, leases, active, delayed. ARGV: id, lease_until_ms, now_ms.
// Only a waiting job is activated; a stale claim is dropped from active.
var activateScript = r.NewScript(`
if redis.call("HGET", KEYS[1], "state") ~= "waiting" or redis.call("ZSCORE", KEYS[4], ARGV[1]) then
  redis.call("LREM", KEYS[3], 1, ARGV[1])
  return 0
end
redis.call("HSET", KEYS[1], "state", "active", "processed_on", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS: leases. ARGV: id, lease_until_ms.
var extendScript = r.NewScript(`
if not redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  return 0
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// KEYS: job, active, leases, delayed. ARGV: id, remove_on_complete, now_ms.
var completeScript = r.NewScript(`
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("ZREM", KEYS[4], ARGV[1])
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if ARGV[2] == "1" then
  redis.call("DEL", KEYS[1])
else
  redis.call("HSET", KEYS[1], "state", "completed", "finished_on", ARGV[3])
end
return 1
`)

// KEYS: job, active, leases, delayed. ARGV: id, now_ms, reason, retry_at_ms.
// Returns {attempts_made, state}.
var failScript = r.NewScript(`
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0, "missing"}
end
local made = redis.call("HINCRBY", KEYS[1], "attempts_made", 1)
local max = tonumber(redis.call("HGET", KEYS[1], "max_attempts")) or 1
redis.call("HSET", KEYS[1], "failed_reason", ARGV[3])
if made < max then
  redis.call("HSET", KEYS[1], "state", "delayed", "run_at", ARGV[4])
  redis.call("ZADD", KEYS[4], ARGV[4], ARGV[1])
  return {made, "delayed"}
end
redis.call("HSET", KEYS[1], "state", "failed", "finished_on", ARGV[2])
return {made, "failed"}
`)

// KEYS: leases, active, wait. ARGV: now_ms, job key prefix.
// Moves jobs whose lease expired back to wait.
var stalledScript = r.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("LREM", KEYS[2], 0, id)
  if redis.call("HGET", ARGV[2] .. id, "state") == "active" then
    redis.call("HSET", ARGV[2] .. id, "state", "waiting")
    redis.call("LPUSH", KEYS[3], id)
  end
end
return #ids
`)

// KEYS: active, leases, wait. ARGV: job key prefix.
// Requeues ids left in active without a lease by a worker that died between
// claim and activation. Only safe before any claim loop of this queue runs.
var orphanScript = r.NewScript(`
local ids = redis.call("LRANGE", KEYS[1], 0, -1)
local n = 0
for _, id in ipairs(ids) do
  if not redis.call("ZSCORE", KEYS[2], id) then
    redis.call("LREM", KEYS[1], 0, id)
    local state = redis.call("HGET", ARGV[1] .. id, "state")
    if state == "waiting" or state == "active" then
      redis.call("HSET", ARGV[1] .. id, "state", "waiting")
      redis.call("LPUSH", KEYS[3], id)
    end
    n = n + 1
  end
end
return n
`)
