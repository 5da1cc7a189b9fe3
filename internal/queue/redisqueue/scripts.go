package redisqueue

import "github.com/redis/go-redis/v9"

// Message hashes live at <prefix>:q:msg:<id> and carry:
// body, shipment_id, attempts, enqueued_at, receipt (while leased), reason, dead_at.
// Receive and Reap learn message ids only inside the script and build the hash key from
// msg_prefix, so every queue key carries the same {hash tag}.

// KEYS: ready, pending, msg. ARGV: id, shipment_id, body, now_ms.
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[2]) == 1 then
  return 0
end
redis.call('HSET', KEYS[3], 'body', ARGV[3], 'shipment_id', ARGV[2], 'attempts', 0, 'enqueued_at', ARGV[4])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
return 1
`)

// KEYS: ready, inflight. ARGV: now_ms, lease_deadline_ms, receipt, msg_prefix.
var receiveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local mk = ARGV[4] .. id
local body = redis.call('HGET', mk, 'body')
if not body then
  return {id, '', 0}
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
local attempts = redis.call('HINCRBY', mk, 'attempts', 1)
redis.call('HSET', mk, 'receipt', ARGV[3])
return {id, body, attempts}
`)

// KEYS: inflight, pending, msg. ARGV: id, receipt.
var ackScript = redis.NewScript(`
local mk = KEYS[3]
if redis.call('HGET', mk, 'receipt') ~= ARGV[2] then
  return 0
end
local sid = redis.call('HGET', mk, 'shipment_id')
redis.call('ZREM', KEYS[1], ARGV[1])
if sid and redis.call('HGET', KEYS[2], sid) == ARGV[1] then
  redis.call('HDEL', KEYS[2], sid)
end
redis.call('DEL', mk)
return 1
`)

// KEYS: ready, inflight, pending, dead, msg.
// ARGV: id, receipt, available_at_ms, max_attempts, now_ms, reason.
// Returns -1 when the lease is lost, 1 when dead-lettered, 0 when requeued.
var nackScript = redis.NewScript(`
local mk = KEYS[5]
if redis.call('HGET', mk, 'receipt') ~= ARGV[2] then
  return -1
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', mk, 'receipt')
redis.call('HSET', mk, 'reason', ARGV[6])
local attempts = tonumber(redis.call('HGET', mk, 'attempts') or '0')
if attempts >= tonumber(ARGV[4]) then
  local sid = redis.call('HGET', mk, 'shipment_id')
  if sid and redis.call('HGET', KEYS[3], sid) == ARGV[1] then
    redis.call('HDEL', KEYS[3], sid)
  end
  redis.call('HSET', mk, 'dead_at', ARGV[5])
  redis.call('LPUSH', KEYS[4], ARGV[1])
  return 1
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 0
`)

// KEYS: ready, inflight, msg. ARGV: id, receipt, available_at_ms, reason.
// The delivery attempt taken by Receive is given back.
var deferScript = redis.NewScript(`
local mk = KEYS[3]
if redis.call('HGET', mk, 'receipt') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', mk, 'receipt')
redis.call('HSET', mk, 'reason', ARGV[4])
if tonumber(redis.call('HGET', mk, 'attempts') or '0') > 0 then
  redis.call('HINCRBY', mk, 'attempts', -1)
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// KEYS: inflight, pending, dead, msg. ARGV: id, receipt, now_ms, reason.
var deadLetterScript = redis.NewScript(`
local mk = KEYS[4]
if redis.call('HGET', mk, 'receipt') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', mk, 'receipt')
local sid = redis.call('HGET', mk, 'shipment_id')
if sid and redis.call('HGET', KEYS[2], sid) == ARGV[1] then
  redis.call('HDEL', KEYS[2], sid)
end
redis.call('HSET', mk, 'reason', ARGV[4], 'dead_at', ARGV[3])
redis.call('LPUSH', KEYS[3], ARGV[1])
return 1
`)

// KEYS: ready, inflight, pending, dead. ARGV: now_ms, max_attempts, msg_prefix, limit.
// Returns {requeued, {dead ids...}}.
var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
local requeued = 0
local dead = {}
for _, id in ipairs(ids) do
  local mk = ARGV[3] .. id
  redis.call('ZREM', KEYS[2], id)
  redis.call('HDEL', mk, 'receipt')
  local attempts = tonumber(redis.call('HGET', mk, 'attempts') or '0')
  if attempts >= tonumber(ARGV[2]) then
    local sid = redis.call('HGET', mk, 'shipment_id')
    if sid and redis.call('HGET', KEYS[3], sid) == id then
      redis.call('HDEL', KEYS[3], sid)
    end
    redis.call('HSET', mk, 'reason', 'visibility timeout expired', 'dead_at', ARGV[1])
    redis.call('LPUSH', KEYS[4], id)
    table.insert(dead, id)
  else
    redis.call('ZADD', KEYS[1], ARGV[1], id)
    requeued = requeued + 1
  end
end
return {requeued, dead}
`)
