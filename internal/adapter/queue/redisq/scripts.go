package redisq

import "github.com/redis/go-redis/v9"

// Atomic multi-key transitions are expressed as Lua scripts so that a crash
// between steps can never leave a job in two states at once.

// KEYS[1]=jobKey KEYS[2]=waitList ARGV[1]=jobID
// Promotes a paused job to waiting. No-op for any other state.
var resumeScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if state ~= "paused" then
  return 0
end
redis.call("HSET", KEYS[1], "state", "waiting")
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1
`)

// KEYS[1]=parentJobKey KEYS[2]=parentDepsSet KEYS[3]=parentWaitList
// ARGV[1]=parentID ARGV[2..n]=childRefs
// Links children to the parent and parks the parent in waiting-children.
// The parent is pulled back out of its wait list so no worker can fetch it
// while children are outstanding.
var addDepsScript = redis.NewScript(`
for i = 2, #ARGV do
  redis.call("SADD", KEYS[2], ARGV[i])
end
redis.call("LREM", KEYS[3], 0, ARGV[1])
redis.call("HSET", KEYS[1], "state", "waiting-children")
return redis.call("SCARD", KEYS[2])
`)

// KEYS[1]=parentJobKey KEYS[2]=parentDepsSet KEYS[3]=parentWaitList
// ARGV[1]=parentID ARGV[2]=childRef
// Marks one child terminated. When the last dependency clears, the parent
// transitions out of waiting-children and becomes fetchable.
var childDoneScript = redis.NewScript(`
redis.call("SREM", KEYS[2], ARGV[2])
if redis.call("SCARD", KEYS[2]) > 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "state") ~= "waiting-children" then
  return 0
end
redis.call("HSET", KEYS[1], "state", "waiting")
redis.call("LPUSH", KEYS[3], ARGV[1])
return 1
`)

// KEYS[1]=activeList KEYS[2]=jobKey KEYS[3]=lockKey
// ARGV[1]=jobID ARGV[2]=retentionSec ARGV[3]=nowMs
var completeScript = redis.NewScript(`
redis.call("LREM", KEYS[1], 0, ARGV[1])
redis.call("HSET", KEYS[2], "state", "completed", "finished_at", ARGV[3])
redis.call("EXPIRE", KEYS[2], ARGV[2])
redis.call("DEL", KEYS[3])
return 1
`)

// KEYS[1]=activeList KEYS[2]=jobKey KEYS[3]=lockKey KEYS[4]=delayedZset KEYS[5]=deadList
// ARGV[1]=jobID ARGV[2]=readyAtMs ARGV[3]=error ARGV[4]=forceDead(0/1) ARGV[5]=nowMs
// Returns 1 when the job was dead-lettered, 0 when scheduled for retry.
var failScript = redis.NewScript(`
redis.call("LREM", KEYS[1], 0, ARGV[1])
redis.call("DEL", KEYS[3])
local attempts = tonumber(redis.call("HGET", KEYS[2], "attempts") or "0")
local max = tonumber(redis.call("HGET", KEYS[2], "max_attempts") or "1")
redis.call("HSET", KEYS[2], "error", ARGV[3])
if ARGV[4] == "1" or attempts >= max then
  redis.call("HSET", KEYS[2], "state", "dead", "finished_at", ARGV[5])
  redis.call("LPUSH", KEYS[5], ARGV[1])
  return 1
end
redis.call("HSET", KEYS[2], "state", "delayed")
redis.call("ZADD", KEYS[4], tonumber(ARGV[2]), ARGV[1])
return 0
`)

// KEYS[1]=delayedZset KEYS[2]=waitList ARGV[1]=nowMs ARGV[2]=limit
// Moves due delayed jobs back to the wait list.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("LPUSH", KEYS[2], id)
end
return #due
`)

// KEYS[1]=activeList KEYS[2]=jobKey KEYS[3]=lockKey KEYS[4]=waitList
// ARGV[1]=jobID
// Requeues a job whose worker stopped heartbeating. The attempt already
// charged at fetch time stands, so a repeatedly stalling job still drains
// to the DLQ.
var requeueStalledScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 1 then
  return 0
end
if redis.call("LREM", KEYS[1], 0, ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[2], "state", "waiting")
redis.call("LPUSH", KEYS[4], ARGV[1])
return 1
`)

// KEYS[1]=lockKey ARGV[1]=token
// Compare-and-delete release so an expired holder cannot free a successor's
// lock.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
