package redis

import goredis "github.com/redis/go-redis/v9"

// KEYS[1] bucket hash, KEYS[2] id index key, KEYS[3] window index zset.
// ARGV: id, scope, key, window_start_ms, window_seconds, increment, now_ms, window_end_ms
var upsertIncrementScript = goredis.NewScript(`
local created = redis.call('HSETNX', KEYS[1], 'id', ARGV[1])
if created == 1 then
    redis.call('HSET', KEYS[1],
        'scope', ARGV[2],
        'key', ARGV[3],
        'window_start', ARGV[4],
        'window_seconds', ARGV[5],
        'created_at', ARGV[7])
    redis.call('SET', KEYS[2], KEYS[1])
    redis.call('ZADD', KEYS[3], ARGV[8], KEYS[1])
end
local count = redis.call('HINCRBY', KEYS[1], 'count', ARGV[6])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[7])
return count
`)

// KEYS as above. ARGV: id, scope, key, window_start_ms, window_seconds,
// count, blocked_until_ms or "", created_ms, updated_ms, window_end_ms
var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1],
    'id', ARGV[1],
    'scope', ARGV[2],
    'key', ARGV[3],
    'window_start', ARGV[4],
    'window_seconds', ARGV[5],
    'count', ARGV[6],
    'created_at', ARGV[8],
    'updated_at', ARGV[9])
if ARGV[7] ~= '' then
    redis.call('HSET', KEYS[1], 'blocked_until', ARGV[7])
end
redis.call('SET', KEYS[2], KEYS[1])
redis.call('ZADD', KEYS[3], ARGV[10], KEYS[1])
return 1
`)

// KEYS[1] id index key. ARGV: updated_ms, count or "", blocked mode
// (keep | clear | set), blocked_until_ms. Returns the bucket hash key or false.
var updateScript = goredis.NewScript(`
local bucket = redis.call('GET', KEYS[1])
if not bucket then
    return false
end
if redis.call('EXISTS', bucket) == 0 then
    return false
end
redis.call('HSET', bucket, 'updated_at', ARGV[1])
if ARGV[2] ~= '' then
    redis.call('HSET', bucket, 'count', ARGV[2])
end
if ARGV[3] == 'clear' then
    redis.call('HDEL', bucket, 'blocked_until')
elseif ARGV[3] == 'set' then
    redis.call('HSET', bucket, 'blocked_until', ARGV[4])
end
return bucket
`)

// KEYS[1] id index key, KEYS[2] window index zset.
var deleteByIDScript = goredis.NewScript(`
local bucket = redis.call('GET', KEYS[1])
if not bucket then
    return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], bucket)
return redis.call('DEL', bucket)
`)

// KEYS[1] bucket hash, KEYS[2] window index zset. ARGV[1] id key prefix.
var resetScript = goredis.NewScript(`
local id = redis.call('HGET', KEYS[1], 'id')
if not id then
    return 0
end
redis.call('DEL', ARGV[1] .. id)
redis.call('ZREM', KEYS[2], KEYS[1])
return redis.call('DEL', KEYS[1])
`)

// KEYS[1] window index zset. ARGV: cutoff_ms (exclusive), batch size, id key prefix.
var deleteExpiredScript = goredis.NewScript(`
local buckets = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local deleted = 0
for _, bucket in ipairs(buckets) do
    local id = redis.call('HGET', bucket, 'id')
    if id then
        redis.call('DEL', ARGV[3] .. id)
    end
    deleted = deleted + redis.call('DEL', bucket)
    redis.call('ZREM', KEYS[1], bucket)
end
return {#buckets, deleted}
`)
