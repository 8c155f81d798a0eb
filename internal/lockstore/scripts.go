package lockstore

import "github.com/redis/go-redis/v9"

// KEYS: seat, holder, records, expiry, holds, session, booked
// ARGV: lock id, record json, seat, now ms, ttl ms, expires at ms, user id
var acquireScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[7], ARGV[3]) == 1 then
  return {'BOOKED'}
end
local now = tonumber(ARGV[4])
local function live(id)
  if not id then return nil end
  local raw = redis.call('HGET', KEYS[3], id)
  if not raw then return nil end
  local rec = cjson.decode(raw)
  if tonumber(rec.expires_at_ms) > now then return raw, rec end
  return nil
end
local seatRaw, seatRec = live(redis.call('GET', KEYS[1]))
if seatRaw then
  if seatRec.user_id == ARGV[7] then return {'HELD', seatRaw} end
  return {'LOCKED'}
end
if live(redis.call('GET', KEYS[2])) then
  return {'USER_HOLDING'}
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[5])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[5])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[4], ARGV[6], ARGV[1])
redis.call('ZADD', KEYS[5], ARGV[6], ARGV[1])
redis.call('SADD', KEYS[6], ARGV[1])
if redis.call('PTTL', KEYS[6]) < tonumber(ARGV[5]) then
  redis.call('PEXPIRE', KEYS[6], ARGV[5])
end
return {'OK', ARGV[2]}
`)

// KEYS: records, seat, holder, expiry, holds, session
// ARGV: lock id, token, user id, mode (release|reap), now ms
var removeScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
  redis.call('ZREM', KEYS[4], ARGV[1])
  return {'GONE'}
end
local rec = cjson.decode(raw)
local live = tonumber(rec.expires_at_ms) > tonumber(ARGV[5])
if ARGV[4] == 'reap' then
  if live then return {'LIVE'} end
else
  local mismatch = (ARGV[2] ~= '' and rec.token ~= ARGV[2]) or (ARGV[3] ~= '' and rec.user_id ~= ARGV[3])
  if mismatch then
    if live then return {'NOT_OWNED'} end
    return {'GONE'}
  end
end
redis.call('HDEL', KEYS[1], ARGV[1])
if redis.call('GET', KEYS[2]) == ARGV[1] then redis.call('DEL', KEYS[2]) end
if redis.call('GET', KEYS[3]) == ARGV[1] then redis.call('DEL', KEYS[3]) end
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('SREM', KEYS[6], ARGV[1])
if live then return {'OK', raw} end
return {'EXPIRED', raw}
`)

// KEYS: records, seat, holder, expiry, holds, session, booked, inventory
// ARGV: lock id, user id, ticket id, now ms, seat
var convertScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then return {'GONE'} end
local rec = cjson.decode(raw)
if tonumber(rec.expires_at_ms) <= tonumber(ARGV[4]) then return {'EXPIRED'} end
if rec.user_id ~= ARGV[2] then return {'NOT_OWNED'} end
if redis.call('GET', KEYS[2]) ~= ARGV[1] then return {'EXPIRED'} end
local cap = redis.call('HGET', KEYS[8], 'capacity')
local avail = redis.call('HGET', KEYS[8], 'available')
if not cap or not avail then return {'UNKNOWN_TRIP'} end
if tonumber(avail) < 1 then return {'INSUFFICIENT', avail, cap} end
if redis.call('HEXISTS', KEYS[7], ARGV[5]) == 1 then return {'BOOKED'} end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
if redis.call('GET', KEYS[3]) == ARGV[1] then redis.call('DEL', KEYS[3]) end
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('SREM', KEYS[6], ARGV[1])
redis.call('HSET', KEYS[7], ARGV[5], ARGV[3])
local left = redis.call('HINCRBY', KEYS[8], 'available', -1)
return {'OK', tostring(left), cap}
`)

// KEYS: records, seat, holder, expiry, holds, session, booked, inventory
// ARGV: lock id, record json, ticket id, now ms, seat, expires at ms
var revertScript = redis.NewScript(`
local unbooked = '0'
if redis.call('HGET', KEYS[7], ARGV[5]) == ARGV[3] then
  redis.call('HDEL', KEYS[7], ARGV[5])
  local cap = redis.call('HGET', KEYS[8], 'capacity')
  local avail = redis.call('HGET', KEYS[8], 'available')
  if cap and avail and tonumber(avail) < tonumber(cap) then
    redis.call('HINCRBY', KEYS[8], 'available', 1)
  end
  unbooked = '1'
end
local ttl = tonumber(ARGV[6]) - tonumber(ARGV[4])
if ttl <= 0 then return {'EXPIRED', unbooked} end
if redis.call('EXISTS', KEYS[2]) == 1 or redis.call('EXISTS', KEYS[3]) == 1 then
  return {'EXPIRED', unbooked}
end
if redis.call('HEXISTS', KEYS[7], ARGV[5]) == 1 then return {'EXPIRED', unbooked} end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ttl)
redis.call('SET', KEYS[3], ARGV[1], 'PX', ttl)
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[4], ARGV[6], ARGV[1])
redis.call('ZADD', KEYS[5], ARGV[6], ARGV[1])
redis.call('SADD', KEYS[6], ARGV[1])
return {'RESTORED', unbooked}
`)

// KEYS: booked, inventory
// ARGV: seat, ticket id
var cancelBookedScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then return {'NOOP'} end
local cap = redis.call('HGET', KEYS[2], 'capacity')
local avail = redis.call('HGET', KEYS[2], 'available')
if not cap or not avail then return {'UNKNOWN_TRIP'} end
if tonumber(avail) >= tonumber(cap) then return {'OVER_CAPACITY', avail, cap} end
redis.call('HDEL', KEYS[1], ARGV[1])
local left = redis.call('HINCRBY', KEYS[2], 'available', 1)
return {'OK', tostring(left), cap}
`)

// KEYS: inventory
// ARGV: capacity, available
var initInventoryScript = redis.NewScript(`
local cap = redis.call('HGET', KEYS[1], 'capacity')
if cap then
  return {'EXISTS', redis.call('HGET', KEYS[1], 'available'), cap}
end
redis.call('HSET', KEYS[1], 'capacity', ARGV[1], 'available', ARGV[2])
return {'OK', ARGV[2], ARGV[1]}
`)

// KEYS: inventory
// ARGV: signed delta
var adjustInventoryScript = redis.NewScript(`
local cap = redis.call('HGET', KEYS[1], 'capacity')
local avail = redis.call('HGET', KEYS[1], 'available')
if not cap or not avail then return {'UNKNOWN_TRIP'} end
local nextv = tonumber(avail) + tonumber(ARGV[1])
if nextv < 0 then return {'INSUFFICIENT', avail, cap} end
if nextv > tonumber(cap) then return {'OVER_CAPACITY', avail, cap} end
local left = redis.call('HINCRBY', KEYS[1], 'available', ARGV[1])
return {'OK', tostring(left), cap}
`)
