package redis

const (
	// upsertRuntimeScript atomically writes a runtime record and its indexes
	upsertRuntimeScript = `
local record_key = KEYS[1]    -- ktime:runtime:{username}:{date}
local latest_key = KEYS[2]    -- ktime:latest:{username}
local index_key = KEYS[3]     -- ktime:index:{date}
local dates_key = KEYS[4]     -- ktime:dates

local username = ARGV[1]
local date = ARGV[2]
local ttl = tonumber(ARGV[13])

redis.call('HSET', record_key,
  'username', username,
  'date', date,
  'iso_year', ARGV[3],
  'iso_week', ARGV[4],
  'month', ARGV[5],
  'remaining_day', ARGV[6],
  'remaining_week', ARGV[7],
  'remaining_month', ARGV[8],
  'remaining_playtime', ARGV[9],
  'stage', ARGV[10],
  'action_done', ARGV[11],
  'updated_at', ARGV[12]
)
redis.call('EXPIRE', record_key, ttl)

-- Only move the latest pointer forward in time
local current = redis.call('GET', latest_key)
if (not current) or date >= current then
  redis.call('SET', latest_key, date)
end
redis.call('EXPIRE', latest_key, ttl)

redis.call('SADD', index_key, username)
redis.call('EXPIRE', index_key, ttl)
redis.call('SADD', dates_key, date)

return 'OK'
`

	// deleteRuntimeBeforeScript removes every record dated before the cutoff
	deleteRuntimeBeforeScript = `
local dates_key = KEYS[1]     -- ktime:dates

local cutoff = ARGV[1]
local prefix = ARGV[2]

local deleted = 0
for _, date in ipairs(redis.call('SMEMBERS', dates_key)) do
  if date < cutoff then
    local index_key = prefix .. 'index:' .. date
    for _, username in ipairs(redis.call('SMEMBERS', index_key)) do
      deleted = deleted + redis.call('DEL', prefix .. 'runtime:' .. username .. ':' .. date)
      local latest_key = prefix .. 'latest:' .. username
      if redis.call('GET', latest_key) == date then
        redis.call('DEL', latest_key)
      end
    end
    redis.call('DEL', index_key)
    redis.call('SREM', dates_key, date)
  end
end

return deleted
`
)
