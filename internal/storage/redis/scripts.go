package redis

const (
	// appendEventScript allocates the next event id, writes the event hash
	// and appends the id to the global and per-tag lists in one step
	appendEventScript = `
local seq_key = KEYS[1]        -- tagwatch:event:seq
local events_key = KEYS[2]     -- tagwatch:events
local tag_events_key = KEYS[3] -- tagwatch:events:tag:{tagID}

local event_prefix = ARGV[1]   -- tagwatch:event:
local tag_id = ARGV[2]
local name = ARGV[3]
local category = ARGV[4]
local event_type = ARGV[5]
local timestamp = ARGV[6]
local duration_sec = ARGV[7]   -- empty when absent

local id = redis.call('INCR', seq_key)
local event_key = event_prefix .. id

redis.call('HSET', event_key,
  'id', id,
  'tag_id', tag_id,
  'name', name,
  'category', category,
  'event_type', event_type,
  'timestamp', timestamp
)
if duration_sec ~= '' then
  redis.call('HSET', event_key, 'duration_sec', duration_sec)
end

redis.call('RPUSH', events_key, id)
redis.call('RPUSH', tag_events_key, id)

return id
`

	// createTagScript creates a tag unless one with the same id exists.
	// Returns 1 on create, 0 when the tag already exists.
	createTagScript = `
local tag_key = KEYS[1]   -- tagwatch:tag:{tagID}
local tags_set = KEYS[2]  -- tagwatch:tags

if redis.call('EXISTS', tag_key) == 1 then
  return 0
end

redis.call('HSET', tag_key,
  'tag_id', ARGV[1],
  'name', ARGV[2],
  'category', ARGV[3],
  'created_at', ARGV[4]
)
redis.call('SADD', tags_set, ARGV[1])

return 1
`

	// deleteTagScript removes a tag and its set membership.
	// Returns 1 on delete, 0 when the tag did not exist.
	deleteTagScript = `
local tag_key = KEYS[1]   -- tagwatch:tag:{tagID}
local tags_set = KEYS[2]  -- tagwatch:tags

if redis.call('DEL', tag_key) == 0 then
  return 0
end
redis.call('SREM', tags_set, ARGV[1])

return 1
`
)
