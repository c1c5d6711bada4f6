package devserver

// ─────────────────────────────────────────────
// Lua Scripts for Atomic Redis Operations
// ─────────────────────────────────────────────

// luaSetJobStatus writes a job status unless the job already settled.
//
// KEYS[1] = livesync:job:{jobID}   (hash)
// ARGV[1] = userID
// ARGV[2] = status
// ARGV[3] = url
// ARGV[4] = urls (JSON array)
// ARGV[5] = error
// ARGV[6] = ttl (seconds)
//
// Returns:
//
//	"OK"        – status written
//	"TERMINAL"  – job already completed or failed, nothing written
//	"OWNER"     – job belongs to another user
const luaSetJobStatus = `
local key    = KEYS[1]
local userID = ARGV[1]

local cur = redis.call("HMGET", key, "status", "user_id")
if cur[1] == "completed" or cur[1] == "failed" then
    return "TERMINAL"
end
if cur[2] and cur[2] ~= userID then
    return "OWNER"
end

redis.call("HSET", key,
    "user_id", userID,
    "status",  ARGV[2],
    "url",     ARGV[3],
    "urls",    ARGV[4],
    "error",   ARGV[5]
)
redis.call("EXPIRE", key, tonumber(ARGV[6]))
return "OK"
`
