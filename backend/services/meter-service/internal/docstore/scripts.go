package docstore

import "github.com/redis/go-redis/v9"

// updateScript writes field/value pairs onto an existing hash only.
//
// KEYS[1] document hash
// ARGV    field, value, field, value, ...
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
for i = 1, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)
