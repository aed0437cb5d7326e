package relay

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Presence counts open connections per user, possibly across relay nodes.
type Presence interface {
	// Connect reports whether this is the user's first connection.
	Connect(ctx context.Context, userID string) (first bool, err error)
	// Disconnect reports whether this was the user's last connection.
	Disconnect(ctx context.Context, userID string) (last bool, err error)
	Online(ctx context.Context) ([]string, error)
}

type MemoryPresence struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{counts: make(map[string]int)}
}

func (p *MemoryPresence) Connect(_ context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[userID]++
	return p.counts[userID] == 1, nil
}

func (p *MemoryPresence) Disconnect(_ context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.counts[userID]
	if !ok {
		return false, nil
	}
	if n <= 1 {
		delete(p.counts, userID)
		return true, nil
	}
	p.counts[userID] = n - 1
	return false, nil
}

func (p *MemoryPresence) Online(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.counts))
	for id := range p.counts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// RedisPresence keeps connection counts in one hash shared by all nodes.
type RedisPresence struct {
	rdb redis.UniversalClient
	key string
}

func NewRedisPresence(rdb redis.UniversalClient, keyPrefix string) *RedisPresence {
	if keyPrefix == "" {
		keyPrefix = "terrimatch"
	}
	return &RedisPresence{rdb: rdb, key: keyPrefix + ":presence"}
}

func (p *RedisPresence) Connect(ctx context.Context, userID string) (bool, error) {
	n, err := p.rdb.HIncrBy(ctx, p.key, userID, 1).Result()
	if err != nil {
		return false, fmt.Errorf("presence connect: %w", err)
	}
	return n == 1, nil
}

// decrScript drops the field once the count reaches zero.
var decrScript = redis.NewScript(`
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if n <= 0 then
  redis.call("HDEL", KEYS[1], ARGV[1])
end
return n
`)

func (p *RedisPresence) Disconnect(ctx context.Context, userID string) (bool, error) {
	n, err := decrScript.Run(ctx, p.rdb, []string{p.key}, userID).Int64()
	if err != nil {
		return false, fmt.Errorf("presence disconnect: %w", err)
	}
	return n == 0, nil
}

func (p *RedisPresence) Online(ctx context.Context) ([]string, error) {
	all, err := p.rdb.HGetAll(ctx, p.key).Result()
	if err != nil {
		return nil, fmt.Errorf("presence online: %w", err)
	}
	out := make([]string, 0, len(all))
	for id, v := range all {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
