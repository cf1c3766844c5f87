package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is one (limit, duration) admission constraint.
type Window struct {
	Limit    int
	Duration time.Duration
}

// ParseWindows parses a comma list of "limit:duration" pairs, e.g.
// "60:10m,6:1m,2:1s". Windows are ordered longest duration first so the
// widest budget is evaluated before the burst windows.
func ParseWindows(spec string) ([]Window, error) {
	parts := strings.Split(spec, ",")
	windows := make([]Window, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		limitStr, durStr, ok := strings.Cut(p, ":")
		if !ok {
			return nil, fmt.Errorf("malformed rate window %q, want limit:duration", p)
		}
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("invalid rate window limit %q", limitStr)
		}
		dur, err := time.ParseDuration(durStr)
		if err != nil || dur <= 0 {
			return nil, fmt.Errorf("invalid rate window duration %q", durStr)
		}
		windows = append(windows, Window{Limit: limit, Duration: dur})
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("no rate windows in %q", spec)
	}
	sort.Slice(windows, func(i, j int) bool {
		return windows[i].Duration > windows[j].Duration
	})
	return windows, nil
}

// SlidingWindow is a distributed multi-window sliding-log rate limiter.
// Each window keeps a sorted set of admitted requests scored by the Redis
// server clock; one Lua invocation purges, checks every window, and either
// denies or records the request in all windows without interleaving.
type SlidingWindow struct {
	client    *redis.Client
	scope     string
	windows   []Window
	ttlMargin time.Duration
}

// NewSlidingWindow builds a limiter over the given window set. The scope
// namespaces the keys so independent budget dimensions never share state.
func NewSlidingWindow(client *redis.Client, scope string, windows []Window, ttlMargin time.Duration) *SlidingWindow {
	return &SlidingWindow{
		client:    client,
		scope:     scope,
		windows:   windows,
		ttlMargin: ttlMargin,
	}
}

// Windows returns the configured window set.
func (sw *SlidingWindow) Windows() []Window {
	return sw.windows
}

func (sw *SlidingWindow) key(account string, w Window) string {
	return fmt.Sprintf("ratelimit:%s:%s:%dms", sw.scope, account, w.Duration.Milliseconds())
}

// Admit decides admission for one request against every configured window.
// The requestID must be unique per request across concurrent workers; callers
// should compose it from a worker token plus a fresh UUID so the underlying
// sets never silently de-duplicate two admissions.
func (sw *SlidingWindow) Admit(ctx context.Context, account, requestID string) (bool, error) {
	keys := make([]string, 0, len(sw.windows))
	args := make([]interface{}, 0, 2*len(sw.windows)+2)
	for _, w := range sw.windows {
		keys = append(keys, sw.key(account, w))
		args = append(args, w.Limit, w.Duration.Milliseconds())
	}
	args = append(args, sw.ttlMargin.Milliseconds(), requestID)

	res, err := admitScript.Run(ctx, sw.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit admit: %w", err)
	}
	return res == 1, nil
}

// The script is the single point of atomicity: purge, check all windows, then
// record in all windows or none. The clock is the Redis server's own TIME so
// distributed callers never disagree about "now".
var admitScript = redis.NewScript(`
local time = redis.call('TIME')
local now = time[1] * 1000 + math.floor(time[2] / 1000)
local margin = tonumber(ARGV[#ARGV - 1])

for i = 1, #KEYS do
  local limit = tonumber(ARGV[2 * i - 1])
  local window = tonumber(ARGV[2 * i])
  redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', now - window)
  if redis.call('ZCARD', KEYS[i]) >= limit then
    return 0
  end
end

local member = ARGV[#ARGV]
for i = 1, #KEYS do
  local window = tonumber(ARGV[2 * i])
  redis.call('ZADD', KEYS[i], now, member)
  redis.call('PEXPIRE', KEYS[i], window + margin)
end
return 1
`)
