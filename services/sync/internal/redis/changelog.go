package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/appetiteclub/apt"
	"github.com/redis/go-redis/v9"
	"github.com/tablelink/tablelink/services/sync/internal/changelog"
)

const keyPrefix = "tablelink:changes:"

// Members are "<19 digit unix nanos>|<json>" so that lexical order inside a
// score bucket is chronological and Lua can read the timestamp without
// decoding. Scores are unix micros, which a float64 holds exactly.
const pruneLua = `
local function prune(key, hkey, cutoff, maxEntries)
  local newest = nil
  local old = redis.call('ZRANGEBYSCORE', key, '-inf', '(' .. cutoff)
  if #old > 0 then
    newest = string.sub(old[#old], 1, 19)
    redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. cutoff)
  end
  local n = redis.call('ZCARD', key)
  if n > maxEntries then
    local over = redis.call('ZRANGE', key, 0, n - maxEntries - 1)
    newest = string.sub(over[#over], 1, 19)
    redis.call('ZREMRANGEBYRANK', key, 0, n - maxEntries - 1)
  end
  if newest then
    local current = redis.call('GET', hkey)
    if (not current) or newest > current then
      redis.call('SET', hkey, newest, 'KEEPTTL')
    end
  end
end
`

var appendScript = redis.NewScript(pruneLua + `
redis.call('SET', KEYS[2], ARGV[6], 'NX')
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
prune(KEYS[1], KEYS[2], ARGV[3], tonumber(ARGV[4]))
redis.call('EXPIRE', KEYS[1], ARGV[5])
redis.call('EXPIRE', KEYS[2], ARGV[5])
return 1
`)

var sinceScript = redis.NewScript(pruneLua + `
prune(KEYS[1], KEYS[2], ARGV[1], tonumber(ARGV[2]))
local horizon = redis.call('GET', KEYS[2]) or ''
local members = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[3], '+inf')
return {horizon, members}
`)

var headScript = redis.NewScript(pruneLua + `
prune(KEYS[1], KEYS[2], ARGV[1], tonumber(ARGV[2]))
local horizon = redis.call('GET', KEYS[2])
local last = redis.call('ZRANGE', KEYS[1], -1, -1)
if #last == 0 and not horizon then
  redis.call('SET', KEYS[2], ARGV[3], 'EX', ARGV[4])
  horizon = ARGV[3]
end
return {horizon or '', last[1] or ''}
`)

// ChangeLog is a changelog.Log that survives restarts of the sync service.
// Each store keeps a sorted set of entries and a horizon key holding the
// oldest cursor that can still be answered exactly. Session state lives in a
// single process, so a store has exactly one writer and entries arrive in
// stamp order.
type ChangeLog struct {
	client *redis.Client
	opts   changelog.Options
	prefix string
	logger apt.Logger
	config *apt.Config
	now    func() time.Time
}

func NewChangeLog(config *apt.Config, opts changelog.Options, logger apt.Logger) *ChangeLog {
	if logger == nil {
		logger = apt.NewNoopLogger()
	}
	return &ChangeLog{
		opts:   opts.WithDefaults(),
		prefix: keyPrefix,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

func newChangeLogWithClient(client *redis.Client, prefix string, opts changelog.Options) *ChangeLog {
	return &ChangeLog{
		client: client,
		opts:   opts.WithDefaults(),
		prefix: prefix,
		logger: apt.NewNoopLogger(),
		now:    time.Now,
	}
}

func (l *ChangeLog) Start(ctx context.Context) error {
	addr := l.config.GetStringOrDef("redis.addr", "localhost:6379")
	password := l.config.GetStringOrDef("redis.password", "")
	db, err := strconv.Atoi(l.config.GetStringOrDef("redis.db", "0"))
	if err != nil {
		l.logger.Error("invalid redis.db, using 0", "error", err)
		db = 0
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("cannot ping Redis: %w", err)
	}

	l.client = client
	l.logger.Infof("Connected to Redis: %s, db: %d", addr, db)
	return nil
}

func (l *ChangeLog) Stop(ctx context.Context) error {
	if l.client != nil {
		if err := l.client.Close(); err != nil {
			return fmt.Errorf("cannot close Redis client: %w", err)
		}
		l.logger.Info("Disconnected from Redis")
	}
	return nil
}

func (l *ChangeLog) Append(ctx context.Context, change changelog.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("cannot encode change: %w", err)
	}

	ns := change.ChangedAt.UnixNano()
	member := stamp(ns) + "|" + string(data)
	err = appendScript.Run(ctx, l.client, l.keys(change.StoreID),
		change.ChangedAt.UnixMicro(),
		member,
		l.cutoff(),
		l.opts.MaxEntries,
		l.ttl(),
		stamp(ns-1),
	).Err()
	if err != nil {
		return fmt.Errorf("cannot append change: %w", err)
	}
	return nil
}

func (l *ChangeLog) Since(ctx context.Context, storeID string, cursor time.Time) ([]changelog.Change, error) {
	if cursor.IsZero() {
		return nil, changelog.ErrCursorTooOld
	}

	res, err := sinceScript.Run(ctx, l.client, l.keys(storeID),
		l.cutoff(),
		l.opts.MaxEntries,
		cursor.UnixMicro(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("cannot read changes: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("cannot read changes: unexpected reply %v", res)
	}

	horizon, _ := res[0].(string)
	if horizon == "" {
		return nil, changelog.ErrCursorTooOld
	}
	horizonNs, err := strconv.ParseInt(horizon, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cannot parse horizon %q: %w", horizon, err)
	}
	if cursor.UnixNano() < horizonNs {
		return nil, changelog.ErrCursorTooOld
	}

	members, _ := res[1].([]interface{})
	changes := make([]changelog.Change, 0, len(members))
	for _, m := range members {
		change, err := decode(m)
		if err != nil {
			l.logger.Error("skipping undecodable change", "store_id", storeID, "error", err)
			continue
		}
		if change.ChangedAt.After(cursor) {
			changes = append(changes, change)
		}
	}
	return changes, nil
}

func (l *ChangeLog) Head(ctx context.Context, storeID string) (time.Time, error) {
	now := l.now().UTC()

	res, err := headScript.Run(ctx, l.client, l.keys(storeID),
		l.cutoff(),
		l.opts.MaxEntries,
		stamp(now.UnixNano()),
		l.ttl(),
	).Slice()
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot read change log head: %w", err)
	}
	if len(res) != 2 {
		return time.Time{}, fmt.Errorf("cannot read change log head: unexpected reply %v", res)
	}

	if last, _ := res[1].(string); last != "" {
		change, err := decode(last)
		if err != nil {
			return time.Time{}, err
		}
		return change.ChangedAt, nil
	}

	horizon, _ := res[0].(string)
	ns, err := strconv.ParseInt(horizon, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse horizon %q: %w", horizon, err)
	}
	return time.Unix(0, ns).UTC(), nil
}

func (l *ChangeLog) keys(storeID string) []string {
	key := l.prefix + storeID
	return []string{key, key + ":horizon"}
}

func (l *ChangeLog) cutoff() int64 {
	return l.now().Add(-l.opts.MaxAge).UnixMicro()
}

// ttl keeps idle stores from lingering once everything in them has aged out.
func (l *ChangeLog) ttl() int64 {
	secs := int64((2 * l.opts.MaxAge) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func stamp(ns int64) string {
	return fmt.Sprintf("%019d", ns)
}

func decode(member interface{}) (changelog.Change, error) {
	var change changelog.Change
	s, ok := member.(string)
	if !ok {
		return change, fmt.Errorf("unexpected member type %T", member)
	}
	_, data, found := strings.Cut(s, "|")
	if !found {
		return change, fmt.Errorf("malformed member %q", s)
	}
	if err := json.Unmarshal([]byte(data), &change); err != nil {
		return change, fmt.Errorf("cannot decode change: %w", err)
	}
	return change, nil
}
