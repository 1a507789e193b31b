/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package redis_cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/offsync/pkg/cache"
)

var nopLogger = zap.NewNop()

var errClientDisabled = errors.New("redis temporarily disabled")

// storeScript writes an entry unless a newer one is already stored.
// KEYS: data, stime, atime, crit. ARGV: member, stored_at, accessed_at,
// value, critical.
var storeScript = redis.NewScript(`
local old = redis.call('ZSCORE', KEYS[2], ARGV[1])
if old and tonumber(old) > tonumber(ARGV[2]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
if ARGV[5] == '1' then
  redis.call('SADD', KEYS[4], ARGV[1])
else
  redis.call('SREM', KEYS[4], ARGV[1])
end
return 1
`)

// getScript returns the value of an entry and records the access.
// KEYS: data, atime. ARGV: member, accessed_at.
var getScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return v
`)

// evictScript removes non-critical entries accessed before the cutoff.
// KEYS: stime, atime, crit. ARGV: cutoff, data key prefix.
var evictScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])
local n = 0
for _, id in ipairs(ids) do
  if redis.call('SISMEMBER', KEYS[3], id) == 0 then
    redis.call('DEL', ARGV[2] .. id)
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZREM', KEYS[2], id)
    n = n + 1
  end
end
return n
`)

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// Namespace is the physical namespace stored by this RedisCache.
	// Cannot be empty.
	Namespace string

	// KeyPrefix is prepended to every redis key. Default is "offsync".
	KeyPrefix string

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// Now overrides time.Now.
	Now func() time.Time

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if opts.Namespace == "" {
		return errors.New("empty namespace")
	}
	if strings.Contains(opts.Namespace, ":") {
		return fmt.Errorf("invalid namespace %q", opts.Namespace)
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "offsync"
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisCache is a cache.Backend that keeps one namespace in redis.
//
// Each entry is a string key holding the packed entry. Three companion keys
// index the namespace: a sorted set of store times (last-write-wins), a
// sorted set of access times (eviction) and a set of critical members.
type RedisCache struct {
	opts           RedisCacheOpts
	clientDisabled uint32
}

var _ cache.Backend = (*RedisCache)(nil)

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{
		opts: opts,
	}, nil
}

func (r *RedisCache) nsKey(suffix string) string {
	return r.opts.KeyPrefix + ":" + r.opts.Namespace + ":" + suffix
}

func (r *RedisCache) dataPrefix() string {
	return r.nsKey("e:")
}

func (r *RedisCache) dataKey(key string) string {
	return r.dataPrefix() + key
}

func (r *RedisCache) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisCache) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled", zap.String("namespace", r.opts.Namespace))
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.IntN(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				return
			}
		}()
	}
}

// handleErr maps redis errors. Connection problems disable the client.
func (r *RedisCache) handleErr(op string, err error) error {
	if strings.HasPrefix(err.Error(), "OOM") {
		return fmt.Errorf("redis %s: %w", op, cache.ErrQuotaExceeded)
	}
	r.opts.Logger.Warn("redis "+op, zap.Error(err))
	var redisErr redis.Error
	if !errors.As(err, &redisErr) {
		r.disableClient()
	}
	return fmt.Errorf("redis %s: %w", op, err)
}

func (r *RedisCache) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opts.ClientTimeout)
}

func (r *RedisCache) Get(key string) (*cache.Entry, error) {
	if r.disabled() {
		return nil, nil
	}

	ctx, cancel := r.ctx()
	defer cancel()
	now := r.opts.Now()
	res, err := getScript.Run(ctx, r.opts.Client,
		[]string{r.dataKey(key), r.nsKey("atime")},
		key, now.UnixMilli(),
	).Text()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, r.handleErr("get", err)
	}

	e, err := unpackEntry([]byte(res))
	if err != nil {
		r.opts.Logger.Warn("redis data unpack error", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	e.LastAccessedAt = now
	return e, nil
}

func (r *RedisCache) Store(key string, e *cache.Entry) (bool, error) {
	if r.disabled() {
		return false, errClientDisabled
	}

	data := packEntry(e)
	defer data.Release()

	accessed := e.LastAccessedAt
	if accessed.IsZero() {
		accessed = e.StoredAt
	}
	critical := "0"
	if e.Priority == cache.PriorityCritical {
		critical = "1"
	}

	ctx, cancel := r.ctx()
	defer cancel()
	n, err := storeScript.Run(ctx, r.opts.Client,
		[]string{r.dataKey(key), r.nsKey("stime"), r.nsKey("atime"), r.nsKey("crit")},
		key, e.StoredAt.UnixMilli(), accessed.UnixMilli(), data.Bytes(), critical,
	).Int()
	if err != nil {
		return false, r.handleErr("store", err)
	}
	return n == 1, nil
}

func (r *RedisCache) Delete(key string) error {
	if r.disabled() {
		return errClientDisabled
	}
	ctx, cancel := r.ctx()
	defer cancel()
	pipe := r.opts.Client.TxPipeline()
	pipe.Del(ctx, r.dataKey(key))
	pipe.ZRem(ctx, r.nsKey("stime"), key)
	pipe.ZRem(ctx, r.nsKey("atime"), key)
	pipe.SRem(ctx, r.nsKey("crit"), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return r.handleErr("delete", err)
	}
	return nil
}

func (r *RedisCache) Evict(cutoff time.Time) (int, error) {
	if r.disabled() {
		return 0, errClientDisabled
	}
	ctx, cancel := r.ctx()
	defer cancel()
	n, err := evictScript.Run(ctx, r.opts.Client,
		[]string{r.nsKey("stime"), r.nsKey("atime"), r.nsKey("crit")},
		cutoff.UnixMilli(), r.dataPrefix(),
	).Int()
	if err != nil {
		return 0, r.handleErr("evict", err)
	}
	return n, nil
}

func (r *RedisCache) members(ctx context.Context) ([]string, error) {
	m, err := r.opts.Client.ZRange(ctx, r.nsKey("stime"), 0, -1).Result()
	if err != nil {
		return nil, r.handleErr("zrange", err)
	}
	sort.Strings(m)
	return m, nil
}

// Range reads entries in key order. Entries that can not be decoded are
// skipped.
func (r *RedisCache) Range(f func(key string, e *cache.Entry) bool) error {
	if r.disabled() {
		return errClientDisabled
	}
	ctx, cancel := r.ctx()
	defer cancel()
	keys, err := r.members(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		b, err := r.opts.Client.Get(ctx, r.dataKey(k)).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return r.handleErr("get", err)
		}
		e, err := unpackEntry(b)
		if err != nil {
			continue
		}
		if at, err := r.opts.Client.ZScore(ctx, r.nsKey("atime"), k).Result(); err == nil {
			e.LastAccessedAt = time.UnixMilli(int64(at))
		}
		if !f(k, e) {
			return nil
		}
	}
	return nil
}

func (r *RedisCache) Clear() error {
	if r.disabled() {
		return errClientDisabled
	}
	ctx, cancel := r.ctx()
	defer cancel()
	keys, err := r.members(ctx)
	if err != nil {
		return err
	}
	del := make([]string, 0, len(keys)+3)
	for _, k := range keys {
		del = append(del, r.dataKey(k))
	}
	del = append(del, r.nsKey("stime"), r.nsKey("atime"), r.nsKey("crit"))
	if err := r.opts.Client.Del(ctx, del...).Err(); err != nil {
		return r.handleErr("clear", err)
	}
	return nil
}

func (r *RedisCache) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	i, err := r.opts.Client.ZCard(ctx, r.nsKey("stime")).Result()
	if err != nil {
		r.opts.Logger.Error("zcard", zap.Error(err))
		return 0
	}
	return int(i)
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

// Provider opens one RedisCache per namespace on a shared client.
type Provider struct {
	opts RedisCacheOpts

	m  sync.Mutex
	ns map[string]*RedisCache
}

var _ cache.Provider = (*Provider)(nil)

// NewProvider returns a Provider. opts.Namespace is ignored.
// opts.ClientCloser is called by Provider.Close.
func NewProvider(opts RedisCacheOpts) (*Provider, error) {
	check := opts
	check.Namespace = "check"
	if err := check.Init(); err != nil {
		return nil, err
	}
	return &Provider{opts: opts, ns: make(map[string]*RedisCache)}, nil
}

func (p *Provider) Open(namespace string) (cache.Backend, error) {
	p.m.Lock()
	defer p.m.Unlock()
	if c, ok := p.ns[namespace]; ok {
		return c, nil
	}
	opts := p.opts
	opts.Namespace = namespace
	opts.ClientCloser = nil
	c, err := NewRedisCache(opts)
	if err != nil {
		return nil, err
	}
	p.ns[namespace] = c
	return c, nil
}

func (p *Provider) Drop(namespace string) error {
	b, err := p.Open(namespace)
	if err != nil {
		return err
	}
	if err := b.Clear(); err != nil {
		return err
	}
	p.m.Lock()
	delete(p.ns, namespace)
	p.m.Unlock()
	return nil
}

// List scans redis for namespaces that hold entries.
func (p *Provider) List() ([]string, error) {
	prefix := p.opts.KeyPrefix
	if prefix == "" {
		prefix = "offsync"
	}
	timeout := p.opts.ClientTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout*5)
	defer cancel()

	seen := make(map[string]struct{})
	iter := p.opts.Client.Scan(ctx, 0, prefix+":*:stime", 256).Iterator()
	for iter.Next(ctx) {
		k := strings.TrimSuffix(strings.TrimPrefix(iter.Val(), prefix+":"), ":stime")
		seen[k] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (p *Provider) Close() error {
	if f := p.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}
