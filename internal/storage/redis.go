package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RedisConfig configures the Redis region engine
type RedisConfig struct {
	Addr     string        `yaml:"addr"`     // host:port or a unix socket path
	Password string        `yaml:"password"` // optional
	Prefix   string        `yaml:"prefix"`   // key prefix, one hash per region
	Timeout  time.Duration `yaml:"timeout"`
}

// RedisBackend stores each region as a hash under "<prefix>:<region>".
// Commits run in MULTI/EXEC so a region is replaced atomically.
type RedisBackend struct {
	pool   *redis.Pool
	prefix string
}

// DialRedis creates a pooled Redis backend
func DialRedis(cfg RedisConfig) *RedisBackend {
	proto, addr := "tcp", cfg.Addr
	if strings.HasPrefix(cfg.Addr, "/") {
		proto = "unix"
	}

	opts := []redis.DialOption{
		redis.DialConnectTimeout(cfg.Timeout),
	}
	if cfg.Password != "" {
		opts = append(opts, redis.DialPassword(cfg.Password))
	}

	pool := &redis.Pool{
		MaxIdle:     2,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial(proto, addr, opts...)
		},
	}
	return NewRedisBackend(pool, cfg.Prefix)
}

// NewRedisBackend wraps an existing pool
func NewRedisBackend(pool *redis.Pool, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "nvs"
	}
	return &RedisBackend{pool: pool, prefix: prefix}
}

func (b *RedisBackend) key(region string) string {
	return b.prefix + ":" + region
}

// Open reads the region hash
func (b *RedisBackend) Open(name string, readOnly bool) (Region, error) {
	conn := b.pool.Get()
	defer conn.Close()

	values, err := redis.StringMap(conn.Do("HGETALL", b.key(name)))
	if err != nil && err != redis.ErrNil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	return &redisRegion{backend: b, name: name, readOnly: readOnly, values: values}, nil
}

// Erase deletes every region hash under the prefix
func (b *RedisBackend) Erase() error {
	conn := b.pool.Get()
	defer conn.Close()

	keys, err := redis.Strings(conn.Do("KEYS", b.prefix+":*"))
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	_, err = conn.Do("DEL", args...)
	return err
}

// Close releases the pool
func (b *RedisBackend) Close() error {
	return b.pool.Close()
}

type redisRegion struct {
	backend  *RedisBackend
	name     string
	readOnly bool
	values   map[string]string
	pending  pendingWrites
}

func (r *redisRegion) Get(key string) (string, bool, error) {
	if v, ok := r.pending.values[key]; ok {
		return v, true, nil
	}
	v, ok := r.values[key]
	return v, ok, nil
}

func (r *redisRegion) Put(key, value string) {
	r.pending.put(key, value)
}

func (r *redisRegion) Commit() error {
	if r.readOnly {
		return ErrReadOnly
	}
	if r.pending.empty() {
		return nil
	}

	conn := r.backend.pool.Get()
	defer conn.Close()

	args := []interface{}{r.backend.key(r.name)}
	for _, k := range r.pending.keys {
		args = append(args, k, r.pending.values[k])
	}

	if err := conn.Send("MULTI"); err != nil {
		return err
	}
	if err := conn.Send("HSET", args...); err != nil {
		return err
	}
	reply, err := conn.Do("EXEC")
	if err != nil {
		return err
	}
	if reply == nil {
		return fmt.Errorf("region %s: transaction aborted", r.name)
	}

	for _, k := range r.pending.keys {
		r.values[k] = r.pending.values[k]
	}
	r.pending.reset()
	return nil
}

func (r *redisRegion) Close() error {
	r.pending.reset()
	return nil
}
