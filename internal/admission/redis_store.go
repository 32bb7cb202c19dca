package admission

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisStoreConfig configures the Redis-backed admission store.
type RedisStoreConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// RedisStore implements Store on a shared Redis deployment so multiple
// gateway instances observe the same stream ownership and cooldowns. Per-key
// expiry is delegated to Redis via PX; admission atomicity relies on SET NX.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore initialises a store backed by Redis. The caller is
// responsible for ensuring the Redis instance is reachable.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	return &RedisStore{client: client}, nil
}

// Get retrieves the value for the provided key.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	reply, err := s.client.Do(ctx, "GET", key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	value, ok := asString(reply)
	if !ok {
		return "", false, fmt.Errorf("unexpected redis reply type %T", reply)
	}
	return value, true, nil
}

// Set stores the value under key with a PX expiry.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.client.Do(ctx, "SET", key, value, "PX", strconv.FormatInt(ttlMillis(ttl), 10)).Result()
	return err
}

// SetIfAbsent stores the value only when the key does not already exist,
// using a single SET NX PX so concurrent registrations cannot race.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	reply, err := s.client.Do(ctx, "SET", key, value, "NX", "PX", strconv.FormatInt(ttlMillis(ttl), 10)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return reply != nil, nil
}

// Delete removes the key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.Do(ctx, "DEL", key).Result()
	return err
}

// TTL reports the remaining lifetime of the key via PTTL.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	reply, err := s.client.Do(ctx, "PTTL", key).Result()
	if err != nil {
		return 0, false, err
	}
	millis, err := asInt(reply)
	if err != nil {
		return 0, false, err
	}
	if millis < 0 {
		return 0, false, nil
	}
	return time.Duration(millis) * time.Millisecond, true, nil
}

// Ping verifies the Redis deployment is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	_, err := s.client.Do(ctx, "PING").Result()
	return err
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func ttlMillis(ttl time.Duration) int64 {
	millis := ttl.Milliseconds()
	if millis <= 0 {
		millis = 1
	}
	return millis
}

func asString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	default:
		return "", false
	}
}

func asInt(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected redis reply type %T", v)
	}
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
