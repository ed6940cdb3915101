// Package configs loads the configuration file of kjobs.
//
// Values are unmarshalled into XxxMarshall types, and then sealed into
// immutable Xxx types after validation. Use Load or Unmarshal to get *Config.
package configs

import (
	"time"

	"github.com/opst/kjobs/pkg/definitions"
	"github.com/opst/kjobs/pkg/utils/retry"
)

const (
	EnvSignature = "KJOBS_SIGNATURE"
	EnvNamespace = "KJOBS_NAMESPACE"
)

type Config struct {
	signature   string
	namespace   string
	retention   time.Duration
	definitions *DefinitionsConfig
	queue       *QueueConfig
	retry       retry.Policy
	cleanup     *CleanupConfig
	server      *ServerConfig
}

// Signature put on jobs created by this process.
func (c *Config) Signature() string {
	return c.signature
}

// k8s namespace where jobs are created.
func (c *Config) Namespace() string {
	return c.namespace
}

// How long terminal jobs are kept.
func (c *Config) Retention() time.Duration {
	return c.retention
}

func (c *Config) Definitions() *DefinitionsConfig {
	return c.definitions
}

func (c *Config) Queue() *QueueConfig {
	return c.queue
}

// Retry policy for cluster API and queue operations.
func (c *Config) Retry() retry.Policy {
	return c.retry
}

func (c *Config) Cleanup() *CleanupConfig {
	return c.cleanup
}

func (c *Config) Server() *ServerConfig {
	return c.server
}

// Where job definitions come from.
//
// One of Root or ConfigMap is not empty.
type DefinitionsConfig struct {
	root      string
	configMap string
	names     []string
	bindings  []definitions.Binding
}

// Directory containing templates.
func (d *DefinitionsConfig) Root() string {
	return d.root
}

// Name of ConfigMap containing templates.
func (d *DefinitionsConfig) ConfigMap() string {
	return d.configMap
}

// Names of definitions which should be found.
func (d *DefinitionsConfig) Names() []string {
	return append([]string{}, d.names...)
}

func (d *DefinitionsConfig) Bindings() []definitions.Binding {
	return append([]definitions.Binding{}, d.bindings...)
}

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type QueueConfig struct {
	backend           string
	visibilityTimeout time.Duration
	pollWait          time.Duration
	redis             *RedisConfig
	postgres          *PostgresConfig
}

// One of "memory", "redis" or "postgres".
func (q *QueueConfig) Backend() string {
	return q.backend
}

// How long a received message is hidden from other receivers.
func (q *QueueConfig) VisibilityTimeout() time.Duration {
	return q.visibilityTimeout
}

// How long a receive waits for a message.
func (q *QueueConfig) PollWait() time.Duration {
	return q.pollWait
}

// nil unless backend is redis.
func (q *QueueConfig) Redis() *RedisConfig {
	return q.redis
}

// nil unless backend is postgres.
func (q *QueueConfig) Postgres() *PostgresConfig {
	return q.postgres
}

type RedisConfig struct {
	addr     string
	password string
	db       int
	prefix   string
}

func (r *RedisConfig) Addr() string     { return r.addr }
func (r *RedisConfig) Password() string { return r.password }
func (r *RedisConfig) DB() int          { return r.db }
func (r *RedisConfig) Prefix() string   { return r.prefix }

type PostgresConfig struct {
	dsn   string
	table string
}

func (p *PostgresConfig) DSN() string   { return p.dsn }
func (p *PostgresConfig) Table() string { return p.table }

type CleanupConfig struct {
	interval time.Duration
}

// Interval between cleanup sweeps.
func (c *CleanupConfig) Interval() time.Duration {
	return c.interval
}

type ServerConfig struct {
	port     int32
	logLevel string
}

func (s *ServerConfig) Port() int32 {
	return s.port
}

func (s *ServerConfig) LogLevel() string {
	return s.logLevel
}
