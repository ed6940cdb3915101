package configs

import (
	"fmt"
	"regexp"
	"time"

	"github.com/opst/kjobs/pkg/definitions"
	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/utils/retry"
)

// Marshalled is a mutable configuration which can be sealed into S.
//
// All types named `pkg/configs.XxxMarshall` are `Marshalled[*Xxx]` .
type Marshalled[S any] interface {
	seal(path string) (S, error)
}

// Seal verifies conf and seals it.
//
// It returns *errors.ErrConfiguration when misconfiguration is found.
func Seal[S any](conf Marshalled[S]) (S, error) {
	return conf.seal("(root)")
}

func misconfigured(path string, format string, args ...any) error {
	return xe.NewConfiguration(path + ": " + fmt.Sprintf(format, args...))
}

// Duration is a duration in the form of time.ParseDuration, like "1h30m".
type Duration string

func (d Duration) parse(path string, def time.Duration) (time.Duration, error) {
	if d == "" {
		return def, nil
	}
	v, err := time.ParseDuration(string(d))
	if err != nil {
		return 0, xe.NewConfigurationCausedBy(path+": not a duration", err)
	}
	if v <= 0 {
		return 0, misconfigured(path, "should be positive, but %s", d)
	}
	return v, nil
}

type ConfigMarshall struct {
	Signature   string                    `yaml:"signature"`
	Namespace   string                    `yaml:"namespace,omitempty"`
	Retention   Duration                  `yaml:"retention,omitempty"`
	Definitions *DefinitionsConfigMarshall `yaml:"definitions"`
	Queue       *QueueConfigMarshall       `yaml:"queue,omitempty"`
	Retry       *RetryConfigMarshall       `yaml:"retry,omitempty"`
	Cleanup     *CleanupConfigMarshall     `yaml:"cleanup,omitempty"`
	Server      *ServerConfigMarshall      `yaml:"server,omitempty"`
}

var _ Marshalled[*Config] = &ConfigMarshall{}

func (c *ConfigMarshall) seal(path string) (*Config, error) {
	if c == nil {
		return nil, misconfigured(path, "configuration is empty")
	}
	if c.Signature == "" {
		return nil, misconfigured(path+".signature", "required (or set %s)", EnvSignature)
	}

	namespace := c.Namespace
	if namespace == "" {
		namespace = "default"
	}

	retention, err := c.Retention.parse(path+".retention", time.Hour)
	if err != nil {
		return nil, err
	}

	defs, err := c.Definitions.seal(path + ".definitions")
	if err != nil {
		return nil, err
	}

	queue, err := c.Queue.seal(path + ".queue")
	if err != nil {
		return nil, err
	}

	rp, err := c.Retry.seal(path + ".retry")
	if err != nil {
		return nil, err
	}

	cleanup, err := c.Cleanup.seal(path + ".cleanup")
	if err != nil {
		return nil, err
	}

	server, err := c.Server.seal(path + ".server")
	if err != nil {
		return nil, err
	}

	for i, b := range defs.bindings {
		if b.Queue == "" && b.Admission.Enqueues() {
			return nil, misconfigured(
				fmt.Sprintf("%s.definitions.bindings[%d]", path, i),
				"admission %q needs queue", b.Admission,
			)
		}
	}

	return &Config{
		signature:   c.Signature,
		namespace:   namespace,
		retention:   retention,
		definitions: defs,
		queue:       queue,
		retry:       rp,
		cleanup:     cleanup,
		server:      server,
	}, nil
}

type DefinitionsConfigMarshall struct {
	Root      string                  `yaml:"root,omitempty"`
	ConfigMap string                  `yaml:"configMap,omitempty"`
	Names     []string                `yaml:"names,omitempty"`
	Bindings  []BindingConfigMarshall `yaml:"bindings,omitempty"`
}

var _ Marshalled[*DefinitionsConfig] = &DefinitionsConfigMarshall{}

func (d *DefinitionsConfigMarshall) seal(path string) (*DefinitionsConfig, error) {
	if d == nil {
		return nil, misconfigured(path, "required")
	}
	if (d.Root == "") == (d.ConfigMap == "") {
		return nil, misconfigured(path, "one of root or configMap is required")
	}
	if d.ConfigMap != "" && 0 < len(d.Names) {
		return nil, misconfigured(path+".names", "is only for root")
	}

	bindings := make([]definitions.Binding, 0, len(d.Bindings))
	for i, b := range d.Bindings {
		bpath := fmt.Sprintf("%s.bindings[%d]", path, i)
		if b.Definition == "" {
			return nil, misconfigured(bpath+".definition", "required")
		}
		admission, err := definitions.ParseAdmission(b.Admission)
		if err != nil {
			return nil, xe.WrapWithNote(bpath+".admission", err)
		}
		bindings = append(bindings, definitions.Binding{
			Definition: b.Definition, Queue: b.Queue, Admission: admission,
		})
	}

	return &DefinitionsConfig{
		root:      d.Root,
		configMap: d.ConfigMap,
		names:     append([]string{}, d.Names...),
		bindings:  bindings,
	}, nil
}

type BindingConfigMarshall struct {
	Definition string `yaml:"definition"`
	Queue      string `yaml:"queue,omitempty"`

	// "enqueue", "spawn" or "both".
	Admission string `yaml:"admission,omitempty"`
}

type QueueConfigMarshall struct {
	Backend           string                  `yaml:"backend,omitempty"`
	VisibilityTimeout Duration                `yaml:"visibilityTimeout,omitempty"`
	PollWait          Duration                `yaml:"pollWait,omitempty"`
	Redis             *RedisConfigMarshall    `yaml:"redis,omitempty"`
	Postgres          *PostgresConfigMarshall `yaml:"postgres,omitempty"`
}

var _ Marshalled[*QueueConfig] = &QueueConfigMarshall{}

var reIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func (q *QueueConfigMarshall) seal(path string) (*QueueConfig, error) {
	if q == nil {
		q = &QueueConfigMarshall{}
	}

	vt, err := q.VisibilityTimeout.parse(path+".visibilityTimeout", 30*time.Second)
	if err != nil {
		return nil, err
	}
	pw, err := q.PollWait.parse(path+".pollWait", 5*time.Second)
	if err != nil {
		return nil, err
	}

	conf := &QueueConfig{visibilityTimeout: vt, pollWait: pw}
	switch q.Backend {
	case "", BackendMemory:
		conf.backend = BackendMemory
	case BackendRedis:
		conf.backend = BackendRedis
		r := q.Redis
		if r == nil || r.Addr == "" {
			return nil, misconfigured(path+".redis.addr", "required for redis backend")
		}
		prefix := r.Prefix
		if prefix == "" {
			prefix = "kjobs:"
		}
		conf.redis = &RedisConfig{addr: r.Addr, password: r.Password, db: r.DB, prefix: prefix}
	case BackendPostgres:
		conf.backend = BackendPostgres
		p := q.Postgres
		if p == nil || p.DSN == "" {
			return nil, misconfigured(path+".postgres.dsn", "required for postgres backend")
		}
		table := p.Table
		if table == "" {
			table = "kjobs_messages"
		}
		if !reIdentifier.MatchString(table) {
			return nil, misconfigured(path+".postgres.table", "%q is not an identifier", table)
		}
		conf.postgres = &PostgresConfig{dsn: p.DSN, table: table}
	default:
		return nil, misconfigured(path+".backend", "unknown backend %q (memory, redis or postgres)", q.Backend)
	}
	return conf, nil
}

type RedisConfigMarshall struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

type PostgresConfigMarshall struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table,omitempty"`
}

type RetryConfigMarshall struct {
	Attempts   int      `yaml:"attempts,omitempty"`
	Initial    Duration `yaml:"initial,omitempty"`
	Multiplier float64  `yaml:"multiplier,omitempty"`
}

var _ Marshalled[retry.Policy] = &RetryConfigMarshall{}

func (r *RetryConfigMarshall) seal(path string) (retry.Policy, error) {
	p := retry.DefaultPolicy
	if r == nil {
		return p, nil
	}
	if r.Attempts < 0 {
		return p, misconfigured(path+".attempts", "should not be negative")
	} else if 0 < r.Attempts {
		p.Attempts = r.Attempts
	}
	initial, err := r.Initial.parse(path+".initial", p.Initial)
	if err != nil {
		return p, err
	}
	p.Initial = initial
	if r.Multiplier != 0 {
		if r.Multiplier < 1 {
			return p, misconfigured(path+".multiplier", "should be 1 or more")
		}
		p.Multiplier = r.Multiplier
	}
	return p, nil
}

type CleanupConfigMarshall struct {
	Interval Duration `yaml:"interval,omitempty"`
}

var _ Marshalled[*CleanupConfig] = &CleanupConfigMarshall{}

func (c *CleanupConfigMarshall) seal(path string) (*CleanupConfig, error) {
	if c == nil {
		c = &CleanupConfigMarshall{}
	}
	interval, err := c.Interval.parse(path+".interval", time.Minute)
	if err != nil {
		return nil, err
	}
	return &CleanupConfig{interval: interval}, nil
}

type ServerConfigMarshall struct {
	Port     int32  `yaml:"port,omitempty"`
	LogLevel string `yaml:"loglevel,omitempty"`
}

var _ Marshalled[*ServerConfig] = &ServerConfigMarshall{}

func (s *ServerConfigMarshall) seal(path string) (*ServerConfig, error) {
	if s == nil {
		s = &ServerConfigMarshall{}
	}
	port := s.Port
	if port == 0 {
		port = 8080
	}
	if port < 0 || 65535 < port {
		return nil, misconfigured(path+".port", "out of range: %d", port)
	}
	level := s.LogLevel
	if level == "" {
		level = "info"
	}
	switch level {
	case "debug", "info", "warn", "error", "off":
	default:
		return nil, misconfigured(path+".loglevel", "unknown level %q", level)
	}
	return &ServerConfig{port: port, logLevel: level}, nil
}
