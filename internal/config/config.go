// Package config loads and hot-reloads the YAML cluster configuration:
// shard topology, sharding schema, and the router/engine/pool behavior
// knobs. Kept in its own YAML-shaped types, separate from the runtime
// router.Config/pool.Config/lb.Balancer types; the To* methods
// (ToCluster, ToRouterConfig, ToEngineConfig, ToMirrorConfig, ...) convert
// a loaded Config into the runtime types internal/cluster,
// internal/router, and internal/engine want.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/shardgate/shardgate/internal/engine"
	"github.com/shardgate/shardgate/internal/lb"
	"github.com/shardgate/shardgate/internal/mirror"
	"github.com/shardgate/shardgate/internal/pool"
	"github.com/shardgate/shardgate/internal/router"
)

// Config is the top-level cluster configuration.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Pool        PoolDefaults      `yaml:"pool"`
	Router      RouterConfig      `yaml:"router"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	Shards      []ShardConfig     `yaml:"shards"`
	Sharding    ShardingConfig    `yaml:"sharding"`
	Mirror      *MirrorConfig     `yaml:"mirror,omitempty"`
}

// HealthCheckConfig tunes the background per-shard health prober.
type HealthCheckConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// ListenConfig defines the ports and bind addresses the proxy listens on.
type ListenConfig struct {
	PostgresPort int    `yaml:"postgres_port"`
	AdminPort    int    `yaml:"admin_port"`
	AdminDBName  string `yaml:"admin_database"`
	APIPort      int    `yaml:"api_port"`
	APIBind      string `yaml:"api_bind"`
	TLSCert      string `yaml:"tls_cert"`
	TLSKey       string `yaml:"tls_key"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// PoolDefaults defines default pool settings applied to every shard's
// primary and replica pools unless a ShardConfig overrides them.
type PoolDefaults struct {
	MinConnections  int           `yaml:"min_connections"`
	MaxConnections  int           `yaml:"max_connections"`
	CheckoutTimeout time.Duration `yaml:"checkout_timeout"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	RollbackTimeout time.Duration `yaml:"rollback_timeout"`
	BanTimeout      time.Duration `yaml:"ban_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxLifetime     time.Duration `yaml:"max_lifetime"`
}

// PoolerMode selects how a backend connection is checked out for a
// session: pinned for its lifetime vs. per-statement checkout.
type PoolerMode string

const (
	PoolerTransaction PoolerMode = "transaction"
	PoolerSession     PoolerMode = "session"
)

// PreparedStatementsMode controls cross-shard prepared-statement
// rewriting.
type PreparedStatementsMode string

const (
	PreparedDisabled PreparedStatementsMode = "disabled"
	PreparedExtended PreparedStatementsMode = "extended"
	PreparedFull     PreparedStatementsMode = "full"
)

// InsertRewriteMode mirrors rewrite_split_inserts.
type InsertRewriteMode string

const (
	InsertError   InsertRewriteMode = "error"
	InsertRewrite InsertRewriteMode = "rewrite"
)

// ShardKeyRewriteMode mirrors rewrite_shard_key_updates.
type ShardKeyRewriteMode string

const (
	ShardKeyIgnore  ShardKeyRewriteMode = "ignore"
	ShardKeyRewrite ShardKeyRewriteMode = "rewrite"
)

// LoadBalancingPolicy mirrors load_balancing.
type LoadBalancingPolicy string

const (
	LBRandom           LoadBalancingPolicy = "random"
	LBRoundRobin       LoadBalancingPolicy = "round_robin"
	LBLeastConnections LoadBalancingPolicy = "least_connections"
)

// ReadWriteSplitMode mirrors read_write_split.
type ReadWriteSplitMode string

const (
	SplitExcludePrimary            ReadWriteSplitMode = "exclude_primary"
	SplitIncludePrimary            ReadWriteSplitMode = "include_primary"
	SplitIncludePrimaryIfReplicaBanned ReadWriteSplitMode = "include_primary_if_replica_banned"
)

// RouterConfig holds the router/engine/pool behavior knobs: pooling
// mode, prepared-statement handling, two-phase commit, and the
// rewrite/cross-shard toggles.
type RouterConfig struct {
	PoolerMode            PoolerMode             `yaml:"pooler_mode"`
	PreparedStatements    PreparedStatementsMode `yaml:"prepared_statements"`
	TwoPhaseCommit        bool                   `yaml:"two_phase_commit"`
	RewriteSplitInserts   InsertRewriteMode      `yaml:"rewrite_split_inserts"`
	RewriteShardKeyUpdate ShardKeyRewriteMode    `yaml:"rewrite_shard_key_updates"`
	CrossShardDisabled    bool                   `yaml:"cross_shard_disabled"`
	LoadBalancing         LoadBalancingPolicy    `yaml:"load_balancing"`
	ReadWriteSplit        ReadWriteSplitMode     `yaml:"read_write_split"`
}

// ShardConfig is one shard's primary and replica connection info.
type ShardConfig struct {
	Primary  BackendConfig   `yaml:"primary"`
	Replicas []BackendConfig `yaml:"replicas,omitempty"`
}

// BackendConfig addresses and authenticates against one PostgreSQL
// backend.
type BackendConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"dbname"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Addr returns the "host:port" dial address.
func (b BackendConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// Redacted returns a copy of b with the password masked, for logging.
func (b BackendConfig) Redacted() BackendConfig {
	if b.Password != "" {
		b.Password = "***REDACTED***"
	}
	return b
}

// ShardingConfig is the YAML shape of router.ShardingSchema: which
// tables are sharded (and how), and which are replicated identically to
// every shard.
type ShardingConfig struct {
	Tables      []TableConfig `yaml:"tables"`
	Omnisharded []string      `yaml:"omnisharded,omitempty"`
}

// TableConfig is one sharded table's key column and partition strategy.
type TableConfig struct {
	Name      string          `yaml:"name"`
	Database  string          `yaml:"database,omitempty"`
	Schema    string          `yaml:"schema,omitempty"`
	Column    string          `yaml:"column"`
	DataType  string          `yaml:"data_type"`
	Hasher    string          `yaml:"hasher,omitempty"`
	Partition PartitionConfig `yaml:"partition"`
}

// PartitionConfig is the YAML shape of router.Partition: exactly one of
// its fields is populated depending on Kind.
type PartitionConfig struct {
	Kind      string            `yaml:"kind"`
	Shards    int               `yaml:"shards,omitempty"`
	Mapping   map[string]int    `yaml:"mapping,omitempty"`
	Ranges    []RangeConfig     `yaml:"ranges,omitempty"`
	Probes    int               `yaml:"probes,omitempty"`
	Centroids []CentroidConfig  `yaml:"centroids,omitempty"`
}

type RangeConfig struct {
	Low   int64 `yaml:"low"`
	High  int64 `yaml:"high"`
	Shard int   `yaml:"shard"`
}

type CentroidConfig struct {
	Shard  int       `yaml:"shard"`
	Vector []float64 `yaml:"vector"`
}

// MirrorConfig configures the mirror subsystem's sampling and queueing,
// plus which shards to mirror to.
type MirrorConfig struct {
	Exposure   float64       `yaml:"exposure"`
	QueueDepth int           `yaml:"queue_depth"`
	Shards     []ShardConfig `yaml:"shards"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.PostgresPort == 0 {
		cfg.Listen.PostgresPort = 6432
	}
	if cfg.Listen.AdminPort == 0 {
		cfg.Listen.AdminPort = cfg.Listen.PostgresPort
	}
	if cfg.Listen.AdminDBName == "" {
		cfg.Listen.AdminDBName = "admin"
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Pool.MinConnections == 0 {
		cfg.Pool.MinConnections = 1
	}
	if cfg.Pool.MaxConnections == 0 {
		cfg.Pool.MaxConnections = 20
	}
	if cfg.Pool.CheckoutTimeout == 0 {
		cfg.Pool.CheckoutTimeout = 10 * time.Second
	}
	if cfg.Pool.RollbackTimeout == 0 {
		cfg.Pool.RollbackTimeout = 5 * time.Second
	}
	if cfg.Pool.BanTimeout == 0 {
		cfg.Pool.BanTimeout = 30 * time.Second
	}
	if cfg.Pool.IdleTimeout == 0 {
		cfg.Pool.IdleTimeout = 5 * time.Minute
	}
	if cfg.Pool.MaxLifetime == 0 {
		cfg.Pool.MaxLifetime = 30 * time.Minute
	}
	if cfg.Router.PoolerMode == "" {
		cfg.Router.PoolerMode = PoolerTransaction
	}
	if cfg.Router.PreparedStatements == "" {
		cfg.Router.PreparedStatements = PreparedExtended
	}
	if cfg.Router.RewriteSplitInserts == "" {
		cfg.Router.RewriteSplitInserts = InsertRewrite
	}
	if cfg.Router.RewriteShardKeyUpdate == "" {
		cfg.Router.RewriteShardKeyUpdate = ShardKeyRewrite
	}
	if cfg.Router.LoadBalancing == "" {
		cfg.Router.LoadBalancing = LBRandom
	}
	if cfg.Router.ReadWriteSplit == "" {
		cfg.Router.ReadWriteSplit = SplitExcludePrimary
	}
	if cfg.Mirror != nil && cfg.Mirror.QueueDepth == 0 {
		cfg.Mirror.QueueDepth = 100
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 10 * time.Second
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 3
	}
	if cfg.HealthCheck.ConnectionTimeout == 0 {
		cfg.HealthCheck.ConnectionTimeout = 2 * time.Second
	}
}

func validate(cfg *Config) error {
	if len(cfg.Shards) == 0 {
		return fmt.Errorf("at least one shard is required")
	}
	for i, shard := range cfg.Shards {
		if err := validateBackend(shard.Primary); err != nil {
			return fmt.Errorf("shard %d primary: %w", i, err)
		}
		for j, r := range shard.Replicas {
			if err := validateBackend(r); err != nil {
				return fmt.Errorf("shard %d replica %d: %w", i, j, err)
			}
		}
	}
	for _, t := range cfg.Sharding.Tables {
		if t.Name == "" || t.Column == "" {
			return fmt.Errorf("sharding table entry requires name and column")
		}
	}
	return nil
}

func validateBackend(b BackendConfig) error {
	if b.Host == "" {
		return fmt.Errorf("host is required")
	}
	if b.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if b.Database == "" {
		return fmt.Errorf("dbname is required")
	}
	if b.User == "" {
		return fmt.Errorf("user is required")
	}
	return nil
}

// ToPoolConfig converts the YAML pool defaults into the runtime
// pool.Config, applied identically to every shard's primary and replica
// pools.
func (c *Config) ToPoolConfig() pool.Config {
	return pool.Config{
		Min:             c.Pool.MinConnections,
		Max:             c.Pool.MaxConnections,
		CheckoutTimeout: c.Pool.CheckoutTimeout,
		BanTimeout:      c.Pool.BanTimeout,
		RollbackTimeout: c.Pool.RollbackTimeout,
		IdleTimeout:     c.Pool.IdleTimeout,
		MaxLifetime:     c.Pool.MaxLifetime,
		DiscardAll:      true,
		SyncPrepared:    c.Router.PreparedStatements != PreparedDisabled,
	}
}

// ToBalancer builds the lb.Balancer the router-behavior knobs describe.
func (c *Config) ToBalancer() *lb.Balancer {
	var policy lb.Policy
	switch c.Router.LoadBalancing {
	case LBRoundRobin:
		policy = lb.RoundRobin
	case LBLeastConnections:
		policy = lb.LeastConnections
	default:
		policy = lb.Random
	}
	var split lb.ReadWriteSplit
	switch c.Router.ReadWriteSplit {
	case SplitIncludePrimary:
		split = lb.IncludePrimary
	case SplitIncludePrimaryIfReplicaBanned:
		split = lb.IncludePrimaryIfReplicaBanned
	default:
		split = lb.ExcludePrimary
	}
	return lb.New(policy, split, c.Pool.BanTimeout)
}

// ToRouterConfig converts the YAML router knobs into router.Config.
func (c *Config) ToRouterConfig() router.Config {
	insertMode := router.InsertError
	if c.Router.RewriteSplitInserts == InsertRewrite {
		insertMode = router.InsertRewrite
	}
	shardKeyMode := router.ShardKeyIgnore
	if c.Router.RewriteShardKeyUpdate == ShardKeyRewrite {
		shardKeyMode = router.ShardKeyRewrite
	}
	return router.Config{
		CrossShardDisabled: c.Router.CrossShardDisabled,
		SplitInserts:       insertMode,
		ShardKeyUpdates:    shardKeyMode,
	}
}

// ToEngineConfig converts the YAML router knobs into engine.Config.
func (c *Config) ToEngineConfig() engine.Config {
	return engine.Config{TwoPhaseCommit: c.Router.TwoPhaseCommit}
}

// ToShardingSchema converts the YAML sharding config into the runtime
// router.ShardingSchema.
func (c *Config) ToShardingSchema() router.ShardingSchema {
	tables := make([]router.Table, len(c.Sharding.Tables))
	for i, t := range c.Sharding.Tables {
		tables[i] = t.toTable()
	}
	omni := make(map[string]bool, len(c.Sharding.Omnisharded))
	for _, name := range c.Sharding.Omnisharded {
		omni[name] = true
	}
	return router.ShardingSchema{Shards: len(c.Shards), Tables: tables, Omnisharded: omni}
}

func (t TableConfig) toTable() router.Table {
	dataType := router.TypeVarchar
	switch t.DataType {
	case "bigint", "integer", "int":
		dataType = router.TypeBigInt
	case "uuid":
		dataType = router.TypeUUID
	}
	hasher := router.HasherPostgres
	if t.Hasher == "sha1" {
		hasher = router.HasherSha1
	}
	return router.Table{
		Database:  t.Database,
		Schema:    t.Schema,
		Name:      t.Name,
		Column:    t.Column,
		DataType:  dataType,
		Hasher:    hasher,
		Partition: t.Partition.toPartition(),
	}
}

func (p PartitionConfig) toPartition() router.Partition {
	switch p.Kind {
	case "list":
		return router.Partition{Kind: router.PartitionList, ListMap: p.Mapping}
	case "range":
		ranges := make([]router.RangeBound, len(p.Ranges))
		for i, r := range p.Ranges {
			ranges[i] = router.RangeBound{Low: r.Low, High: r.High, Shard: r.Shard}
		}
		return router.Partition{Kind: router.PartitionRange, Ranges: ranges}
	case "centroids":
		centroids := make([]router.Centroid, len(p.Centroids))
		for i, c := range p.Centroids {
			centroids[i] = router.Centroid{Shard: c.Shard, Vector: c.Vector}
		}
		return router.Partition{Kind: router.PartitionCentroids, Probes: p.Probes, Centroids: centroids}
	default:
		return router.Partition{Kind: router.PartitionHash, Shards: p.Shards}
	}
}

// ToMirrorConfig converts the YAML mirror knobs into mirror.Config. Ok is
// false when no mirror section is configured.
func (c *Config) ToMirrorConfig() (cfg mirror.Config, ok bool) {
	if c.Mirror == nil {
		return mirror.Config{}, false
	}
	return mirror.Config{Exposure: c.Mirror.Exposure, QueueDepth: c.Mirror.QueueDepth}, true
}

// Watcher watches a config file for changes and calls the callback with
// the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:    path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
