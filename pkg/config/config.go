package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration of one node
type Config struct {
	NodeID       string `yaml:"node_id"`
	Tier         string `yaml:"tier"`
	ReplicasetID string `yaml:"replicaset_id"`
	DataDir      string `yaml:"data_dir"`
	PluginDir    string `yaml:"plugin_dir"`

	// Bootstrap starts a new single-node raft cluster when no state exists
	Bootstrap bool `yaml:"bootstrap"`

	// JoinToken is accepted from joining nodes and presented when joining
	JoinToken string `yaml:"join_token"`

	Raft     RaftConfig     `yaml:"raft"`
	RPC      RPCConfig      `yaml:"rpc"`
	HTTP     HTTPConfig     `yaml:"http"`
	Peers    []Peer         `yaml:"peers"`
	Tiers    []TierConfig   `yaml:"tiers"`
	SQL      SQLConfig      `yaml:"sql"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Log      LogConfig      `yaml:"log"`
}

// RaftConfig configures the replicated log
type RaftConfig struct {
	BindAddr     string        `yaml:"bind_addr"`
	ApplyTimeout time.Duration `yaml:"apply_timeout"`
}

// RPCConfig configures the node-to-node transport
type RPCConfig struct {
	BindAddr      string        `yaml:"bind_addr"`
	AdvertiseAddr string        `yaml:"advertise_addr"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
}

// HTTPConfig configures the metrics and status server. Empty disables it.
type HTTPConfig struct {
	BindAddr string `yaml:"bind_addr"`
}

// Peer is a known cluster member used to join the cluster
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// TierConfig declares a tier and its bucket count
type TierConfig struct {
	Name        string `yaml:"name"`
	BucketCount uint64 `yaml:"bucket_count"`
}

// SQLConfig selects the migration executor
type SQLConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "pgx"
	DSN    string `yaml:"dsn"`
}

// TimeoutsConfig bounds lifecycle and liveness timing
type TimeoutsConfig struct {
	OnStart           time.Duration `yaml:"on_start"`
	Callback          time.Duration `yaml:"callback"`
	JobGrace          time.Duration `yaml:"job_grace"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	OfflineAfter      time.Duration `yaml:"offline_after"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a configuration with every optional field filled
func Default() *Config {
	return &Config{
		Tier:      "default",
		DataDir:   "./data",
		PluginDir: "./plugins",
		Raft: RaftConfig{
			BindAddr:     "127.0.0.1:7946",
			ApplyTimeout: 5 * time.Second,
		},
		RPC: RPCConfig{
			BindAddr:    "127.0.0.1:7947",
			CallTimeout: 10 * time.Second,
		},
		SQL: SQLConfig{
			Driver: "sqlite",
		},
		Timeouts: TimeoutsConfig{
			OnStart:           10 * time.Second,
			Callback:          10 * time.Second,
			JobGrace:          5 * time.Second,
			Heartbeat:         time.Second,
			OfflineAfter:      5 * time.Second,
			ReconcileInterval: 2 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("node_id is required"))
	}
	if c.Tier == "" {
		errs = append(errs, errors.New("tier is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.RPC.BindAddr == "" {
		errs = append(errs, errors.New("rpc.bind_addr is required"))
	}
	switch c.SQL.Driver {
	case "sqlite", "pgx":
	default:
		errs = append(errs, fmt.Errorf("sql.driver must be sqlite or pgx, got %q", c.SQL.Driver))
	}
	if c.SQL.Driver == "pgx" && c.SQL.DSN == "" {
		errs = append(errs, errors.New("sql.dsn is required for the pgx driver"))
	}
	if !c.Bootstrap && len(c.Peers) == 0 {
		errs = append(errs, errors.New("peers are required unless bootstrap is set"))
	}
	for i, p := range c.Peers {
		if p.ID == "" || p.Address == "" {
			errs = append(errs, fmt.Errorf("peers[%d] needs id and address", i))
		}
	}
	for i, t := range c.Tiers {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("tiers[%d] needs a name", i))
		}
	}
	if c.Timeouts.OfflineAfter <= c.Timeouts.Heartbeat {
		errs = append(errs, errors.New("timeouts.offline_after must exceed timeouts.heartbeat"))
	}
	return errors.Join(errs...)
}

// AdvertiseAddr returns the transport address other nodes should dial
func (c *Config) AdvertiseAddr() string {
	if c.RPC.AdvertiseAddr != "" {
		return c.RPC.AdvertiseAddr
	}
	return c.RPC.BindAddr
}

// SQLDSN returns the executor DSN, defaulting sqlite to a file in DataDir
func (c *Config) SQLDSN() string {
	if c.SQL.DSN != "" || c.SQL.Driver != "sqlite" {
		return c.SQL.DSN
	}
	return "file:" + c.DataDir + "/sql.db?_pragma=busy_timeout(5000)"
}
