package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultClusterID       = 42
	DefaultNumPeersToUse   = 3
	DefaultPeerWaitTimeout = 30 * time.Second
	DefaultNameTTL         = 24 * time.Hour
	DefaultNameTimeout     = 10 * time.Second
	DefaultRPCURL          = "https://eth.llamarpc.com"
	DefaultENSRegistry     = "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e"
	DefaultMaxHops         = 3
	DefaultRetentionCron   = "0 3 * * *"
	DefaultRetentionPeriod = 7 * 24 * time.Hour
)

// Duration parses "30s" style strings or plain numbers of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return td, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

type Network struct {
	ClusterID       uint32   `yaml:"cluster_id"`
	Shards          []uint32 `yaml:"shards"`
	BootstrapPeers  []string `yaml:"bootstrap_peers"`
	NumPeersToUse   int      `yaml:"num_peers_to_use"`
	PeerWaitTimeout Duration `yaml:"peer_wait_timeout"`
	DevTLS          bool     `yaml:"dev_tls"`
	DevTLSCAPath    string   `yaml:"dev_tls_ca_path"`
}

type Channel struct {
	AppID         string `yaml:"app_id"`
	Origin        string `yaml:"origin"`
	EncryptionKey string `yaml:"encryption_key"`
	Ephemeral     bool   `yaml:"ephemeral"`
}

type Names struct {
	RPCURL   string   `yaml:"rpc_url"`
	Registry string   `yaml:"registry"`
	TTL      Duration `yaml:"ttl"`
	Timeout  Duration `yaml:"timeout"`
}

type Storage struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	RedisURL string `yaml:"redis_url"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type Retention struct {
	Enabled bool     `yaml:"enabled"`
	Cron    string   `yaml:"cron"`
	Period  Duration `yaml:"period"`
}

type Node struct {
	Listen     string    `yaml:"listen"`
	HTTPAddr   string    `yaml:"http_addr"`
	RelayPeers []string  `yaml:"relay_peers"`
	MaxHops    int       `yaml:"max_hops"`
	RateLimit  RateLimit `yaml:"rate_limit"`
	Retention  Retention `yaml:"retention"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Network Network `yaml:"network"`
	Channel Channel `yaml:"channel"`
	Names   Names   `yaml:"names"`
	Storage Storage `yaml:"storage"`
	Node    Node    `yaml:"node"`
	Logging Logging `yaml:"logging"`
}

func HomeDir() string {
	if v := strings.TrimSpace(os.Getenv("TROLLBOX_HOME")); v != "" {
		return v
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".trollbox")
}

func Default() Config {
	return Config{
		Network: Network{
			ClusterID:       DefaultClusterID,
			Shards:          []uint32{0},
			NumPeersToUse:   DefaultNumPeersToUse,
			PeerWaitTimeout: Duration(DefaultPeerWaitTimeout),
		},
		Names: Names{
			RPCURL:   DefaultRPCURL,
			Registry: DefaultENSRegistry,
			TTL:      Duration(DefaultNameTTL),
			Timeout:  Duration(DefaultNameTimeout),
		},
		Storage: Storage{
			Driver: "pebble",
			Path:   filepath.Join(HomeDir(), "db"),
		},
		Node: Node{
			MaxHops:   DefaultMaxHops,
			RateLimit: RateLimit{RPS: 20, Burst: 40},
			Retention: Retention{
				Cron:   DefaultRetentionCron,
				Period: Duration(DefaultRetentionPeriod),
			},
		},
		Logging: Logging{Level: "info", Format: "console"},
	}
}

// Load reads .env (if present), then the YAML file at path (if non-empty),
// then TROLLBOX_* overrides.
func Load(path string) (Config, error) {
	_ = godotenv.Load(".env")
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := envString("TROLLBOX_APP_ID"); ok {
		cfg.Channel.AppID = v
	}
	if v, ok := envString("TROLLBOX_ORIGIN"); ok {
		cfg.Channel.Origin = v
	}
	if v, ok := envString("TROLLBOX_ENCRYPTION_KEY"); ok {
		cfg.Channel.EncryptionKey = v
	}
	if v, ok := envString("TROLLBOX_EPHEMERAL"); ok {
		cfg.Channel.Ephemeral = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := envString("TROLLBOX_BOOTSTRAP_PEERS"); ok {
		cfg.Network.BootstrapPeers = splitList(v)
	}
	if v, ok := envInt("TROLLBOX_NUM_PEERS"); ok {
		cfg.Network.NumPeersToUse = v
	}
	if v, ok := envString("TROLLBOX_PEER_WAIT_TIMEOUT"); ok {
		d, err := parseDuration(v)
		if err != nil {
			return err
		}
		cfg.Network.PeerWaitTimeout = Duration(d)
	}
	if v, ok := envString("TROLLBOX_DEVTLS"); ok {
		cfg.Network.DevTLS = v == "1"
	}
	if v, ok := envString("TROLLBOX_RPC_URL"); ok {
		cfg.Names.RPCURL = v
	}
	if v, ok := envString("TROLLBOX_STORAGE_DRIVER"); ok {
		cfg.Storage.Driver = v
	}
	if v, ok := envString("TROLLBOX_STORAGE_PATH"); ok {
		cfg.Storage.Path = v
	}
	if v, ok := envString("TROLLBOX_REDIS_URL"); ok {
		cfg.Storage.RedisURL = v
	}
	if v, ok := envString("TROLLBOX_LISTEN"); ok {
		cfg.Node.Listen = v
	}
	if v, ok := envString("TROLLBOX_HTTP_ADDR"); ok {
		cfg.Node.HTTPAddr = v
	}
	if v, ok := envString("TROLLBOX_RELAY_PEERS"); ok {
		cfg.Node.RelayPeers = splitList(v)
	}
	if v, ok := envString("TROLLBOX_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := envString("TROLLBOX_LOG_FORMAT"); ok {
		cfg.Logging.Format = v
	}
	return nil
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.Network.ClusterID == 0 {
		c.Network.ClusterID = d.Network.ClusterID
	}
	if len(c.Network.Shards) == 0 {
		c.Network.Shards = d.Network.Shards
	}
	if c.Network.NumPeersToUse <= 0 {
		c.Network.NumPeersToUse = d.Network.NumPeersToUse
	}
	if c.Network.PeerWaitTimeout <= 0 {
		c.Network.PeerWaitTimeout = d.Network.PeerWaitTimeout
	}
	if c.Names.RPCURL == "" {
		c.Names.RPCURL = d.Names.RPCURL
	}
	if c.Names.Registry == "" {
		c.Names.Registry = d.Names.Registry
	}
	if c.Names.TTL <= 0 {
		c.Names.TTL = d.Names.TTL
	}
	if c.Names.Timeout <= 0 {
		c.Names.Timeout = d.Names.Timeout
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = d.Storage.Driver
	}
	if c.Storage.Path == "" {
		c.Storage.Path = d.Storage.Path
	}
	if c.Node.MaxHops <= 0 {
		c.Node.MaxHops = d.Node.MaxHops
	}
	if c.Node.RateLimit.RPS <= 0 {
		c.Node.RateLimit.RPS = d.Node.RateLimit.RPS
	}
	if c.Node.RateLimit.Burst <= 0 {
		c.Node.RateLimit.Burst = d.Node.RateLimit.Burst
	}
	if c.Node.Retention.Cron == "" {
		c.Node.Retention.Cron = d.Node.Retention.Cron
	}
	if c.Node.Retention.Period <= 0 {
		c.Node.Retention.Period = d.Node.Retention.Period
	}
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "pebble", "memory":
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redis_url required for redis driver")
		}
	default:
		return fmt.Errorf("unknown storage driver: %s", c.Storage.Driver)
	}
	if c.Node.Retention.Enabled && !gronx.IsValid(c.Node.Retention.Cron) {
		return fmt.Errorf("invalid retention cron expression: %s", c.Node.Retention.Cron)
	}
	return nil
}

func envString(key string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return "", false
	}
	return raw, true
}

func envInt(key string) (int, bool) {
	raw, ok := envString(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
