package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/yodablocks/bitchat/internal/debuglog"
	"github.com/yodablocks/bitchat/internal/fragment"
	"github.com/yodablocks/bitchat/internal/gossip"
	"github.com/yodablocks/bitchat/internal/relay"
	"github.com/yodablocks/bitchat/internal/session"
)

const (
	DefaultListen       = "127.0.0.1:4850"
	DefaultNickname     = "anon"
	DefaultSyncInterval = 30 * time.Second
	homeDirName         = ".meshd"
	maxNicknameLen      = 64
)

var ErrInvalid = errors.New("config: invalid")

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Home        string   `toml:"home"`
	Nickname    string   `toml:"nickname"`
	Listen      string   `toml:"listen"`
	Peers       []string `toml:"peers"`
	MetricsAddr string   `toml:"metrics_addr"`
	PprofAddr   string   `toml:"pprof_addr"`

	Relay    RelayConfig    `toml:"relay"`
	Fragment FragmentConfig `toml:"fragment"`
	Gossip   GossipConfig   `toml:"gossip"`
	Session  SessionConfig  `toml:"session"`
	Log      LogConfig      `toml:"log"`
}

type RelayConfig struct {
	HighDegreeThreshold int `toml:"high_degree_threshold"`
}

type FragmentConfig struct {
	ChunkSize   int      `toml:"chunk_size"`
	Timeout     Duration `toml:"timeout"`
	MaxSessions int      `toml:"max_sessions"`
}

type GossipConfig struct {
	Capacity       int      `toml:"capacity"`
	MaxFilterBytes int      `toml:"max_filter_bytes"`
	TargetFPR      float64  `toml:"target_fpr"`
	Interval       Duration `toml:"interval"`
	ResponseRate   Duration `toml:"response_rate"`
	ResponseBurst  int      `toml:"response_burst"`
}

type SessionConfig struct {
	RekeyAfter          Duration `toml:"rekey_after"`
	RekeyMessages       uint64   `toml:"rekey_messages"`
	HandshakeRetry      Duration `toml:"handshake_retry"`
	HandshakeMaxRetries int      `toml:"handshake_max_retries"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

func DefaultHome() string {
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return filepath.Join(h, homeDirName)
	}
	return homeDirName
}

func Default() Config {
	return Config{
		Home:     DefaultHome(),
		Nickname: DefaultNickname,
		Listen:   DefaultListen,
		Relay:    RelayConfig{HighDegreeThreshold: relay.DefaultHighDegreeThreshold},
		Fragment: FragmentConfig{
			ChunkSize:   fragment.DefaultChunkSize,
			Timeout:     Duration{fragment.DefaultTimeout},
			MaxSessions: fragment.DefaultMaxSessions,
		},
		Gossip: GossipConfig{
			Capacity:       gossip.DefaultCapacity,
			MaxFilterBytes: gossip.DefaultMaxFilterBytes,
			TargetFPR:      gossip.DefaultTargetFPR,
			Interval:       Duration{DefaultSyncInterval},
			ResponseRate:   Duration{gossip.DefaultResponseEvery},
			ResponseBurst:  gossip.DefaultResponseBurst,
		},
		Session: SessionConfig{
			RekeyAfter:          Duration{session.DefaultRekeyAfter},
			RekeyMessages:       session.DefaultRekeyMessages,
			HandshakeRetry:      Duration{session.DefaultHandshakeRetry},
			HandshakeMaxRetries: session.DefaultMaxRetries,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults, then applies MESH_* env overrides and
// validates. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults without touching the environment.
func Parse(text string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(text, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("MESH_HOME")); v != "" {
		c.Home = v
	}
	if v := strings.TrimSpace(os.Getenv("MESH_NICKNAME")); v != "" {
		c.Nickname = v
	}
	if v := strings.TrimSpace(os.Getenv("MESH_LISTEN")); v != "" {
		c.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("MESH_PEERS")); v != "" {
		c.Peers = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("MESH_METRICS_ADDR")); v != "" {
		c.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("MESH_PPROF_ADDR")); v != "" {
		c.PprofAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("MESH_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	if v, ok := envInt("MESH_HIGH_DEGREE_THRESHOLD"); ok && v > 0 {
		c.Relay.HighDegreeThreshold = v
	}
	if v, ok := envInt("MESH_FRAGMENT_CHUNK_SIZE"); ok && v > 0 {
		c.Fragment.ChunkSize = v
	}
	if v, ok := envInt("MESH_FRAGMENT_MAX_SESSIONS"); ok && v > 0 {
		c.Fragment.MaxSessions = v
	}
	if v, ok := envInt("MESH_GOSSIP_CAPACITY"); ok && v > 0 {
		c.Gossip.Capacity = v
	}
	if v, ok := envInt("MESH_GOSSIP_MAX_FILTER_BYTES"); ok && v > 0 {
		c.Gossip.MaxFilterBytes = v
	}
	if v, ok := envDuration("MESH_GOSSIP_INTERVAL"); ok && v > 0 {
		c.Gossip.Interval = Duration{v}
	}
	if v, ok := envDuration("MESH_REKEY_AFTER"); ok && v > 0 {
		c.Session.RekeyAfter = Duration{v}
	}
	if v, ok := envInt("MESH_HANDSHAKE_MAX_RETRIES"); ok && v >= 0 {
		c.Session.HandshakeMaxRetries = v
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Home) == "" {
		return fmt.Errorf("%w: home is required", ErrInvalid)
	}
	if len(c.Nickname) > maxNicknameLen {
		return fmt.Errorf("%w: nickname longer than %d bytes", ErrInvalid, maxNicknameLen)
	}
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("%w: listen address is required", ErrInvalid)
	}
	if c.Relay.HighDegreeThreshold <= 0 {
		return fmt.Errorf("%w: relay.high_degree_threshold must be positive", ErrInvalid)
	}
	if c.Fragment.ChunkSize <= 0 {
		return fmt.Errorf("%w: fragment.chunk_size must be positive", ErrInvalid)
	}
	if c.Fragment.Timeout.Duration <= 0 || c.Fragment.MaxSessions <= 0 {
		return fmt.Errorf("%w: fragment timeout and max_sessions must be positive", ErrInvalid)
	}
	if c.Gossip.Capacity <= 0 || c.Gossip.MaxFilterBytes <= 0 {
		return fmt.Errorf("%w: gossip capacity and max_filter_bytes must be positive", ErrInvalid)
	}
	if !(c.Gossip.TargetFPR > 0 && c.Gossip.TargetFPR < 1) {
		return fmt.Errorf("%w: gossip.target_fpr must be in (0,1)", ErrInvalid)
	}
	if c.Gossip.Interval.Duration <= 0 || c.Gossip.ResponseRate.Duration <= 0 || c.Gossip.ResponseBurst <= 0 {
		return fmt.Errorf("%w: gossip interval, response_rate and response_burst must be positive", ErrInvalid)
	}
	if c.Session.RekeyAfter.Duration <= 0 || c.Session.HandshakeRetry.Duration <= 0 {
		return fmt.Errorf("%w: session durations must be positive", ErrInvalid)
	}
	if c.Session.HandshakeMaxRetries < 0 {
		return fmt.Errorf("%w: session.handshake_max_retries must not be negative", ErrInvalid)
	}
	if _, err := debuglog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Encode renders c as TOML, printed by `meshd config`.
func (c Config) Encode() (string, error) {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(c); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return d, true
}
