package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	wbp "github.com/machinefabric/wbp-go"
	"github.com/machinefabric/wbp-go/logging"
)

// EnvPassword supplies the AUTH password when neither the file nor the
// flags do.
const EnvPassword = "WBP_PASSWORD"

// fileConfig mirrors the TOML file. Durations are strings such as "20ms".
type fileConfig struct {
	Password       string   `toml:"password"`
	Listen         string   `toml:"listen"`
	HTTPListen     string   `toml:"http_listen"`
	Root           string   `toml:"root"`
	LogLevel       string   `toml:"log_level"`
	LogFormat      string   `toml:"log_format"`
	ForwardLogs    string   `toml:"forward_logs"`
	InfoSchemaFile string   `toml:"info_schema_file"`
	ICEServers     []string `toml:"ice_servers"`

	OutputRingSize   int    `toml:"output_ring_size"`
	StdinRingSize    int    `toml:"stdin_ring_size"`
	QueueDepth       int    `toml:"queue_depth"`
	DrainChunkSize   int    `toml:"drain_chunk_size"`
	DrainWait        string `toml:"drain_wait"`
	BatchWindow      string `toml:"batch_window"`
	DefaultBlockSize int    `toml:"default_block_size"`
	MaxBlockSize     int    `toml:"max_block_size"`
	HardResetGrace   string `toml:"hard_reset_grace"`
	PollInterval     string `toml:"poll_interval"`
}

// daemonConfig is everything wbpd needs to start
type daemonConfig struct {
	Session wbp.Config
	Log     logging.Config

	// StreamAddress serves length-prefixed TCP; empty disables it
	StreamAddress string
	// HTTPAddress serves /ws and /webrtc/offer; empty disables it
	HTTPAddress string
	// Root confines file transfers; empty uses host paths
	Root string
	// ForwardLogs is the lowest level streamed to the client as LOG events
	ForwardLogs string
	InfoSchema  string
	ICEServers  []string
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Session:       wbp.DefaultConfig(),
		Log:           logging.DefaultConfig(),
		StreamAddress: ":8266",
		ForwardLogs:   "info",
	}
}

// loadConfigFile applies the settings present in the TOML file at path
func loadConfigFile(path string, cfg *daemonConfig) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load wbpd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load wbpd config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("password") {
		cfg.Session.Password = raw.Password
	}
	if meta.IsDefined("listen") {
		cfg.StreamAddress = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("http_listen") {
		cfg.HTTPAddress = strings.TrimSpace(raw.HTTPListen)
	}
	if meta.IsDefined("root") {
		cfg.Root = strings.TrimSpace(raw.Root)
	}
	if meta.IsDefined("log_level") {
		cfg.Log.Level = raw.LogLevel
	}
	if meta.IsDefined("log_format") {
		cfg.Log.Format = logging.Format(strings.ToLower(strings.TrimSpace(raw.LogFormat)))
	}
	if meta.IsDefined("forward_logs") {
		cfg.ForwardLogs = raw.ForwardLogs
	}
	if meta.IsDefined("ice_servers") {
		cfg.ICEServers = raw.ICEServers
	}
	if meta.IsDefined("info_schema_file") {
		schema, err := os.ReadFile(raw.InfoSchemaFile)
		if err != nil {
			return fmt.Errorf("read info schema: %w", err)
		}
		cfg.InfoSchema = string(schema)
	}

	if meta.IsDefined("output_ring_size") {
		cfg.Session.OutputRingSize = raw.OutputRingSize
	}
	if meta.IsDefined("stdin_ring_size") {
		cfg.Session.StdinRingSize = raw.StdinRingSize
	}
	if meta.IsDefined("queue_depth") {
		cfg.Session.QueueDepth = raw.QueueDepth
	}
	if meta.IsDefined("drain_chunk_size") {
		cfg.Session.DrainChunkSize = raw.DrainChunkSize
	}
	if meta.IsDefined("default_block_size") {
		cfg.Session.DefaultBlockSize = raw.DefaultBlockSize
	}
	if meta.IsDefined("max_block_size") {
		cfg.Session.MaxBlockSize = raw.MaxBlockSize
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"drain_wait", raw.DrainWait, &cfg.Session.DrainWait},
		{"batch_window", raw.BatchWindow, &cfg.Session.BatchWindow},
		{"hard_reset_grace", raw.HardResetGrace, &cfg.Session.HardResetGrace},
		{"poll_interval", raw.PollInterval, &cfg.Session.PollInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}
