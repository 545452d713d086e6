package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wbp "github.com/machinefabric/wbp-go"
	"github.com/machinefabric/wbp-go/logging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wbpd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TEST500: Keys present in the file override defaults, absent keys keep them
func TestLoadConfigFile(t *testing.T) {
	schema := filepath.Join(t.TempDir(), "info.json")
	require.NoError(t, os.WriteFile(schema, []byte(`{"type":"object"}`), 0o600))

	path := writeConfig(t, `
password = "s3cret"
listen = "127.0.0.1:9000"
http_listen = ":8080"
root = "/srv/wbp"
log_format = "Console"
forward_logs = "warn"
ice_servers = ["stun:stun.example.org:3478"]
info_schema_file = "`+schema+`"
queue_depth = 4
max_block_size = 8192
batch_window = "5ms"
hard_reset_grace = "250ms"
`)
	cfg := defaultDaemonConfig()
	require.NoError(t, loadConfigFile(path, &cfg))

	assert.Equal(t, "s3cret", cfg.Session.Password)
	assert.Equal(t, "127.0.0.1:9000", cfg.StreamAddress)
	assert.Equal(t, ":8080", cfg.HTTPAddress)
	assert.Equal(t, "/srv/wbp", cfg.Root)
	assert.Equal(t, logging.FormatConsole, cfg.Log.Format)
	assert.Equal(t, "warn", cfg.ForwardLogs)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.ICEServers)
	assert.Equal(t, `{"type":"object"}`, cfg.InfoSchema)
	assert.Equal(t, 4, cfg.Session.QueueDepth)
	assert.Equal(t, 8192, cfg.Session.MaxBlockSize)
	assert.Equal(t, 5*time.Millisecond, cfg.Session.BatchWindow)
	assert.Equal(t, 250*time.Millisecond, cfg.Session.HardResetGrace)

	defaults := wbp.DefaultConfig()
	assert.Equal(t, defaults.DrainWait, cfg.Session.DrainWait)
	assert.Equal(t, defaults.OutputRingSize, cfg.Session.OutputRingSize)
	assert.Equal(t, "info", cfg.Log.Level)
}

// TEST501: Unknown keys, bad durations and missing files are rejected
func TestLoadConfigFileErrors(t *testing.T) {
	cfg := defaultDaemonConfig()

	err := loadConfigFile(writeConfig(t, `pasword = "typo"`), &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pasword")

	err = loadConfigFile(writeConfig(t, `drain_wait = "soon"`), &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain_wait")

	err = loadConfigFile(writeConfig(t, `info_schema_file = "/nonexistent/schema.json"`), &cfg)
	require.Error(t, err)

	err = loadConfigFile(filepath.Join(t.TempDir(), "missing.toml"), &cfg)
	require.Error(t, err)
}

// TEST502: Flags beat the file and the environment only fills a missing password
func TestParseFlagsPrecedence(t *testing.T) {
	t.Setenv(EnvPassword, "from-env")
	t.Setenv(logging.EnvLogLevel, "")
	t.Setenv(logging.EnvLogFormat, "")
	path := writeConfig(t, "listen = \":7000\"\nlog_level = \"debug\"\n")

	cfg, exit, err := parseFlags([]string{"--config", path, "--listen", ":7100"})
	require.NoError(t, err)
	assert.False(t, exit)
	assert.Equal(t, ":7100", cfg.StreamAddress)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "from-env", cfg.Session.Password)

	cfg, _, err = parseFlags([]string{"--password", "flag"})
	require.NoError(t, err)
	assert.Equal(t, "flag", cfg.Session.Password)
	assert.Equal(t, ":8266", cfg.StreamAddress)

	_, _, err = parseFlags([]string{"extra"})
	assert.Error(t, err)

	_, exit, err = parseFlags([]string{"--version"})
	require.NoError(t, err)
	assert.True(t, exit)
}

// TEST503: Log forwarding can be switched off and rejects unknown levels
func TestDaemonLogger(t *testing.T) {
	cfg := wbp.DefaultConfig()
	cfg.Password = "pw"
	s, err := wbp.NewSession(wbp.Options{Config: cfg})
	require.NoError(t, err)
	defer s.Close()

	core, err := logging.Core(logging.Config{Level: "info", Format: logging.FormatJSON, Output: os.Stderr})
	require.NoError(t, err)

	log, err := daemonLogger(core, s, "off")
	require.NoError(t, err)
	assert.Equal(t, "wbpd", log.Name())

	_, err = daemonLogger(core, s, "info")
	require.NoError(t, err)

	_, err = daemonLogger(core, s, "loud")
	assert.Error(t, err)
}

// TEST504: The INFO document is valid JSON naming the daemon
func TestDeviceInfo(t *testing.T) {
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(deviceInfo(defaultDaemonConfig())), &doc))
	assert.Equal(t, "wbpd", doc["name"])
	assert.Equal(t, version, doc["version"])
	assert.EqualValues(t, wbp.DefaultConfig().DefaultBlockSize, doc["block_size"])
}

// TEST505: The offer endpoint only accepts POST and rejects a bad SDP
func TestOfferHandler(t *testing.T) {
	cfg := wbp.DefaultConfig()
	cfg.Password = "pw"
	s, err := wbp.NewSession(wbp.Options{Config: cfg})
	require.NoError(t, err)
	defer s.Close()

	peers := &peerSet{}
	defer peers.closeAll()
	h := offerHandler(s, nil, peers, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webrtc/offer", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webrtc/offer", strings.NewReader("not an sdp")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, peers.len())
}

// TEST506: Peer connections leave the set once closed, including ones closed before add
func TestPeerSetRelease(t *testing.T) {
	peers := &peerSet{}

	live, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	live.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateClosed {
			peers.remove(live)
		}
	})
	peers.add(live)
	assert.Equal(t, 1, peers.len())

	require.NoError(t, live.Close())
	require.Eventually(t, func() bool { return peers.len() == 0 }, time.Second, time.Millisecond)

	early, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	require.NoError(t, early.Close())
	peers.add(early)
	assert.Zero(t, peers.len())

	kept, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	peers.add(kept)
	peers.closeAll()
	assert.Zero(t, peers.len())
	assert.Equal(t, webrtc.PeerConnectionStateClosed, kept.ConnectionState())
}
