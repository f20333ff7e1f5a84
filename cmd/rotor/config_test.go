package main

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
log:
  level: debug
  path: /tmp/rot.jsonl
  max-bytes: 4096
rotation:
  base-interval: 10s
  jitter-max: 2s
  history-size: 4
index:
  retain: 50
console: false
`

func parseArgs(t *testing.T, args ...string) (*CLI, string) {
	t.Helper()

	var cli CLI

	parser, err := kong.New(&cli,
		kong.Name("rotor"),
		kong.Configuration(loadYAML),
		kong.Exit(func(int) { t.Fatal("unexpected exit") }),
	)
	require.NoError(t, err)

	kctx, err := parser.Parse(args)
	require.NoError(t, err)

	return &cli, kctx.Command()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rotor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestDefaults(t *testing.T) {
	cli, cmd := parseArgs(t, "sim")

	assert.Equal(t, "sim", cmd)
	assert.Equal(t, "info", cli.LogLevel)

	rt := cli.Sim.Runtime
	assert.Equal(t, 30*time.Second, rt.Rotation.BaseInterval)
	assert.Equal(t, 3*time.Second, rt.Rotation.JitterMax)
	assert.Equal(t, 8, rt.Rotation.HistorySize)
	assert.Equal(t, 300*time.Millisecond, rt.Rotation.AttemptTimeout)
	assert.Equal(t, "rotation.jsonl", rt.Log.Path)
	assert.True(t, rt.Log.Archive)
	assert.True(t, rt.Console)
	assert.Empty(t, rt.Index.Path)
	assert.Equal(t, 4, cli.Sim.Connections)
	assert.True(t, cli.Sim.Replenish)
}

func TestConfigFile(t *testing.T) {
	path := writeConfig(t, testConfig)

	cli, _ := parseArgs(t, "--config", path, "sim")

	assert.Equal(t, "debug", cli.LogLevel)

	rt := cli.Sim.Runtime
	assert.Equal(t, 10*time.Second, rt.Rotation.BaseInterval)
	assert.Equal(t, 2*time.Second, rt.Rotation.JitterMax)
	assert.Equal(t, 4, rt.Rotation.HistorySize)
	assert.Equal(t, "/tmp/rot.jsonl", rt.Log.Path)
	assert.Equal(t, int64(4096), rt.Log.MaxBytes)
	assert.Equal(t, 50, rt.Index.Retain)
	assert.False(t, rt.Console)
}

func TestFlagsOverrideConfig(t *testing.T) {
	path := writeConfig(t, testConfig)

	cli, _ := parseArgs(t, "--config", path, "sim", "--rotation-base-interval", "1m", "--console")

	rt := cli.Sim.Runtime
	assert.Equal(t, time.Minute, rt.Rotation.BaseInterval)
	assert.Equal(t, 2*time.Second, rt.Rotation.JitterMax)
	assert.True(t, rt.Console)
}

func TestConfigForDial(t *testing.T) {
	path := writeConfig(t, "quic:\n  target: 127.0.0.1:4433\n  interval: 250ms\n")

	cli, cmd := parseArgs(t, "--config", path, "dial")

	assert.Equal(t, "dial", cmd)
	assert.Equal(t, "127.0.0.1:4433", cli.Dial.Target)
	assert.Equal(t, 250*time.Millisecond, cli.Dial.Interval)
}

func TestLoadYAMLRejectsGarbage(t *testing.T) {
	_, err := loadYAML(strings.NewReader("rotation: [unclosed"))
	assert.Error(t, err)

	_, err = loadYAML(strings.NewReader(""))
	assert.NoError(t, err)
}

func TestFlatten(t *testing.T) {
	out := make(map[string]string)
	flatten("", map[string]any{
		"http": ":8080",
		"log": map[string]any{
			"archive": false,
			"nested":  map[string]any{"deep": 3},
		},
		"empty": nil,
	}, out)

	assert.Equal(t, map[string]string{
		"http":            ":8080",
		"log-archive":     "false",
		"log-nested-deep": "3",
	}, out)
}

func TestPolicy(t *testing.T) {
	cfg := rotationFlags{
		BaseInterval:   time.Second,
		JitterMin:      -100 * time.Millisecond,
		JitterMax:      100 * time.Millisecond,
		HistorySize:    2,
		AttemptTimeout: time.Second,
	}.policy("client")

	assert.Equal(t, "client", cfg.Role)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOrGenerateKey(t *testing.T) {
	key, err := loadOrGenerateKey("")
	require.NoError(t, err)
	assert.Nil(t, key)

	path := filepath.Join(t.TempDir(), "node.key")

	key, err = loadOrGenerateKey(path)
	require.NoError(t, err)
	require.Len(t, key, ed25519.PrivateKeySize)

	again, err := loadOrGenerateKey(path)
	require.NoError(t, err)
	assert.Equal(t, key, again)

	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))
	_, err = loadOrGenerateKey(path)
	assert.Error(t, err)
}

func TestCtlArgs(t *testing.T) {
	cli, cmd := parseArgs(t, "ctl", "--api", "10.0.0.1:9090", "history", "01ab", "-n", "3")

	assert.Equal(t, "ctl <action> <id>", cmd)
	assert.Equal(t, "10.0.0.1:9090", cli.Ctl.API)
	assert.Equal(t, "history", cli.Ctl.Action)
	assert.Equal(t, "01ab", cli.Ctl.ID)
	assert.Equal(t, 3, cli.Ctl.N)
}
