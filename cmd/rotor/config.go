package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"

	"QuicRotor/internal/rotation"
)

// rotationFlags configures the rotation policy.
type rotationFlags struct {
	BaseInterval   time.Duration `default:"30s" help:"Base delay between rotation attempts."`
	JitterMin      time.Duration `default:"0s" help:"Lower jitter bound added to the base delay."`
	JitterMax      time.Duration `default:"3s" help:"Upper jitter bound added to the base delay."`
	HistorySize    int           `default:"8" help:"Number of recent identifiers excluded from reuse."`
	AttemptTimeout time.Duration `default:"300ms" help:"Timeout of one identifier switch."`
}

// logFlags configures the rotation log.
type logFlags struct {
	Path     string `default:"rotation.jsonl" help:"Rotation log file (JSON lines)."`
	MaxBytes int64  `default:"0" help:"Roll the log over past this size, 0 disables rollover."`
	Archive  bool   `default:"true" negatable:"" help:"Compress rolled segments with zstd."`
	Mirror   bool   `help:"Mirror rotation events into the operational log."`
}

// indexFlags configures the event index.
type indexFlags struct {
	Path   string `help:"Pebble directory for the event index, in memory when empty."`
	Retain int    `default:"1000" help:"Events kept per connection, 0 keeps all."`
}

// runtimeFlags are shared by the commands that run a scheduler.
type runtimeFlags struct {
	Rotation rotationFlags `embed:"" prefix:"rotation-"`
	Log      logFlags      `embed:"" prefix:"log-"`
	Index    indexFlags    `embed:"" prefix:"index-"`
	HTTP     string        `name:"http" help:"HTTP API address, disabled when empty."`
	Console  bool          `default:"true" negatable:"" help:"Run the interactive console on stdin."`
}

// policy converts the flags to a rotation config.
func (f rotationFlags) policy(role string) rotation.Config {
	return rotation.Config{
		BaseInterval:   f.BaseInterval,
		JitterMin:      f.JitterMin,
		JitterMax:      f.JitterMax,
		HistorySize:    f.HistorySize,
		AttemptTimeout: f.AttemptTimeout,
		Role:           role,
	}
}

// loadYAML is a kong configuration loader for YAML files. Nested keys are
// joined with "-" so that
//
//	rotation:
//	  base-interval: 10s
//
// sets --rotation-base-interval. Explicit flags take precedence.
func loadYAML(r io.Reader) (kong.Resolver, error) {
	var doc map[string]any

	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode config:\n%w", err)
	}

	values := make(map[string]string)
	flatten("", doc, values)

	var f kong.ResolverFunc = func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		v, ok := values[flag.Name]
		if !ok {
			return nil, nil
		}

		return v, nil
	}

	return f, nil
}

// flatten collects scalar leaves of m into out keyed by their dashed path.
func flatten(prefix string, m map[string]any, out map[string]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "-" + k
		}

		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case nil:
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

// loadOrGenerateKey loads the certificate key from file, creating it when
// missing. An empty path yields an ephemeral key.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return nil, nil
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
