package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vincentbai/sessiontrace/internal/capture"
)

// LoadCapture reads a capture engine config from a YAML file, then applies
// SESSIONTRACE_API_URL and SESSIONTRACE_SDK_KEY. An empty path skips the
// file. Unknown keys are rejected.
func LoadCapture(path string) (capture.Config, error) {
	cfg := capture.DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return capture.Config{}, fmt.Errorf("failed to read capture config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return capture.Config{}, fmt.Errorf("invalid capture config %s: %w", path, err)
		}
	}

	if v := os.Getenv("SESSIONTRACE_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("SESSIONTRACE_SDK_KEY"); v != "" {
		cfg.SDKKey = v
	}
	return cfg.WithDefaults(), nil
}
