package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the root YAML configuration at path and returns a validated
// [Root]. Environment references in string values are expanded first.
func Load(path string) (*Root, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a root YAML config from r, expands environment
// references, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Root, error) {
	cfg := &Root{}
	if err := decodeStrict(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadNode reads a per-node descriptor from path.
func LoadNode(path string) (*NodeDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open node descriptor %q: %w", path, err)
	}
	defer f.Close()

	nd, err := LoadNodeFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse node descriptor %q: %w", path, err)
	}
	return nd, nil
}

// LoadNodeFromReader decodes a node descriptor from r and validates it.
func LoadNodeFromReader(r io.Reader) (*NodeDescriptor, error) {
	nd := &NodeDescriptor{}
	if err := decodeStrict(r, nd); err != nil {
		return nil, err
	}
	if err := ValidateNode(nd); err != nil {
		return nil, err
	}
	return nd, nil
}

// decodeStrict decodes YAML from r into out, rejecting unknown fields.
// Environment references in string values are expanded before the typed
// decode so that defaults and validation see final values.
func decodeStrict(r io.Reader, out any) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("config: read: %w", err)
	}

	// First pass: generic decode so env expansion can walk every string.
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	expanded, err := expandValue(generic)
	if err != nil {
		return err
	}
	normalised, err := yaml.Marshal(expanded)
	if err != nil {
		return fmt.Errorf("config: re-encode yaml: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(normalised))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil // empty document
		}
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Root) error {
	var errs []error

	if cfg.System.LogLevel != "" && !cfg.System.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("system.log_level %q is invalid; valid values: debug, info, warn, error", cfg.System.LogLevel))
	}
	if cfg.System.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("system.shutdown_timeout must not be negative"))
	}
	if cfg.System.StartupDelay < 0 {
		errs = append(errs, fmt.Errorf("system.startup_delay must not be negative"))
	}

	seen := make(map[string]int, len(cfg.Launch.StartupOrder))
	for i, name := range cfg.Launch.StartupOrder {
		if name == "" {
			errs = append(errs, fmt.Errorf("launch.startup_order[%d] is empty", i))
			continue
		}
		if prev, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("launch.startup_order[%d] %q is a duplicate of entry %d", i, name, prev))
		}
		seen[name] = i
	}

	if cfg.Realtime.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("realtime.max_reconnect_attempts must not be negative"))
	}

	return errors.Join(errs...)
}

// ValidateNode checks a node descriptor for structural problems.
func ValidateNode(nd *NodeDescriptor) error {
	var errs []error

	pubSeen := make(map[string]int, len(nd.Publishes))
	for i, p := range nd.Publishes {
		if p.Topic == "" {
			errs = append(errs, fmt.Errorf("publishes[%d].topic is required", i))
			continue
		}
		if prev, ok := pubSeen[p.Topic]; ok {
			errs = append(errs, fmt.Errorf("publishes[%d].topic %q is a duplicate of entry %d", i, p.Topic, prev))
		}
		pubSeen[p.Topic] = i
	}

	subSeen := make(map[string]int, len(nd.Subscribes))
	for i, s := range nd.Subscribes {
		if s.Topic == "" {
			errs = append(errs, fmt.Errorf("subscribes[%d].topic is required", i))
		}
		if s.Callback == "" {
			errs = append(errs, fmt.Errorf("subscribes[%d].callback is required", i))
		}
		if s.Topic != "" {
			if prev, ok := subSeen[s.Topic]; ok {
				errs = append(errs, fmt.Errorf("subscribes[%d].topic %q is a duplicate of entry %d", i, s.Topic, prev))
			}
			subSeen[s.Topic] = i
		}
	}

	return errors.Join(errs...)
}
