// Package config provides the configuration schema and loaders for the
// Nevil runtime: the root system descriptor and the per-node declarative
// topic descriptors.
package config

import "time"

// LogLevel controls log verbosity for the runtime.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Root is the root configuration structure for the Nevil runtime.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Root struct {
	// Version is the descriptor format version (e.g. "3.0").
	Version string `yaml:"version"`

	System SystemConfig `yaml:"system"`
	Launch LaunchConfig `yaml:"launch"`

	// Environment holds key/value pairs exported into the process
	// environment before node descriptors are expanded.
	Environment map[string]string `yaml:"environment"`

	// Realtime configures the shared streaming session.
	Realtime RealtimeConfig `yaml:"realtime"`

	// ChatLog configures conversation analytics persistence.
	ChatLog ChatLogConfig `yaml:"chatlog"`
}

// SystemConfig holds process-wide settings.
type SystemConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// HealthCheckInterval is the period of the internal health sweep.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// ShutdownTimeout bounds how long the launcher waits for nodes to stop
	// before force-terminating stragglers.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// StartupDelay is the pause inserted between consecutive node starts.
	StartupDelay time.Duration `yaml:"startup_delay"`

	// MetricsAddr is the TCP address for the /metrics + health endpoints.
	// Empty disables the HTTP listener.
	MetricsAddr string `yaml:"metrics_addr"`
}

// LaunchConfig controls node discovery and startup order.
type LaunchConfig struct {
	// StartupOrder lists node names in the order they are started. Each
	// name must have a matching descriptor in the node config directory.
	StartupOrder []string `yaml:"startup_order"`

	// ParallelLaunch starts all nodes concurrently instead of sequentially.
	ParallelLaunch bool `yaml:"parallel_launch"`

	// WaitForHealthy blocks startup until each node reports RUNNING.
	WaitForHealthy bool `yaml:"wait_for_healthy"`

	// ReadyTimeout bounds the WaitForHealthy wait per node.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// RealtimeConfig holds connection settings for the streaming LLM session.
type RealtimeConfig struct {
	// APIKey is the long-lived provider API key. Mutually exclusive with
	// EphemeralToken; when both are set the token wins.
	APIKey string `yaml:"api_key"`

	// EphemeralToken is a short-lived session token.
	EphemeralToken string `yaml:"ephemeral_token"`

	// BaseURL overrides the provider's default WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the realtime model.
	Model string `yaml:"model"`

	// Voice selects the synthesis voice.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt installed via session.update.
	Instructions string `yaml:"instructions"`

	// TranscriptionModel transcribes committed input audio server-side.
	// Empty means the connection default.
	TranscriptionModel string `yaml:"transcription_model"`

	// TranscriptionLanguage is an ISO-639-1 hint for the transcriber.
	TranscriptionLanguage string `yaml:"transcription_language"`

	// MaxReconnectAttempts bounds the reconnect cycle. Zero means the
	// connection default.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// ChatLogConfig selects the conversation analytics store.
type ChatLogConfig struct {
	// Path is the JSONL file used by the file store. Empty disables file
	// logging.
	Path string `yaml:"path"`

	// PostgresDSN, when set, selects the PostgreSQL store instead of the
	// file store.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// NodeDescriptor is the per-node declarative configuration: which topics
// the node publishes, which it subscribes to (and through which callback),
// plus a free-form configuration section consumed by the node itself.
type NodeDescriptor struct {
	Publishes  []PublishDecl   `yaml:"publishes"`
	Subscribes []SubscribeDecl `yaml:"subscribes"`

	// Configuration is node-specific and opaque to the runtime.
	Configuration map[string]any `yaml:"configuration"`
}

// PublishDecl declares one topic in a node's publish-set.
type PublishDecl struct {
	Topic string `yaml:"topic"`
}

// SubscribeDecl declares a subscription and the node callback that handles
// deliveries. The callback name must be registered on the node at wiring
// time.
type SubscribeDecl struct {
	Topic    string `yaml:"topic"`
	Callback string `yaml:"callback"`
}
