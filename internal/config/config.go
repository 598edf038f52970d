// Package config provides the configuration schema and loader for the
// Confido voice client.
package config

import "time"

// LogLevel controls log verbosity.
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

// Config is the root configuration structure for Confido.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	API          APIConfig          `yaml:"api"`
	Agent        AgentConfig        `yaml:"agent"`
	Conversation ConversationConfig `yaml:"conversation"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// APIConfig holds ElevenLabs API connection settings. The API key may also
// come from the credential store or the CONFIDO_API_KEY environment
// variable; the loader does not require it here.
type APIConfig struct {
	// Key is the ElevenLabs API key. Optional in the file.
	Key string `yaml:"key"`

	// BaseURL overrides the REST endpoint. Defaults to the production API.
	BaseURL string `yaml:"base_url"`

	// WSBaseURL overrides the conversation WebSocket endpoint.
	WSBaseURL string `yaml:"ws_base_url"`
}

// AgentConfig identifies and parameterizes the remote conversational agent.
type AgentConfig struct {
	// ID is the agent to converse with. When empty, the client provisions
	// one (or reuses the stored one) at startup.
	ID string `yaml:"id"`

	// Name is used when provisioning a new agent.
	Name string `yaml:"name"`

	// Language is sent in the channel initiation message.
	Language string `yaml:"language"`

	// Knowledge lists knowledge-base documents attached to the agent's
	// prompt at startup. Documents already attached are not duplicated.
	Knowledge []KnowledgeDocument `yaml:"knowledge"`
}

// KnowledgeDocument declares one knowledge-base document for the agent.
// Exactly one of Text and URL must be set.
type KnowledgeDocument struct {
	// Name labels the document in the knowledge base.
	Name string `yaml:"name"`

	// Text is inline document content.
	Text string `yaml:"text"`

	// URL points at a page for the service to scrape.
	URL string `yaml:"url"`
}

// ConversationConfig tunes the voice pipeline.
type ConversationConfig struct {
	// SettleDelay is how long after channel open to wait before arming the
	// microphone.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// SilenceTimeout is the quiet window after the last inbound audio chunk
	// that ends the agent's turn.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// ResumeRecheck is the re-arm interval used when the silence timeout
	// fires while audio is still draining.
	ResumeRecheck time.Duration `yaml:"resume_recheck"`
}

// LoggingConfig controls the slog default logger.
type LoggingConfig struct {
	Level LogLevel `yaml:"level"`
}

// MetricsConfig controls the Prometheus scrape endpoint. Disabled when
// ListenAddr is empty.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default values applied by the loader.
const (
	DefaultLanguage       = "en"
	DefaultSettleDelay    = 1500 * time.Millisecond
	DefaultSilenceTimeout = 2 * time.Second
	DefaultResumeRecheck  = 1 * time.Second
)

// applyDefaults fills zero values with defaults.
func applyDefaults(cfg *Config) {
	if cfg.Agent.Language == "" {
		cfg.Agent.Language = DefaultLanguage
	}
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "Confido Agent"
	}
	if cfg.Conversation.SettleDelay == 0 {
		cfg.Conversation.SettleDelay = DefaultSettleDelay
	}
	if cfg.Conversation.SilenceTimeout == 0 {
		cfg.Conversation.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.Conversation.ResumeRecheck == 0 {
		cfg.Conversation.ResumeRecheck = DefaultResumeRecheck
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = LogInfo
	}
}
