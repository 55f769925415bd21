package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

const settingsFilePath = "system_settings.json"

// EnvPrefix is the prefix of environment overrides, e.g. DESKAGENT_AGENT_MAX_ITERATIONS.
const EnvPrefix = "DESKAGENT"

// Settings is the full runtime configuration.
type Settings struct {
	Logger   LoggerConfig   `mapstructure:"logger" json:"logger"`
	Agent    AgentConfig    `mapstructure:"agent" json:"agent"`
	Sensing  SensingConfig  `mapstructure:"sensing" json:"sensing"`
	Executor ExecutorConfig `mapstructure:"executor" json:"executor"`
	Voice    VoiceConfig    `mapstructure:"voice" json:"voice"`
	LLM      LLMConfig      `mapstructure:"llm" json:"llm"`
	Journal  JournalConfig  `mapstructure:"journal" json:"journal"`
	Server   ServerConfig   `mapstructure:"server" json:"server"`
}

type LoggerConfig struct {
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Level       string `mapstructure:"level" json:"level"`
	Format      string `mapstructure:"format" json:"format"`
	AddSource   bool   `mapstructure:"add_source" json:"add_source"`
	LogFile     string `mapstructure:"log_file" json:"log_file"`
	MaxSize     int    `mapstructure:"max_size" json:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" json:"max_age"`
	Compress    bool   `mapstructure:"compress" json:"compress"`
}

type AgentConfig struct {
	MaxIterations    int           `mapstructure:"max_iterations" json:"max_iterations"`
	HistoryLimit     int           `mapstructure:"history_limit" json:"history_limit"`
	SystemPrompt     string        `mapstructure:"system_prompt" json:"system_prompt"`
	IterationDelay   time.Duration `mapstructure:"iteration_delay" json:"iteration_delay"`
	VoicePollWindow  time.Duration `mapstructure:"voice_poll_window" json:"voice_poll_window"`
	VoicePollStep    time.Duration `mapstructure:"voice_poll_step" json:"voice_poll_step"`
	ListenDelay      time.Duration `mapstructure:"listen_delay" json:"listen_delay"`
	RecognitionDelay time.Duration `mapstructure:"recognition_delay" json:"recognition_delay"`
	CleanupTimeout   time.Duration `mapstructure:"cleanup_timeout" json:"cleanup_timeout"`
	StartupHotkey    []string      `mapstructure:"startup_hotkey" json:"startup_hotkey"`
	StopPhrases      []string      `mapstructure:"stop_phrases" json:"stop_phrases"`
	PausePhrases     []string      `mapstructure:"pause_phrases" json:"pause_phrases"`
	ResumePhrases    []string      `mapstructure:"resume_phrases" json:"resume_phrases"`
}

type SensingConfig struct {
	CacheTTL         time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`
	StaleTolerance   time.Duration `mapstructure:"stale_tolerance" json:"stale_tolerance"`
	TargetCells      int           `mapstructure:"target_cells" json:"target_cells"`
	MinCells         int           `mapstructure:"min_cells" json:"min_cells"`
	PollInterval     time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	OutputDir        string        `mapstructure:"output_dir" json:"output_dir"`
	ModelImageHeight int           `mapstructure:"model_image_height" json:"model_image_height"`
	JPEGQuality      int           `mapstructure:"jpeg_quality" json:"jpeg_quality"`
}

type ExecutorConfig struct {
	BatchSize             int           `mapstructure:"batch_size" json:"batch_size"`
	SettleDelay           time.Duration `mapstructure:"settle_delay" json:"settle_delay"`
	DragDuration          time.Duration `mapstructure:"drag_duration" json:"drag_duration"`
	ClipboardRestoreDelay time.Duration `mapstructure:"clipboard_restore_delay" json:"clipboard_restore_delay"`
	BlockDangerousText    bool          `mapstructure:"block_dangerous_text" json:"block_dangerous_text"`
	ResultQueue           int           `mapstructure:"result_queue" json:"result_queue"`
}

type VoiceConfig struct {
	Enabled          bool          `mapstructure:"enabled" json:"enabled"`
	Model            string        `mapstructure:"model" json:"model"`
	Language         string        `mapstructure:"language" json:"language"`
	SampleRate       int           `mapstructure:"sample_rate" json:"sample_rate"`
	Block            time.Duration `mapstructure:"block" json:"block"`
	Threshold        float64       `mapstructure:"threshold" json:"threshold"`
	Silence          time.Duration `mapstructure:"silence" json:"silence"`
	MaxRecord        time.Duration `mapstructure:"max_record" json:"max_record"`
	MinSpeech        time.Duration `mapstructure:"min_speech" json:"min_speech"`
	Workers          int           `mapstructure:"workers" json:"workers"`
	Queue            int           `mapstructure:"queue" json:"queue"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	IgnoreSubstrings []string      `mapstructure:"ignore_substrings" json:"ignore_substrings"`
	APIKey           string        `mapstructure:"api_key" json:"-"`
	BaseURL          string        `mapstructure:"base_url" json:"base_url"`
}

type LLMConfig struct {
	Provider           string        `mapstructure:"provider" json:"provider"`
	Model              string        `mapstructure:"model" json:"model"`
	BaseURL            string        `mapstructure:"base_url" json:"base_url"`
	APIKey             string        `mapstructure:"api_key" json:"-"`
	Timeout            time.Duration `mapstructure:"timeout" json:"timeout"`
	PromptsDir         string        `mapstructure:"prompts_dir" json:"prompts_dir"`
	MaxRequestMessages int           `mapstructure:"max_request_messages" json:"max_request_messages"`
	MaxTokens          int           `mapstructure:"max_tokens" json:"max_tokens"`
	LocatePrompt       string        `mapstructure:"locate_prompt" json:"locate_prompt"`
}

type JournalConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Addr    string `mapstructure:"addr" json:"addr"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.service_name", "deskagent")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.log_file", "app.log")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.compress", false)

	v.SetDefault("agent.max_iterations", 15)
	v.SetDefault("agent.history_limit", 15)
	v.SetDefault("agent.system_prompt", "system")
	v.SetDefault("agent.iteration_delay", 500*time.Millisecond)
	v.SetDefault("agent.voice_poll_window", 500*time.Millisecond)
	v.SetDefault("agent.voice_poll_step", 50*time.Millisecond)
	v.SetDefault("agent.listen_delay", 200*time.Millisecond)
	v.SetDefault("agent.recognition_delay", 100*time.Millisecond)
	v.SetDefault("agent.cleanup_timeout", time.Second)
	v.SetDefault("agent.startup_hotkey", []string{"cmd", "d"})
	v.SetDefault("agent.stop_phrases", []string{"стоп", "останови", "прекрати"})
	v.SetDefault("agent.pause_phrases", []string{"пауза", "подожди"})
	v.SetDefault("agent.resume_phrases", []string{"продолжай", "продолжить", "дальше"})

	v.SetDefault("sensing.cache_ttl", 300*time.Millisecond)
	v.SetDefault("sensing.stale_tolerance", 5*time.Second)
	v.SetDefault("sensing.target_cells", 1000)
	v.SetDefault("sensing.min_cells", 500)
	v.SetDefault("sensing.poll_interval", 200*time.Millisecond)
	v.SetDefault("sensing.output_dir", "screenshots")
	v.SetDefault("sensing.model_image_height", 512)
	v.SetDefault("sensing.jpeg_quality", 85)

	v.SetDefault("executor.batch_size", 3)
	v.SetDefault("executor.settle_delay", 500*time.Millisecond)
	v.SetDefault("executor.drag_duration", 500*time.Millisecond)
	v.SetDefault("executor.clipboard_restore_delay", 200*time.Millisecond)
	v.SetDefault("executor.block_dangerous_text", true)
	v.SetDefault("executor.result_queue", 16)

	v.SetDefault("voice.enabled", true)
	v.SetDefault("voice.model", "whisper-1")
	v.SetDefault("voice.language", "ru")
	v.SetDefault("voice.sample_rate", 16000)
	v.SetDefault("voice.block", 200*time.Millisecond)
	v.SetDefault("voice.threshold", 0.05)
	v.SetDefault("voice.silence", 300*time.Millisecond)
	v.SetDefault("voice.max_record", 3*time.Second)
	v.SetDefault("voice.min_speech", 200*time.Millisecond)
	v.SetDefault("voice.workers", 2)
	v.SetDefault("voice.queue", 32)
	v.SetDefault("voice.shutdown_timeout", 2*time.Second)
	v.SetDefault("voice.ignore_substrings", []string{"МУЗЫКА", "Субтит", "субтит"})
	v.SetDefault("voice.base_url", "")

	v.SetDefault("llm.provider", "openrouter")
	v.SetDefault("llm.model", "google/gemini-2.0-flash-001")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.prompts_dir", "prompts")
	v.SetDefault("llm.max_request_messages", 10)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.locate_prompt", "locate_ui_element")

	v.SetDefault("journal.path", "app.db")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", "127.0.0.1:8080")
}

// NewDefaultSettings returns the settings with every default applied.
func NewDefaultSettings() *Settings {
	v := viper.New()
	SetDefaults(v)
	s, err := NewSettingsFromViper(v)
	if err != nil {
		// Defaults are static.
		panic(fmt.Sprintf("invalid default settings: %v", err))
	}
	return s
}

// NewSettingsFromViper decodes and validates the settings held by v.
func NewSettingsFromViper(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	s.applyKeys()
	if err := s.expandPaths(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSettings loads the settings file at path, falling back to system_settings.json.
// A missing file is not an error; defaults and environment overrides still apply.
func LoadSettings(path string) (*Settings, error) {
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = settingsFilePath
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand settings path: %w", err)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
	}
	return NewSettingsFromViper(v)
}

// SaveSettings writes the settings to path as JSON. API keys are never written.
func (s *Settings) SaveSettings(path string) error {
	if path == "" {
		path = settingsFilePath
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("failed to expand settings path: %w", err)
	}
	if dir := filepath.Dir(expanded); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(expanded, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (s *Settings) Validate() error {
	switch {
	case s.Agent.MaxIterations <= 0:
		return errors.New("agent.max_iterations must be positive")
	case s.Agent.HistoryLimit < 2:
		return errors.New("agent.history_limit must be at least 2")
	case s.Executor.BatchSize <= 0:
		return errors.New("executor.batch_size must be positive")
	case s.Sensing.CacheTTL <= 0:
		return errors.New("sensing.cache_ttl must be positive")
	case s.Sensing.MinCells <= 0 || s.Sensing.TargetCells <= 0:
		return errors.New("sensing cell counts must be positive")
	case s.Voice.SampleRate <= 0 || s.Voice.Block <= 0:
		return errors.New("voice.sample_rate and voice.block must be positive")
	case s.Voice.Workers <= 0:
		return errors.New("voice.workers must be positive")
	case s.LLM.Timeout <= 0:
		return errors.New("llm.timeout must be positive")
	}
	switch s.LLM.Provider {
	case "openrouter", "openai", "anthropic":
	default:
		return fmt.Errorf("unknown llm.provider %q", s.LLM.Provider)
	}
	return nil
}

// OpenRouterBaseURL is used when the openrouter provider has no explicit base URL.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

func (s *Settings) applyKeys() {
	if s.LLM.Provider == "openrouter" && s.LLM.BaseURL == "" {
		s.LLM.BaseURL = OpenRouterBaseURL
	}
	if s.LLM.APIKey == "" {
		switch s.LLM.Provider {
		case "openrouter":
			s.LLM.APIKey = os.Getenv("OPENROUTER_API_KEY")
		case "openai":
			s.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			s.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
	if s.Voice.APIKey == "" {
		s.Voice.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

func (s *Settings) expandPaths() error {
	for _, p := range []*string{&s.Logger.LogFile, &s.Sensing.OutputDir, &s.LLM.PromptsDir, &s.Journal.Path} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}
