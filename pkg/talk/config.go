package talk

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultServerURL  = "ws://localhost:8000/ws"
	DefaultAPIBaseURL = "http://localhost:8000"
)

// Audio backends
const (
	BackendPortAudio = "portaudio"
	BackendMiniaudio = "miniaudio"
)

// Capture codecs
const (
	CodecAuto = "auto"
	CodecOpus = "opus"
	CodecPCM  = "pcm"
)

// Config is the session configuration. Values come from defaults, then an
// optional YAML file, then .env and the process environment.
type Config struct {
	ServerURL        string            `json:"server_url" yaml:"server_url"`
	APIBaseURL       string            `json:"api_base_url" yaml:"api_base_url"`
	Headers          map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	UseTokenAuth     bool              `json:"use_token_auth" yaml:"use_token_auth"`
	APIKey           string            `json:"-" yaml:"api_key,omitempty"`
	DefaultVoice     string            `json:"default_voice,omitempty" yaml:"default_voice,omitempty"`
	FlushDelay       time.Duration     `json:"flush_delay" yaml:"flush_delay"`
	ResponseTimeout  time.Duration     `json:"response_timeout" yaml:"response_timeout"`
	HandshakeTimeout time.Duration     `json:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout     time.Duration     `json:"write_timeout" yaml:"write_timeout"`
	PingInterval     time.Duration     `json:"ping_interval" yaml:"ping_interval"`
	DebugLevel       string            `json:"debug_level" yaml:"debug_level"`
	DebugWebsocket   bool              `json:"debug_websocket" yaml:"debug_websocket"`
	DebugAudio       bool              `json:"debug_audio" yaml:"debug_audio"`
	Audio            AudioConfig       `json:"audio" yaml:"audio"`
}

// AudioConfig holds the device and codec constants shared by capture and
// playback.
type AudioConfig struct {
	Backend          string        `json:"backend" yaml:"backend"`
	SampleRate       int           `json:"sample_rate" yaml:"sample_rate"`
	Channels         int           `json:"channels" yaml:"channels"`
	Codec            string        `json:"codec" yaml:"codec"`
	Bitrate          int           `json:"bitrate" yaml:"bitrate"`
	ChunkInterval    time.Duration `json:"chunk_interval" yaml:"chunk_interval"`
	FrameDuration    time.Duration `json:"frame_duration" yaml:"frame_duration"`
	OutputSampleRate int           `json:"output_sample_rate" yaml:"output_sample_rate"`
	InputDeviceID    *int          `json:"input_device_id,omitempty" yaml:"input_device_id,omitempty"`
	OutputDeviceID   *int          `json:"output_device_id,omitempty" yaml:"output_device_id,omitempty"`
	EchoCancellation bool          `json:"echo_cancellation" yaml:"echo_cancellation"`
	NoiseSuppression bool          `json:"noise_suppression" yaml:"noise_suppression"`
	AutoGainControl  bool          `json:"auto_gain_control" yaml:"auto_gain_control"`
}

// DefaultAudioConfig returns mono 16 kHz capture at 24 kbps in 150 ms chunks.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		Backend:          BackendPortAudio,
		SampleRate:       16000,
		Channels:         1,
		Codec:            CodecAuto,
		Bitrate:          24000,
		ChunkInterval:    150 * time.Millisecond,
		FrameDuration:    20 * time.Millisecond,
		OutputSampleRate: 48000,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// FrameSamples is the number of samples per channel in one codec frame.
func (a AudioConfig) FrameSamples() int {
	return int(int64(a.SampleRate) * int64(a.FrameDuration) / int64(time.Second))
}

// DefaultConfig returns a config without consulting the environment.
func DefaultConfig() *Config {
	return &Config{
		ServerURL:        DefaultServerURL,
		APIBaseURL:       DefaultAPIBaseURL,
		Headers:          make(map[string]string),
		FlushDelay:       200 * time.Millisecond,
		ResponseTimeout:  30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     20 * time.Second,
		DebugLevel:       "INFO",
		Audio:            DefaultAudioConfig(),
	}
}

// NewConfig returns defaults overridden by the environment.
func NewConfig() *Config {
	c := DefaultConfig()
	c.loadFromEnv()
	return c
}

// LoadConfig reads an optional YAML file and then applies the environment.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, WrapError(err, ErrCodeConfigInvalid, "parse config "+path)
		}
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
	}
	c.loadFromEnv()
	return c, nil
}

func (c *Config) loadFromEnv() {
	// Load .env if exists
	_ = godotenv.Load()

	if v := os.Getenv("VOCALS_WS_ENDPOINT"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("VOCALS_API_BASE_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("VOCALS_DEV_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("VOCALS_USE_TOKEN_AUTH"); v != "" {
		c.UseTokenAuth = v == "true"
	}
	if v := os.Getenv("VOCALS_DEFAULT_VOICE"); v != "" {
		c.DefaultVoice = v
	}
	if v := os.Getenv("VOCALS_FLUSH_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.FlushDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("VOCALS_RESPONSE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ResponseTimeout = d
		}
	}
	if v := os.Getenv("VOCALS_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PingInterval = d
		}
	}
	if v := os.Getenv("VOCALS_DEBUG_LEVEL"); v != "" {
		c.DebugLevel = v
	}
	if v := os.Getenv("VOCALS_DEBUG_WEBSOCKET"); v != "" {
		c.DebugWebsocket = v == "true"
	}
	if v := os.Getenv("VOCALS_DEBUG_AUDIO"); v != "" {
		c.DebugAudio = v == "true"
	}

	if v := os.Getenv("VOCALS_AUDIO_BACKEND"); v != "" {
		c.Audio.Backend = v
	}
	if v := os.Getenv("VOCALS_AUDIO_CODEC"); v != "" {
		c.Audio.Codec = v
	}
	if v := os.Getenv("VOCALS_AUDIO_DEVICE_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.Audio.InputDeviceID = &id
		}
	}
	if v := os.Getenv("VOCALS_OUTPUT_DEVICE_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.Audio.OutputDeviceID = &id
		}
	}
}

// Validate returns list of issues
func (c *Config) Validate() []string {
	issues := []string{}

	if u, err := url.Parse(c.ServerURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		issues = append(issues, fmt.Sprintf("Invalid WebSocket endpoint: %q", c.ServerURL))
	}
	if u, err := url.Parse(c.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		issues = append(issues, fmt.Sprintf("Invalid API base URL: %q", c.APIBaseURL))
	}
	if c.UseTokenAuth {
		if c.APIKey == "" {
			issues = append(issues, "VOCALS_DEV_API_KEY environment variable not set")
		} else if err := ValidateAPIKeyFormat(c.APIKey); err != nil {
			issues = append(issues, "Invalid API key format (should start with 'vdev_')")
		}
	}
	if c.FlushDelay < 0 {
		issues = append(issues, "flush_delay must not be negative")
	}
	if c.ResponseTimeout < 0 || c.PingInterval < 0 {
		issues = append(issues, "response_timeout and ping_interval must not be negative")
	}

	switch strings.ToUpper(c.DebugLevel) {
	case "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		issues = append(issues, fmt.Sprintf("Invalid debug level: %s", c.DebugLevel))
	}

	return append(issues, c.Audio.Validate()...)
}

// Validate returns list of issues
func (a AudioConfig) Validate() []string {
	issues := []string{}

	switch a.Backend {
	case BackendPortAudio, BackendMiniaudio:
	default:
		issues = append(issues, fmt.Sprintf("Unknown audio backend: %q", a.Backend))
	}
	switch a.Codec {
	case CodecAuto, CodecOpus, CodecPCM:
	default:
		issues = append(issues, fmt.Sprintf("Unknown codec: %q", a.Codec))
	}
	if a.SampleRate <= 0 || a.OutputSampleRate <= 0 {
		issues = append(issues, "sample rates must be positive")
	}
	if a.Channels != 1 {
		issues = append(issues, "capture must be mono")
	}
	if a.FrameDuration <= 0 || a.ChunkInterval < a.FrameDuration {
		issues = append(issues, "chunk_interval must be at least one frame_duration")
	}
	if a.Bitrate <= 0 {
		issues = append(issues, "bitrate must be positive")
	}

	return issues
}

// LogConfig derives the logger configuration.
func (c *Config) LogConfig() *LogConfig {
	lc := DefaultLogConfig()
	lc.Level = c.DebugLevel
	return lc
}
