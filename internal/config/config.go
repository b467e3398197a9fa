// Package config provides configuration management for AvatarTalk
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Speech  SpeechConfig  `mapstructure:"speech"`
	Avatar  AvatarConfig  `mapstructure:"avatar"`
	Audio   AudioConfig   `mapstructure:"audio"`
	Session SessionConfig `mapstructure:"session"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// SpeechConfig configures the realtime speech service
type SpeechConfig struct {
	APIKey             string        `mapstructure:"api_key"`
	Model              string        `mapstructure:"model"`
	Voice              string        `mapstructure:"voice"`
	TurnDetection      string        `mapstructure:"turn_detection"`
	TranscriptionModel string        `mapstructure:"transcription_model"`
	RealtimeURL        string        `mapstructure:"realtime_url"`
	APIBaseURL         string        `mapstructure:"api_base_url"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
}

// AvatarConfig configures the avatar rendering service
type AvatarConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	FaceID         string        `mapstructure:"face_id"`
	HandleSilence  bool          `mapstructure:"handle_silence"`
	APIBaseURL     string        `mapstructure:"api_base_url"`
	StreamURL      string        `mapstructure:"stream_url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// AudioConfig configures microphone capture
type AudioConfig struct {
	SampleRate    int           `mapstructure:"sample_rate"`
	FrameSize     int           `mapstructure:"frame_size"`
	VADThreshold  float64       `mapstructure:"vad_threshold"`
	AccessTimeout time.Duration `mapstructure:"access_timeout"`
}

// SessionConfig configures session lifecycle behavior
type SessionConfig struct {
	CharacterFile  string        `mapstructure:"character_file"`
	PreviewTimeout time.Duration `mapstructure:"preview_timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// LoggingConfig configures log output
type LoggingConfig struct {
	Dir     string `mapstructure:"dir"`
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Speech: SpeechConfig{
			Model:              "gpt-4o-realtime-preview",
			Voice:              "alloy",
			TurnDetection:      "server_vad",
			TranscriptionModel: "whisper-1",
			RealtimeURL:        "wss://api.openai.com/v1/realtime",
			APIBaseURL:         "https://api.openai.com/v1",
			ConnectTimeout:     30 * time.Second,
		},
		Avatar: AvatarConfig{
			HandleSilence:  true,
			APIBaseURL:     "https://api.simli.ai",
			StreamURL:      "wss://api.simli.ai/startWebRTCSession",
			ConnectTimeout: 30 * time.Second,
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			FrameSize:     4096,
			VADThreshold:  0.01,
			AccessTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			CharacterFile:  filepath.Join(home, ".avatartalk", "character.json"),
			PreviewTimeout: 5 * time.Minute,
			HealthInterval: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Dir:     filepath.Join(home, ".avatartalk", "logs"),
			Level:   "info",
			Console: true,
		},
	}
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configDir, err := GetConfigDir()
	if err != nil {
		return cfg, err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	// Environment variable overrides
	viper.SetEnvPrefix("AVATARTALK")
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		// Config file not found, use defaults and create one
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes the configuration to file
func Save(cfg *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	viper.Set("speech", cfg.Speech)
	viper.Set("avatar", cfg.Avatar)
	viper.Set("audio", cfg.Audio)
	viper.Set("session", cfg.Session)
	viper.Set("logging", cfg.Logging)

	configPath := filepath.Join(configDir, "config.yaml")
	return viper.WriteConfigAs(configPath)
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".avatartalk"), nil
}

// Watcher reloads the settings file when it changes on disk, so tunables
// like the voice-activity threshold apply without a restart.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
	done    chan struct{}
}

// Watch begins watching the config file. onChange receives the freshly
// loaded configuration after every settle.
func Watch(path string, onChange func(*Config), logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	// Watch the directory: editors replace files on save, which drops
	// watches registered on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		watcher: fw,
		logger:  logger.With().Str("component", "config").Logger(),
		done:    make(chan struct{}),
	}

	go w.run(path, onChange)
	return w, nil
}

func (w *Watcher) run(path string, onChange func(*Config)) {
	base := filepath.Base(path)
	var settle *time.Timer

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			// Editors fire bursts of events per save; reload once they stop.
			if settle != nil {
				settle.Stop()
			}
			settle = time.AfterFunc(200*time.Millisecond, func() {
				cfg, err := Load()
				if err != nil {
					w.logger.Warn().Err(err).Msg("Config reload failed")
					return
				}
				w.logger.Info().Msg("Configuration reloaded")
				onChange(cfg)
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
