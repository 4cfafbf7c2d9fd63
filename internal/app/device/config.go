package device

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config is the device agent's settings.
type Config struct {
	ServerURL     string
	DeviceID      string
	PushAddress   string
	PublicKeyPath string
	PublicKey     string
	NATSURL       string
	PollInterval  time.Duration
	DBPath        string
	ReplayGuard   bool
	LogLevel      string
}

// LoadConfig reads an optional YAML file at path and overlays TASKBRIDGE_*
// environment variables. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TASKBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server_url", "http://localhost:3000")
	v.SetDefault("device_id", "")
	v.SetDefault("push_address", "")
	v.SetDefault("public_key_path", filepath.Join("keys", "public.pem"))
	v.SetDefault("public_key", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("db_path", filepath.Join(os.TempDir(), "taskbridge", "tasks.db"))
	v.SetDefault("replay_guard", false)
	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return Config{}, err
			}
		}
	}

	cfg := Config{
		ServerURL:     strings.TrimRight(v.GetString("server_url"), "/"),
		DeviceID:      strings.TrimSpace(v.GetString("device_id")),
		PushAddress:   strings.TrimSpace(v.GetString("push_address")),
		PublicKeyPath: v.GetString("public_key_path"),
		PublicKey:     v.GetString("public_key"),
		NATSURL:       v.GetString("nats_url"),
		PollInterval:  v.GetDuration("poll_interval"),
		DBPath:        v.GetString("db_path"),
		ReplayGuard:   v.GetBool("replay_guard"),
		LogLevel:      v.GetString("log_level"),
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	if cfg.PushAddress == "" {
		cfg.PushAddress = cfg.DeviceID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return cfg, nil
}
