package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"webdeploy/pkg/deploy"
	"webdeploy/pkg/hook"
	"webdeploy/pkg/storage"
)

var ErrProfileNotFound = errors.New("profile not found")

type Config struct {
	Log      LogConfig                `mapstructure:"log" validate:"required"`
	History  HistoryConfig            `mapstructure:"history" validate:"required"`
	Redis    RedisConfig              `mapstructure:"redis" validate:"required"`
	Lock     LockConfig               `mapstructure:"lock" validate:"required"`
	Queue    QueueConfig              `mapstructure:"queue" validate:"required"`
	HTTP     HTTPConfig               `mapstructure:"http" validate:"required"`
	Metrics  MetricsConfig            `mapstructure:"metrics"`
	Events   EventsConfig             `mapstructure:"events"`
	Profiles map[string]ProfileConfig `mapstructure:"profiles" validate:"required,min=1,dive"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error fatal"`
}

type HistoryConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0,max=15"`
}

type LockConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	TTLMinutes int  `mapstructure:"ttl_minutes" validate:"min=1,max=1440"`
}

type QueueConfig struct {
	Name           string `mapstructure:"name" validate:"required"`
	Concurrency    int    `mapstructure:"concurrency" validate:"min=1,max=16"`
	TimeoutMinutes int    `mapstructure:"timeout_minutes" validate:"required,min=1,max=1440"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required,hostname_port"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type EventsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url" validate:"omitempty,url"`
	SubjectPrefix string `mapstructure:"subject_prefix" validate:"required"`
}

type ProfileConfig struct {
	Transport          string              `mapstructure:"transport" validate:"required,oneof=s3 sftp"`
	SFTP               *storage.SFTPConfig `mapstructure:"sftp"`
	S3                 *storage.S3Config   `mapstructure:"s3"`
	RemoteRoot         string              `mapstructure:"remote_root"`
	Build              BuildConfig         `mapstructure:"build" validate:"required"`
	Concurrency        int                 `mapstructure:"concurrency" validate:"min=1,max=32"`
	RetryCount         int                 `mapstructure:"retry_count" validate:"min=0,max=10"`
	RetryDelayMS       int                 `mapstructure:"retry_delay_ms" validate:"min=0,max=60000"`
	UploadsPerSecond   float64             `mapstructure:"uploads_per_second" validate:"min=0"`
	CleanupMode        string              `mapstructure:"cleanup_mode" validate:"oneof=none delete_obsolete delete_all"`
	Exclude            []string            `mapstructure:"exclude"`
	UseDefaultExcludes bool                `mapstructure:"use_default_excludes"`
	MaintenanceMode    bool                `mapstructure:"maintenance_mode"`
	MaintenancePage    string              `mapstructure:"maintenance_page"`
	PostDeploy         PostDeployConfig    `mapstructure:"post_deploy"`
}

// PostDeployConfig is a local command run by the daemon after successful
// deployments, at most once per debounce window.
type PostDeployConfig struct {
	Command         string `mapstructure:"command"`
	DebounceMinutes int    `mapstructure:"debounce_minutes" validate:"min=0,max=1440"`
	TimeoutMinutes  int    `mapstructure:"timeout_minutes" validate:"min=1,max=1440"`
}

type BuildConfig struct {
	Command        string   `mapstructure:"command"`
	WorkingDir     string   `mapstructure:"working_dir"`
	OutputDir      string   `mapstructure:"output_dir" validate:"required"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" validate:"min=0,max=86400"`
	Env            []string `mapstructure:"env"`
}

func LoadFromFile(filename string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(filename)
	v.SetConfigType("toml")

	v.SetEnvPrefix("WEBDEPLOY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	setProfileDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("history.path", "webdeploy.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("lock.enabled", true)
	v.SetDefault("lock.ttl_minutes", 60)

	v.SetDefault("queue.name", "deployments")
	v.SetDefault("queue.concurrency", 1)
	v.SetDefault("queue.timeout_minutes", 60)

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.url", "")
	v.SetDefault("events.subject_prefix", "webdeploy")
}

// setProfileDefaults fills per-profile defaults. Profile names are only
// known once the file is read.
func setProfileDefaults(v *viper.Viper) {
	for name := range v.GetStringMap("profiles") {
		prefix := "profiles." + name + "."

		v.SetDefault(prefix+"concurrency", 4)
		v.SetDefault(prefix+"retry_count", 3)
		v.SetDefault(prefix+"retry_delay_ms", 500)
		v.SetDefault(prefix+"uploads_per_second", 0)
		v.SetDefault(prefix+"cleanup_mode", "none")
		v.SetDefault(prefix+"use_default_excludes", true)
		v.SetDefault(prefix+"maintenance_mode", false)
		v.SetDefault(prefix+"build.timeout_seconds", 30*60)
		v.SetDefault(prefix+"post_deploy.debounce_minutes", 5)
		v.SetDefault(prefix+"post_deploy.timeout_minutes", 10)

		switch v.GetString(prefix + "transport") {
		case string(storage.BackendTypeSFTP):
			v.SetDefault(prefix+"sftp.port", 22)
			v.SetDefault(prefix+"sftp.connection_timeout", 30)
			v.SetDefault(prefix+"sftp.enable_resume", true)
		case string(storage.BackendTypeS3):
			v.SetDefault(prefix+"s3.region", "us-east-1")
			v.SetDefault(prefix+"s3.max_retries", 3)
			v.SetDefault(prefix+"s3.read_timeout_seconds", 60)
			v.SetDefault(prefix+"s3.file_upload_timeout_seconds", 60*60)
			v.SetDefault(prefix+"s3.enable_integrity_check", true)
		}
	}
}

func validateConfig(config *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	if err := validate.Struct(config); err != nil {
		return err
	}

	if config.Events.Enabled && config.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}

	// Conditionally validate the connection block based on transport
	for name, p := range config.Profiles {
		switch p.Transport {
		case string(storage.BackendTypeS3):
			if p.S3 == nil {
				return fmt.Errorf("profile %q: s3 configuration is required when transport is 's3'", name)
			}
		case string(storage.BackendTypeSFTP):
			if p.SFTP == nil {
				return fmt.Errorf("profile %q: sftp configuration is required when transport is 'sftp'", name)
			}
			if p.SFTP.Password == "" && p.SFTP.PrivateKey == "" {
				return fmt.Errorf("profile %q: either sftp password or private_key must be set", name)
			}
		}
		if _, err := toProfile(name, p).Matcher(); err != nil {
			return fmt.Errorf("profile %q: %w", name, err)
		}
	}

	return nil
}

// ProfileNames returns the configured profile names in sorted order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profile resolves a deployment profile by name. Names are case-insensitive
// because viper lower-cases map keys.
func (c *Config) Profile(name string) (*deploy.Profile, error) {
	key := strings.ToLower(name)
	p, ok := c.Profiles[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	return toProfile(key, p), nil
}

// PostDeploy returns the post-deployment hook of a profile. ok is false when
// the profile is unknown or has no hook command.
func (c *Config) PostDeploy(name string) (hook.Settings, bool) {
	p, ok := c.Profiles[strings.ToLower(name)]
	if !ok || p.PostDeploy.Command == "" {
		return hook.Settings{}, false
	}
	return hook.Settings{
		Command:         p.PostDeploy.Command,
		DebounceMinutes: p.PostDeploy.DebounceMinutes,
		TimeoutMinutes:  p.PostDeploy.TimeoutMinutes,
	}, true
}

func toProfile(name string, p ProfileConfig) *deploy.Profile {
	cleanup, err := deploy.ParseCleanupMode(p.CleanupMode)
	if err != nil {
		cleanup = deploy.CleanupMode(p.CleanupMode)
	}
	return &deploy.Profile{
		Name: name,
		Connection: deploy.Connection{
			Transport: storage.BackendType(p.Transport),
			SFTP:      p.SFTP,
			S3:        p.S3,
		},
		RemoteRoot: p.RemoteRoot,
		Build: deploy.BuildSettings{
			Command:    p.Build.Command,
			WorkingDir: p.Build.WorkingDir,
			OutputDir:  p.Build.OutputDir,
			Timeout:    time.Duration(p.Build.TimeoutSeconds) * time.Second,
			Env:        append([]string(nil), p.Build.Env...),
		},
		Concurrency:        p.Concurrency,
		RetryCount:         p.RetryCount,
		RetryDelay:         time.Duration(p.RetryDelayMS) * time.Millisecond,
		UploadsPerSecond:   p.UploadsPerSecond,
		CleanupMode:        cleanup,
		ExcludePatterns:    append([]string(nil), p.Exclude...),
		UseDefaultExcludes: p.UseDefaultExcludes,
		MaintenanceMode:    p.MaintenanceMode,
		MaintenancePage:    p.MaintenancePage,
	}
}
