package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	GeneralParams GeneralParams
	MainDBParams  MainDBParams
	BusParams     BusParams
	S3Params      S3Params
	CallParams    CallParams
}

type GeneralParams struct {
	Env         string
	SecretKey   string
	HTTPaddress string
	NodeName    string
	TokenTTL    time.Duration
}

type MainDBParams struct {
	Username string
	Password string
	Name     string
	Port     int
	Host     string
	Timeout  int
}

// BusParams point at the valkey instance carrying signals and presence.
type BusParams struct {
	Host     string
	Password string
}

type S3Params struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	BucketName      string
}

type CallParams struct {
	RingTimeout    time.Duration
	DialGrace      time.Duration
	EnrichTimeout  time.Duration
	MediaURLTTL    time.Duration
	RetryBackoff   time.Duration
	SeenCacheSize  int
	PresenceTTL    time.Duration
	StaleCallAfter time.Duration
	SignalLogTTL   time.Duration
	SweepInterval  time.Duration
}

type ConfigManager struct {
	v      *viper.Viper
	config *Config
}

// NewConfigManager creates new config manager that handles
// all viper config options and loads a config from yaml
func NewConfigManager(configPath string) (*ConfigManager, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cm := &ConfigManager{v: v}
	cm.loadConfig()

	return cm, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general_params.env", "dev")
	v.SetDefault("general_params.http_server_address", ":8080")
	v.SetDefault("general_params.node_name", "callcore-1")
	v.SetDefault("general_params.token_ttl", "15m")

	v.SetDefault("main_db_params.db_port", 5432)
	v.SetDefault("main_db_params.db_timeout", 5)

	v.SetDefault("call_params.ring_timeout", "45s")
	v.SetDefault("call_params.dial_grace", "15s")
	v.SetDefault("call_params.enrich_timeout", "5s")
	v.SetDefault("call_params.media_url_ttl", "300s")
	v.SetDefault("call_params.retry_backoff", "500ms")
	v.SetDefault("call_params.seen_cache_size", 4096)
	v.SetDefault("call_params.presence_ttl", "60s")
	v.SetDefault("call_params.stale_call_after", "5m")
	v.SetDefault("call_params.signal_log_ttl", "24h")
	v.SetDefault("call_params.sweep_interval", "1m")
}

// Extracting data from yaml file and loading into Config
func (cm *ConfigManager) loadConfig() {
	cm.config = &Config{
		GeneralParams: GeneralParams{
			Env:         cm.v.GetString("general_params.env"),
			SecretKey:   cm.v.GetString("general_params.secret_key"),
			HTTPaddress: cm.v.GetString("general_params.http_server_address"),
			NodeName:    cm.v.GetString("general_params.node_name"),
			TokenTTL:    cm.v.GetDuration("general_params.token_ttl"),
		},
		MainDBParams: MainDBParams{
			Username: cm.v.GetString("main_db_params.db_username"),
			Password: cm.v.GetString("main_db_params.db_password"),
			Name:     cm.v.GetString("main_db_params.db_name"),
			Port:     cm.v.GetInt("main_db_params.db_port"),
			Host:     cm.v.GetString("main_db_params.db_host"),
			Timeout:  cm.v.GetInt("main_db_params.db_timeout"),
		},
		BusParams: BusParams{
			Host:     cm.v.GetString("bus_params.host"),
			Password: cm.v.GetString("bus_params.password"),
		},
		S3Params: S3Params{
			Endpoint:        cm.v.GetString("s3_params.endpoint"),
			AccessKeyID:     cm.v.GetString("s3_params.access_key_id"),
			SecretAccessKey: cm.v.GetString("s3_params.secret_access_key"),
			UseSSL:          cm.v.GetBool("s3_params.use_ssl"),
			BucketName:      cm.v.GetString("s3_params.bucket_name"),
		},
		CallParams: CallParams{
			RingTimeout:    cm.v.GetDuration("call_params.ring_timeout"),
			DialGrace:      cm.v.GetDuration("call_params.dial_grace"),
			EnrichTimeout:  cm.v.GetDuration("call_params.enrich_timeout"),
			MediaURLTTL:    cm.v.GetDuration("call_params.media_url_ttl"),
			RetryBackoff:   cm.v.GetDuration("call_params.retry_backoff"),
			SeenCacheSize:  cm.v.GetInt("call_params.seen_cache_size"),
			PresenceTTL:    cm.v.GetDuration("call_params.presence_ttl"),
			StaleCallAfter: cm.v.GetDuration("call_params.stale_call_after"),
			SignalLogTTL:   cm.v.GetDuration("call_params.signal_log_ttl"),
			SweepInterval:  cm.v.GetDuration("call_params.sweep_interval"),
		},
	}
}

// Geting config instance
func (cm *ConfigManager) GetConfig() *Config {
	return cm.config
}

// Compiling a string to connect to main db
func (db *MainDBParams) GetDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?connect_timeout=%d&sslmode=disable",
		db.Username,
		db.Password,
		db.Host,
		db.Port,
		db.Name,
		db.Timeout,
	)
}

// S3Enabled reports whether photo storage is configured.
func (s *S3Params) S3Enabled() bool {
	return s.Endpoint != ""
}

func (c *Config) Validate() error {
	// Checking secret key
	if c.GeneralParams.SecretKey == "" {
		return fmt.Errorf("parameter secret_key is required")
	}

	// Checking http address
	if c.GeneralParams.HTTPaddress == "" {
		return fmt.Errorf("parameter http_server_address is required")
	}

	// Checking out enviroment variable
	switch c.GeneralParams.Env {
	case "dev", "prod", "test":
	default:
		return fmt.Errorf("env parameter is invalid: %s. try dev/prod/test instead", c.GeneralParams.Env)
	}

	if c.GeneralParams.TokenTTL <= 0 {
		return fmt.Errorf("token_ttl must be positive")
	}

	// Checking MainDbparams
	db := c.MainDBParams
	if db.Host == "" {
		return fmt.Errorf("MainDB: host is required")
	}
	if db.Username == "" {
		return fmt.Errorf("MainDB: username is required")
	}
	if db.Password == "" {
		return fmt.Errorf("MainDB: password is required")
	}
	if db.Name == "" {
		return fmt.Errorf("MainDB: name is required")
	}
	if db.Port <= 0 || db.Port > 65535 {
		return fmt.Errorf("MainDB: port must be between 1 and 65535")
	}

	// Checking bus params
	if c.BusParams.Host == "" {
		return fmt.Errorf("bus host is required")
	}

	// S3 is optional; callers are shown without photos when it is off.
	if c.S3Params.S3Enabled() {
		if c.S3Params.AccessKeyID == "" {
			return fmt.Errorf("S3 access_key_id is required")
		}
		if c.S3Params.SecretAccessKey == "" {
			return fmt.Errorf("S3 secret_access_key is required")
		}
		if c.S3Params.BucketName == "" {
			return fmt.Errorf("S3 bucket name is required")
		}
	}

	return c.CallParams.validate()
}

func (p *CallParams) validate() error {
	for name, d := range map[string]time.Duration{
		"ring_timeout":     p.RingTimeout,
		"dial_grace":       p.DialGrace,
		"enrich_timeout":   p.EnrichTimeout,
		"media_url_ttl":    p.MediaURLTTL,
		"retry_backoff":    p.RetryBackoff,
		"presence_ttl":     p.PresenceTTL,
		"stale_call_after": p.StaleCallAfter,
		"signal_log_ttl":   p.SignalLogTTL,
		"sweep_interval":   p.SweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("call_params.%s must be positive", name)
		}
	}

	if p.MediaURLTTL > 7*24*time.Hour {
		return fmt.Errorf("call_params.media_url_ttl must be at most 7 days")
	}
	if p.EnrichTimeout >= p.RingTimeout {
		return fmt.Errorf("call_params.enrich_timeout must be shorter than ring_timeout")
	}
	// Stale rows block new calls between the pair, but live ones must survive
	// their full dial window.
	if p.StaleCallAfter < p.RingTimeout+p.DialGrace {
		return fmt.Errorf("call_params.stale_call_after must cover ring_timeout plus dial_grace")
	}
	if p.SeenCacheSize <= 0 {
		return fmt.Errorf("call_params.seen_cache_size must be positive")
	}

	return nil
}
