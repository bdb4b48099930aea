package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	Call      CallConfig      `mapstructure:"call"`
	ICE       ICEConfig       `mapstructure:"ice"`
	Store     StoreConfig     `mapstructure:"store"`
	Media     MediaConfig     `mapstructure:"media"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type CallConfig struct {
	RingTimeout    time.Duration `mapstructure:"ring_timeout"`
	DeleteGrace    time.Duration `mapstructure:"delete_grace"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type ICEConfig struct {
	Servers             []ICEServer   `mapstructure:"servers"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepaliveInterval   time.Duration `mapstructure:"keepalive_interval"`
}

type StoreConfig struct {
	Backend       string `mapstructure:"backend"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

type MediaConfig struct {
	AllowAudio bool `mapstructure:"allow_audio"`
	AllowVideo bool `mapstructure:"allow_video"`
}

type RateLimitConfig struct {
	Actions  int           `mapstructure:"actions"`
	Interval time.Duration `mapstructure:"interval"`
}

const (
	BackendMemory = "memory"
	BackendMongo  = "mongo"
)

// WebRTCServers converts configured relays, dropping entries without URLs.
func (c ICEConfig) WebRTCServers() []webrtc.ICEServer {
	servers := lo.Filter(c.Servers, func(s ICEServer, _ int) bool {
		return len(lo.Compact(s.URLs)) > 0
	})
	return lo.Map(servers, func(s ICEServer, _ int) webrtc.ICEServer {
		out := webrtc.ICEServer{URLs: lo.Compact(s.URLs)}
		if s.Username != "" {
			out.Username = s.Username
			out.Credential = s.Credential
		}
		return out
	})
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("call.ring_timeout", "30s")
	v.SetDefault("call.delete_grace", "5s")
	v.SetDefault("call.publish_timeout", "5s")

	v.SetDefault("ice.servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
	v.SetDefault("ice.disconnected_timeout", "5s")
	v.SetDefault("ice.failed_timeout", "25s")
	v.SetDefault("ice.keepalive_interval", "2s")

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo_database", "peercall")

	v.SetDefault("media.allow_audio", true)
	v.SetDefault("media.allow_video", true)

	v.SetDefault("ratelimit.actions", 10)
	v.SetDefault("ratelimit.interval", "10s")
}

func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName over the defaults. A missing file is not an
// error; VOICE_* environment variables override both.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Store: %s\n", cfg.Mode, cfg.Port, cfg.Store.Backend)
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendMongo:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("call.ring_timeout must be positive")
	}
	if c.RateLimit.Actions <= 0 || c.RateLimit.Interval <= 0 {
		return fmt.Errorf("ratelimit needs positive actions and interval")
	}
	return nil
}
