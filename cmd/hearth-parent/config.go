package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/hearth/internal/api/http"
	"github.com/EternisAI/hearth/internal/db"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log          LogConfig
	Http         http.Config
	Grpc         GrpcConfig
	DB           db.Config
	Identity     IdentityConfig
	Agents       AgentsConfig
	Provisioning ProvisioningConfig
	Discovery    DiscoveryConfig
	Extensions   ExtensionsConfig
}

type GrpcConfig struct {
	// Port 0 disables the health server.
	Port int `mapstructure:"port"`
}

type IdentityConfig struct {
	Dir     string `mapstructure:"dir"`
	KeyBits int    `mapstructure:"key_bits"`
}

type AgentsConfig struct {
	OnlineThreshold time.Duration `mapstructure:"online_threshold"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	LatestVersion   string        `mapstructure:"latest_version"`
}

type ProvisioningConfig struct {
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	CodeTTL      time.Duration `mapstructure:"code_ttl"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

type DiscoveryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceType string `mapstructure:"service_type"`
}

type ExtensionsConfig struct {
	Dir string `mapstructure:"dir"`
}

var config Config

func setDefaults() {
	viper.SetDefault("log.level", LOG_LEVEL_INFO)
	viper.SetDefault("log.format", LOG_FORMAT_AUTO)
	viper.SetDefault("http.port", 8420)
	viper.SetDefault("grpc.port", 8421)
	viper.SetDefault("db.driver", db.DriverSQLite)
	viper.SetDefault("db.path", "data/hearth.db")
	viper.SetDefault("db.schema", "public")
	viper.SetDefault("db.max_conns", 10)
	viper.SetDefault("identity.dir", "data/identity")
	viper.SetDefault("identity.key_bits", 4096)
	viper.SetDefault("agents.online_threshold", "5m")
	viper.SetDefault("agents.sweep_interval", "2m")
	viper.SetDefault("provisioning.token_ttl", "72h")
	viper.SetDefault("provisioning.code_ttl", "15m")
	viper.SetDefault("provisioning.reap_interval", "10m")
	viper.SetDefault("discovery.enabled", true)
	viper.SetDefault("discovery.service_type", "_hearth-parent._tcp")
}

func InitConfig() {
	var err error

	_ = godotenv.Load()

	setDefaults()
	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/hearth-parent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("http.admin_api_key", "HEARTH_ADMIN_API_KEY")
	_ = viper.BindEnv("db.url", "DATABASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	// Initialize logger with configured level and format
	initLogger(config.Log.Level, config.Log.Format)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		if redacted.Http.AdminAPIKey != "" {
			redacted.Http.AdminAPIKey = "***"
		}
		redacted.DB.Url = ""
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
