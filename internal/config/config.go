package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig 汇总运行服务与运维命令所需的基础配置。
type AppConfig struct {
	ListenAddr            string        `yaml:"listen_addr"`
	Port                  string        `yaml:"port"`
	DatabaseDriver        string        `yaml:"database_driver"`
	DatabasePath          string        `yaml:"database_path"`
	DatabaseDSN           string        `yaml:"database_dsn"`
	SessionSecret         string        `yaml:"session_secret"`
	GinMode               string        `yaml:"gin_mode"`
	LogMode               string        `yaml:"log_mode"`
	AlertWebhookURL       string        `yaml:"alert_webhook_url"`
	VerifyInterval        time.Duration `yaml:"verify_interval"`
	VerifySampleSize      int           `yaml:"verify_sample_size"`
	ExpectedSourceVersion string        `yaml:"expected_source_version"`
	SuperRootUserName     string        `yaml:"super_root_user_name"`
	SuperRootPassword     string        `yaml:"super_root_password"`
}

// DSN 返回当前驱动使用的连接串：sqlite 取 DatabasePath，其余取 DatabaseDSN。
func (c AppConfig) DSN() string {
	if c.DatabaseDriver == "" || c.DatabaseDriver == "sqlite" {
		return c.DatabasePath
	}
	return c.DatabaseDSN
}

// Load 从环境变量读取应用配置，并为缺失项提供安全的默认值。
// 若设置了 CONFIG_FILE，则先读取该 YAML 文件，再由环境变量覆盖。
func Load() (AppConfig, error) {
	cfg := AppConfig{}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return AppConfig{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	overrideString(&cfg.Port, "PORT")
	overrideString(&cfg.ListenAddr, "LISTEN_ADDR")
	overrideString(&cfg.DatabaseDriver, "DATABASE_DRIVER")
	overrideString(&cfg.DatabasePath, "DATABASE_PATH")
	overrideString(&cfg.DatabaseDSN, "DATABASE_DSN")
	overrideString(&cfg.SessionSecret, "SESSION_SECRET")
	overrideString(&cfg.GinMode, "GIN_MODE")
	overrideString(&cfg.LogMode, "LOG_MODE")
	overrideString(&cfg.AlertWebhookURL, "ALERT_WEBHOOK_URL")
	overrideString(&cfg.ExpectedSourceVersion, "EXPECTED_SOURCE_VERSION")
	overrideString(&cfg.SuperRootUserName, "SUPER_ROOT_USER_NAME")
	overrideString(&cfg.SuperRootPassword, "SUPER_ROOT_PASSWORD")

	if raw := strings.TrimSpace(os.Getenv("VERIFY_INTERVAL")); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			return AppConfig{}, fmt.Errorf("invalid VERIFY_INTERVAL %q: %w", raw, err)
		}
		cfg.VerifyInterval = interval
	}
	if raw := strings.TrimSpace(os.Getenv("VERIFY_SAMPLE_SIZE")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return AppConfig{}, fmt.Errorf("invalid VERIFY_SAMPLE_SIZE %q: %w", raw, err)
		}
		cfg.VerifySampleSize = size
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func overrideString(dst *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = fmt.Sprintf(":%s", cfg.Port)
	}
	cfg.DatabaseDriver = strings.ToLower(cfg.DatabaseDriver)
	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = "sqlite"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "habitlog.db"
	}
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = "habitlog-dev-secret"
	}
	if cfg.GinMode == "" {
		cfg.GinMode = "release"
	}
	if cfg.LogMode == "" {
		cfg.LogMode = "dev"
	}
	if cfg.VerifySampleSize <= 0 {
		cfg.VerifySampleSize = 10
	}
	if cfg.VerifyInterval < 0 {
		cfg.VerifyInterval = 0
	}
	if cfg.ExpectedSourceVersion == "" {
		cfg.ExpectedSourceVersion = "migration"
	}
}
