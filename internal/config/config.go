package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config содержит настройки всего приложения
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Bot       BotConfig       `yaml:"bot"`
	Storage   StorageConfig   `yaml:"storage"`
	ISP       ISPConfig       `yaml:"isp"`
	Metering  MeteringConfig  `yaml:"metering"`
	Transport TransportConfig `yaml:"transport"`
	Log       LogConfig       `yaml:"log"`
}

// BotConfig содержит настройки Telegram бота, используемого для уведомлений администратора
type BotConfig struct {
	Token    string  `yaml:"token"`
	AdminIDs []int64 `yaml:"admin_ids"`
}

// StorageConfig выбирает хранилище состояния
type StorageConfig struct {
	Driver   string         `yaml:"driver"` // json или postgres
	Database DatabaseConfig `yaml:"database"`
}

// DatabaseConfig содержит настройки базы данных
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// ISPConfig содержит настройки кэша провайдеров
type ISPConfig struct {
	Backend   string        `yaml:"backend"` // file или redis
	LookupURL string        `yaml:"lookup_url"`
	TTL       time.Duration `yaml:"ttl"`
	Sweep     time.Duration `yaml:"sweep_interval"`
	Redis     RedisConfig   `yaml:"redis"`
}

// RedisConfig настройки подключения к Redis
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// MeteringConfig настройки опроса трафика
type MeteringConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// TransportConfig настройки выполнения команд на серверах
type TransportConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	KnownHosts     string        `yaml:"known_hosts"`
}

// LogConfig настройки логирования
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GetConnectionString возвращает строку подключения к базе данных
func (dc *DatabaseConfig) GetConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		dc.Host, dc.Port, dc.User, dc.Password, dc.DBName, dc.SSLMode)
}

// Default возвращает конфигурацию со значениями по умолчанию
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load загружает конфигурацию из файла.
// Отсутствующий файл не ошибка: используются значения по умолчанию и переменные окружения.
func Load(path string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyEnv переопределяет секреты из окружения (BOT_TOKEN, ADMIN_ID)
func (c *Config) applyEnv() error {
	if token := strings.TrimSpace(os.Getenv("BOT_TOKEN")); token != "" {
		c.Bot.Token = token
	}
	if raw := strings.TrimSpace(os.Getenv("ADMIN_ID")); raw != "" {
		c.Bot.AdminIDs = c.Bot.AdminIDs[:0]
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return fmt.Errorf("ADMIN_ID must be a number (user or chat id): %w", err)
			}
			c.Bot.AdminIDs = append(c.Bot.AdminIDs, id)
		}
	}
	if dsn := os.Getenv("AWGBOT_DB_PASSWORD"); dsn != "" {
		c.Storage.Database.Password = dsn
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "json"
	}
	if c.Storage.Database.Port == 0 {
		c.Storage.Database.Port = 5432
	}
	if c.Storage.Database.SSLMode == "" {
		c.Storage.Database.SSLMode = "disable"
	}
	if c.ISP.Backend == "" {
		c.ISP.Backend = "file"
	}
	if c.ISP.LookupURL == "" {
		c.ISP.LookupURL = "http://ip-api.com/json/"
	}
	if c.ISP.TTL == 0 {
		c.ISP.TTL = 24 * time.Hour
	}
	if c.ISP.Sweep == 0 {
		c.ISP.Sweep = time.Hour
	}
	if c.ISP.Redis.Key == "" {
		c.ISP.Redis.Key = "awgbot:isp_cache"
	}
	if c.Metering.Interval == 0 {
		c.Metering.Interval = time.Minute
	}
	if c.Transport.CommandTimeout == 0 {
		c.Transport.CommandTimeout = 30 * time.Second
	}
	if c.Transport.DialTimeout == 0 {
		c.Transport.DialTimeout = 10 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate проверяет согласованность настроек
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "json":
	case "postgres":
		if c.Storage.Database.Host == "" || c.Storage.Database.DBName == "" {
			return fmt.Errorf("storage.database.host and storage.database.dbname are required for postgres")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.ISP.Backend {
	case "file":
	case "redis":
		if c.ISP.Redis.Addr == "" {
			return fmt.Errorf("isp.redis.addr is required for redis backend")
		}
	default:
		return fmt.Errorf("unknown isp backend %q", c.ISP.Backend)
	}

	if c.Metering.Interval < time.Second {
		return fmt.Errorf("metering.interval must be at least 1s, got %s", c.Metering.Interval)
	}
	if c.Bot.Token != "" && len(c.Bot.AdminIDs) == 0 {
		return fmt.Errorf("bot.admin_ids is required when bot.token is set")
	}
	return nil
}

// IsAdmin проверяет, входит ли идентификатор в список администраторов
func (c *Config) IsAdmin(id int64) bool {
	for _, adminID := range c.Bot.AdminIDs {
		if adminID == id {
			return true
		}
	}
	return false
}
