package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Port string `yaml:"port"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
}

type AuthConfig struct {
	// bcrypt hash of the operator password for the control API
	OperatorPasswordHash string `yaml:"operator_password_hash"`
}

type DBConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MQConfig struct {
	URL string `yaml:"url"`
}

type MailConfig struct {
	Host         string `yaml:"host"`
	Port         string `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TLS          bool   `yaml:"tls"`
	Query        string `yaml:"query"`         // subject substring filter, e.g. "class registration"
	LookbackDays int    `yaml:"lookback_days"` // search window for the inbox scan
}

type LLMConfig struct {
	Provider       string  `yaml:"provider"` // openai or anthropic
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

type CalendarConfig struct {
	BaseURL        string `yaml:"base_url"`
	CalendarID     string `yaml:"calendar_id"`
	Token          string `yaml:"token"`
	Timezone       string `yaml:"timezone"`
	AttendeeEmail  string `yaml:"attendee_email"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type GymConfig struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

type AgentConfig struct {
	CheckIntervalMinutes int     `yaml:"check_interval_minutes"`
	MaxEmailsPerCheck    int     `yaml:"max_emails_per_check"`
	ConfidenceThreshold  float64 `yaml:"confidence_threshold"`
	EventDurationMinutes int     `yaml:"event_duration_minutes"`
	DefaultEventHour     int     `yaml:"default_event_hour"`
	EnableCalendarCreate bool    `yaml:"enable_calendar_creation"`
	EnableAutoRegister   bool    `yaml:"enable_auto_registration"`
	Workers              int     `yaml:"workers"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	JWT      JWTConfig      `yaml:"jwt"`
	Auth     AuthConfig     `yaml:"auth"`
	DB       DBConfig       `yaml:"db"`
	Redis    RedisConfig    `yaml:"redis"`
	MQ       MQConfig       `yaml:"mq"`
	Mail     MailConfig     `yaml:"mail"`
	LLM      LLMConfig      `yaml:"llm"`
	Calendar CalendarConfig `yaml:"calendar"`
	Gym      GymConfig      `yaml:"gym"`
	Agent    AgentConfig    `yaml:"agent"`
}

// Load reads config.yaml, applies env overrides and fills defaults.
// Validation is separate so main can fail fast with a clear error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	overrideFromEnv(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	if cfg.Agent.CheckIntervalMinutes <= 0 {
		cfg.Agent.CheckIntervalMinutes = 5
	}
	if cfg.Agent.MaxEmailsPerCheck <= 0 {
		cfg.Agent.MaxEmailsPerCheck = 10
	}
	if cfg.Agent.ConfidenceThreshold <= 0 {
		cfg.Agent.ConfidenceThreshold = 0.7
	}
	if cfg.Agent.EventDurationMinutes <= 0 {
		cfg.Agent.EventDurationMinutes = 60
	}
	if cfg.Agent.DefaultEventHour <= 0 {
		cfg.Agent.DefaultEventHour = 18
	}
	if cfg.Agent.Workers <= 0 {
		cfg.Agent.Workers = 2
	}
	if cfg.Mail.LookbackDays <= 0 {
		cfg.Mail.LookbackDays = 7
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4-turbo-preview"
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = 1000
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = 30
	}
	if cfg.Calendar.CalendarID == "" {
		cfg.Calendar.CalendarID = "primary"
	}
	if cfg.Calendar.Timezone == "" {
		cfg.Calendar.Timezone = "America/New_York"
	}
	if cfg.Calendar.TimeoutSeconds <= 0 {
		cfg.Calendar.TimeoutSeconds = 10
	}
	if cfg.Gym.Name == "" {
		cfg.Gym.Name = "Boxing Gym"
	}
}

// Validate checks startup-fatal configuration. The process must not begin
// polling in an invalid configuration.
func Validate(cfg *Config) error {
	var missing []string
	if cfg.Mail.Host == "" {
		missing = append(missing, "mail.host")
	}
	if cfg.Mail.Username == "" {
		missing = append(missing, "mail.username")
	}
	if cfg.Mail.Password == "" {
		missing = append(missing, "mail.password")
	}
	if cfg.JWT.Secret == "" {
		missing = append(missing, "jwt.secret")
	}
	if cfg.Auth.OperatorPasswordHash == "" {
		missing = append(missing, "auth.operator_password_hash")
	}
	if cfg.MQ.URL == "" {
		missing = append(missing, "mq.url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config values: %v", missing)
	}

	switch cfg.LLM.Provider {
	case "openai", "anthropic":
		if cfg.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key is required when llm.provider is %q", cfg.LLM.Provider)
		}
	default:
		return fmt.Errorf("unsupported llm provider: %q", cfg.LLM.Provider)
	}

	if cfg.Agent.EnableCalendarCreate && cfg.Calendar.Token == "" {
		return fmt.Errorf("calendar.token is required when calendar creation is enabled")
	}

	return nil
}

// 环境变量覆盖（生产环境使用）
func overrideFromEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWT.Secret = secret
	}
	if hash := os.Getenv("OPERATOR_PASSWORD_HASH"); hash != "" {
		cfg.Auth.OperatorPasswordHash = hash
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DB.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.DB.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DB.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DB.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.DB.Name = name
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.MQ.URL = url
	}

	if password := os.Getenv("MAIL_PASSWORD"); password != "" {
		cfg.Mail.Password = password
	}
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if token := os.Getenv("CALENDAR_TOKEN"); token != "" {
		cfg.Calendar.Token = token
	}
}
