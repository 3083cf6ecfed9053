package main

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	SlackBotToken      string `yaml:"slack_bot_token"`
	SlackSigningSecret string `yaml:"slack_signing_secret"`

	FeedbackChannelID   string `yaml:"feedback_channel_id"`
	FeedbackChannelName string `yaml:"feedback_channel_name"`
	ApprovalChannelID   string `yaml:"approval_channel_id"`

	NotionAPIKey     string `yaml:"notion_api_key"`
	NotionDatabaseID string `yaml:"notion_database_id"`

	LLMProvider         string `yaml:"llm_provider"`
	LLMModel            string `yaml:"llm_model"`
	AnthropicAPIKey     string `yaml:"anthropic_api_key"`
	OpenAIAPIKey        string `yaml:"openai_api_key"`
	ConfidenceThreshold int    `yaml:"confidence_threshold"` // 0-100

	StoreBackend string `yaml:"store_backend"` // "file" or "sqlite"
	StorePath    string `yaml:"store_path"`

	ListenAddr string `yaml:"listen_addr"`

	SweepSchedule string `yaml:"sweep_schedule"` // 5-field cron
	RetentionDays int    `yaml:"retention_days"`

	// When poll_schedule is set, ingestion runs off a periodic channel scan
	// instead of the Slack Events API push. Button interactions always
	// arrive over HTTP either way.
	PollSchedule        string `yaml:"poll_schedule"`
	PollLookbackMinutes int    `yaml:"poll_lookback_minutes"`

	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

func LoadConfig() Config {
	var cfg Config

	// Load from config.yaml if it exists
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackSigningSecret, "SLACK_SIGNING_SECRET")
	envOverride(&cfg.FeedbackChannelID, "FEEDBACK_CHANNEL_ID")
	envOverride(&cfg.FeedbackChannelName, "FEEDBACK_CHANNEL_NAME")
	envOverride(&cfg.ApprovalChannelID, "APPROVAL_CHANNEL_ID")
	envOverride(&cfg.NotionAPIKey, "NOTION_API_KEY")
	envOverride(&cfg.NotionDatabaseID, "NOTION_DATABASE_ID")
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverrideInt(&cfg.ConfidenceThreshold, "CONFIDENCE_THRESHOLD")
	envOverride(&cfg.StoreBackend, "STORE_BACKEND")
	envOverride(&cfg.StorePath, "STORE_PATH")
	envOverride(&cfg.ListenAddr, "LISTEN_ADDR")
	envOverride(&cfg.SweepSchedule, "SWEEP_SCHEDULE")
	envOverrideInt(&cfg.RetentionDays, "RETENTION_DAYS")
	envOverride(&cfg.PollSchedule, "POLL_SCHEDULE")
	envOverrideInt(&cfg.PollLookbackMinutes, "POLL_LOOKBACK_MINUTES")
	envOverrideInt(&cfg.QueueSize, "QUEUE_SIZE")
	envOverrideInt(&cfg.Workers, "WORKERS")

	// Defaults
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 60
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = "file"
	}
	if cfg.StorePath == "" {
		if cfg.StoreBackend == "sqlite" {
			cfg.StorePath = "./feedbackbot.db"
		} else {
			cfg.StorePath = "./feedbackbot.json"
		}
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "0 3 * * *"
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 7
	}
	if cfg.PollLookbackMinutes == 0 {
		cfg.PollLookbackMinutes = 10
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 64
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}

	// Validate required fields
	required := map[string]string{
		"slack_bot_token":     cfg.SlackBotToken,
		"feedback_channel_id": cfg.FeedbackChannelID,
		"approval_channel_id": cfg.ApprovalChannelID,
		"notion_api_key":      cfg.NotionAPIKey,
		"notion_database_id":  cfg.NotionDatabaseID,
	}
	for name, val := range required {
		if val == "" {
			log.Fatalf("Required config '%s' is not set (via config.yaml or env var)", name)
		}
	}

	switch cfg.LLMProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			log.Fatalf("anthropic_api_key is required when llm_provider=anthropic")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			log.Fatalf("openai_api_key is required when llm_provider=openai")
		}
	default:
		log.Fatalf("llm_provider must be 'anthropic' or 'openai', got '%s'", cfg.LLMProvider)
	}

	if cfg.StoreBackend != "file" && cfg.StoreBackend != "sqlite" {
		log.Fatalf("store_backend must be 'file' or 'sqlite', got '%s'", cfg.StoreBackend)
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 100 {
		log.Fatalf("invalid confidence_threshold '%d': must be between 0 and 100", cfg.ConfidenceThreshold)
	}
	if cfg.RetentionDays < 1 {
		log.Fatalf("invalid retention_days '%d': must be >= 1", cfg.RetentionDays)
	}
	if cfg.QueueSize < 1 {
		log.Fatalf("invalid queue_size '%d': must be >= 1", cfg.QueueSize)
	}
	if cfg.Workers < 1 {
		log.Fatalf("invalid workers '%d': must be >= 1", cfg.Workers)
	}
	if err := validateCronSpec(cfg.SweepSchedule); err != nil {
		log.Fatalf("invalid sweep_schedule '%s': %v", cfg.SweepSchedule, err)
	}
	if cfg.PollSchedule != "" {
		if err := validateCronSpec(cfg.PollSchedule); err != nil {
			log.Fatalf("invalid poll_schedule '%s': %v", cfg.PollSchedule, err)
		}
		if cfg.PollLookbackMinutes < 1 {
			log.Fatalf("invalid poll_lookback_minutes '%d': must be >= 1", cfg.PollLookbackMinutes)
		}
	}

	return cfg
}

func validateCronSpec(spec string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(strings.TrimSpace(spec))
	return err
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}
