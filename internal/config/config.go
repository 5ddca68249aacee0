// Package config loads the process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Role selects which HTTP surface a serve process exposes.
type Role string

const (
	RoleMCPServer        Role = "mcp_server"
	RoleAutomationWorker Role = "automation_worker"
)

// Config is the full environment-driven configuration.
type Config struct {
	Role    Role
	Server  ServerConfig
	Logging LoggingConfig

	Feishu     FeishuConfig
	Bitable    BitableConfig
	Automation AutomationConfig
	LLM        LLMConfig
	Agent      AgentConfig
	Reminder   ReminderConfig
}

type ServerConfig struct {
	Host     string
	HTTPPort int
}

type LoggingConfig struct {
	Level  string
	Format string
}

// FeishuConfig carries channel credentials and event verification material.
type FeishuConfig struct {
	AppID             string
	AppSecret         string
	VerificationToken string
	EncryptKey        string
	Domain            string
}

// BitableConfig points at the default app/table.
type BitableConfig struct {
	DefaultAppToken string
	DefaultTableID  string
	DefaultViewID   string
	Domain          string
}

// AutomationConfig controls the rule engine and its compensation loops.
type AutomationConfig struct {
	Enabled            bool
	RulesFile          string
	StorageDir         string
	StatusWriteEnabled bool
	StatusField        string
	ErrorField         string

	PollerEnabled  bool
	PollerSchedule string
	ScanPageSize   int
	MaxScanPages   int

	TriggerOnNewRecordEvent              bool
	TriggerOnNewRecordScan               bool
	TriggerOnNewRecordScanNeedCheckpoint bool

	ActionMaxRetries        int
	ActionRetryDelaySeconds float64

	EventTTL    time.Duration
	BusinessTTL time.Duration
	MaxDedupe   int

	SyncDeletionsEnabled   bool
	SyncDeletionsMaxPerRun int

	HTTPAllowedDomains []string
	HTTPTimeout        time.Duration

	WebhookAPIKey          string
	WebhookSignatureSecret string
	WebhookTimestampWindow time.Duration

	SchemaSyncEnabled      bool
	SchemaSyncInterval     time.Duration
	SchemaSyncEventDriven  bool
	SchemaWebhookURL       string
	SchemaWebhookSecret    string
	SchemaWebhookDrill     bool
	SchemaWebhookTimeout   time.Duration
	SchemaWebhookMaxRetry  int
}

// LLMConfig routes between the task model and the chat model.
type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	TaskBaseURL string
	TaskAPIKey  string
	TaskModel   string
	Timeout     time.Duration
}

// AgentConfig is the orchestrator-side configuration.
type AgentConfig struct {
	MCPServerBase    string
	SkillsConfigFile string
	SessionTTL       time.Duration
	PendingTTL       time.Duration
	Timezone         string
}

// ReminderConfig toggles the durable reminder scheduler.
type ReminderConfig struct {
	PostgresDSN      string
	SchedulerEnabled bool
	ScanInterval     time.Duration
}

// Load reads the configuration from the environment. A .env file in the
// working directory is merged in first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Role: Role(envString("ROLE", string(RoleMCPServer))),
		Server: ServerConfig{
			Host:     envString("SERVER_HOST", "0.0.0.0"),
			HTTPPort: envInt("SERVER_HTTP_PORT", 8080),
		},
		Logging: LoggingConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "text"),
		},
		Feishu: FeishuConfig{
			AppID:             envString("FEISHU_APP_ID", ""),
			AppSecret:         envString("FEISHU_APP_SECRET", ""),
			VerificationToken: envString("FEISHU_VERIFICATION_TOKEN", ""),
			EncryptKey:        envString("FEISHU_ENCRYPT_KEY", ""),
			Domain:            envString("FEISHU_DOMAIN", "https://open.feishu.cn/open-apis"),
		},
		Bitable: BitableConfig{
			DefaultAppToken: envString("BITABLE_APP_TOKEN", ""),
			DefaultTableID:  envString("BITABLE_TABLE_ID", ""),
			DefaultViewID:   envString("BITABLE_VIEW_ID", ""),
			Domain:          envString("BITABLE_DOMAIN", ""),
		},
		Automation: AutomationConfig{
			Enabled:            envBool("AUTOMATION_ENABLED", false),
			RulesFile:          envString("AUTOMATION_RULES_FILE", "config/rules.yaml"),
			StorageDir:         envString("AUTOMATION_STORAGE_DIR", "data/automation"),
			StatusWriteEnabled: envBool("AUTOMATION_STATUS_WRITE_ENABLED", false),
			StatusField:        envString("AUTOMATION_STATUS_FIELD", ""),
			ErrorField:         envString("AUTOMATION_ERROR_FIELD", ""),

			PollerEnabled:  envBool("AUTOMATION_POLLER_ENABLED", false),
			PollerSchedule: envString("AUTOMATION_POLLER_SCHEDULE", "@every 5m"),
			ScanPageSize:   envInt("AUTOMATION_SCAN_PAGE_SIZE", 100),
			MaxScanPages:   envInt("AUTOMATION_MAX_SCAN_PAGES", 50),

			TriggerOnNewRecordEvent:              envBool("AUTOMATION_TRIGGER_ON_NEW_RECORD_EVENT", false),
			TriggerOnNewRecordScan:               envBool("AUTOMATION_TRIGGER_ON_NEW_RECORD_SCAN", false),
			TriggerOnNewRecordScanNeedCheckpoint: envBool("AUTOMATION_TRIGGER_ON_NEW_RECORD_SCAN_REQUIRES_CHECKPOINT", true),

			ActionMaxRetries:        envInt("AUTOMATION_ACTION_MAX_RETRIES", 3),
			ActionRetryDelaySeconds: envFloat("AUTOMATION_ACTION_RETRY_DELAY_SECONDS", 1),

			EventTTL:    envDuration("AUTOMATION_EVENT_TTL_SECONDS", 24*time.Hour),
			BusinessTTL: envDuration("AUTOMATION_BUSINESS_TTL_SECONDS", 24*time.Hour),
			MaxDedupe:   envInt("AUTOMATION_MAX_DEDUPE_KEYS", 10000),

			SyncDeletionsEnabled:   envBool("AUTOMATION_SYNC_DELETIONS_ENABLED", false),
			SyncDeletionsMaxPerRun: envInt("AUTOMATION_SYNC_DELETIONS_MAX_PER_RUN", 50),

			HTTPAllowedDomains: envList("AUTOMATION_HTTP_ALLOWED_DOMAINS"),
			HTTPTimeout:        envDuration("AUTOMATION_HTTP_TIMEOUT_SECONDS", 10*time.Second),

			WebhookAPIKey:          envString("AUTOMATION_WEBHOOK_API_KEY", ""),
			WebhookSignatureSecret: envString("AUTOMATION_WEBHOOK_SIGNATURE_SECRET", ""),
			WebhookTimestampWindow: envDuration("AUTOMATION_WEBHOOK_TIMESTAMP_TOLERANCE_SECONDS", 300*time.Second),

			SchemaSyncEnabled:     envBool("AUTOMATION_SCHEMA_SYNC_ENABLED", false),
			SchemaSyncInterval:    envDuration("AUTOMATION_SCHEMA_SYNC_INTERVAL_SECONDS", time.Hour),
			SchemaSyncEventDriven: envBool("AUTOMATION_SCHEMA_SYNC_EVENT_DRIVEN", true),
			SchemaWebhookURL:      envString("AUTOMATION_SCHEMA_WEBHOOK_URL", ""),
			SchemaWebhookSecret:   envString("AUTOMATION_SCHEMA_WEBHOOK_SECRET", ""),
			SchemaWebhookDrill:    envBool("AUTOMATION_SCHEMA_WEBHOOK_DRILL_ENABLED", false),
			SchemaWebhookTimeout:  envDuration("AUTOMATION_SCHEMA_WEBHOOK_TIMEOUT_SECONDS", 5*time.Second),
			SchemaWebhookMaxRetry: envInt("AUTOMATION_SCHEMA_WEBHOOK_MAX_RETRIES", 2),
		},
		LLM: LLMConfig{
			BaseURL:     envString("LLM_BASE_URL", ""),
			APIKey:      envString("LLM_API_KEY", ""),
			Model:       envString("LLM_MODEL", ""),
			TaskBaseURL: envString("TASK_LLM_BASE_URL", ""),
			TaskAPIKey:  envString("TASK_LLM_API_KEY", ""),
			TaskModel:   envString("TASK_LLM_MODEL", ""),
			Timeout:     envDuration("LLM_TIMEOUT_SECONDS", 10*time.Second),
		},
		Agent: AgentConfig{
			MCPServerBase:    envString("MCP_SERVER_BASE", "http://127.0.0.1:8080"),
			SkillsConfigFile: envString("AGENT_SKILLS_CONFIG", "config/skills.yaml"),
			SessionTTL:       envDuration("AGENT_SESSION_TTL_SECONDS", 30*time.Minute),
			PendingTTL:       envDuration("AGENT_PENDING_TTL_SECONDS", 5*time.Minute),
			Timezone:         envString("AGENT_TIMEZONE", "Asia/Shanghai"),
		},
		Reminder: ReminderConfig{
			PostgresDSN:      envString("POSTGRES_DSN", ""),
			SchedulerEnabled: envBool("REMINDER_SCHEDULER_ENABLED", false),
			ScanInterval:     envDuration("REMINDER_SCAN_INTERVAL_SECONDS", time.Minute),
		},
	}

	return cfg, nil
}

// Validate checks fatal-init requirements for the given serve role.
// Failures here exit the process with code 1.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleMCPServer, RoleAutomationWorker:
	default:
		return fmt.Errorf("ROLE must be %s or %s, got %q", RoleMCPServer, RoleAutomationWorker, c.Role)
	}
	if c.Feishu.AppID == "" || c.Feishu.AppSecret == "" {
		return fmt.Errorf("FEISHU_APP_ID and FEISHU_APP_SECRET are required")
	}
	if c.Role == RoleAutomationWorker && c.Automation.Enabled && c.Automation.RulesFile == "" {
		return fmt.Errorf("AUTOMATION_RULES_FILE is required when automation is enabled")
	}
	return nil
}

// ValidateAgent checks fatal-init requirements for the orchestrator process.
func (c *Config) ValidateAgent() error {
	if c.Feishu.AppID == "" || c.Feishu.AppSecret == "" {
		return fmt.Errorf("FEISHU_APP_ID and FEISHU_APP_SECRET are required")
	}
	if strings.TrimSpace(c.Agent.MCPServerBase) == "" {
		return fmt.Errorf("MCP_SERVER_BASE is required")
	}
	if c.Reminder.SchedulerEnabled && c.Reminder.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required when REMINDER_SCHEDULER_ENABLED=true")
	}
	return nil
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// envDuration reads bare numbers as seconds, otherwise time.ParseDuration
// syntax.
func envDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func envList(key string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
