package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"github.com/samhotchkiss/popo-bridge/internal/agent"
)

func init() {
	// Auto-load .env file if present (don't override existing env vars)
	_ = godotenv.Load(".env")
}

const (
	defaultPort          = "4200"
	defaultEnvironment   = "development"
	defaultLogLevel      = "info"
	defaultMemoryBackend = MemoryBackendLocal
	defaultMemoryTTL     = time.Hour
	defaultRedisAddr     = "localhost:6379"
	defaultPoolSize      = 64
	defaultAgentBaseURL  = "http://localhost/v1"
	defaultPOPOBaseURL   = "https://open.popo.netease.com/open-apis/robots/v1"
	defaultPOPOTokenTTL  = 90 * time.Minute
	defaultDeploymentID  = "default"
	defaultPOPOTimezone  = "Asia/Shanghai"
)

const (
	MemoryBackendLocal    = "memory"
	MemoryBackendRedis    = "redis"
	MemoryBackendPostgres = "postgres"
)

type MemoryConfig struct {
	Backend       string
	TTL           time.Duration
	SweepInterval time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type DispatchConfig struct {
	PoolSize int
}

type AgentConfig struct {
	BaseURL string
	Timeout time.Duration
}

type POPOConfig struct {
	APIBaseURL string
	TokenTTL   time.Duration
	// Location is the zone POPO writes event addtime values in.
	Location *time.Location
}

type Config struct {
	Port        string
	DatabaseURL string
	Environment string
	LogLevel    string
	BotsFile    string
	Memory      MemoryConfig
	Dispatch    DispatchConfig
	Agent       AgentConfig
	POPO        POPOConfig
	Bots        Bots
}

func Load() (Config, error) {
	cfg := Config{
		Port:        firstNonEmpty(strings.TrimSpace(os.Getenv("PORT")), defaultPort),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Environment: resolveEnvironment(),
		LogLevel:    strings.ToLower(firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), defaultLogLevel)),
		BotsFile:    strings.TrimSpace(os.Getenv("BOTS_FILE")),
		Memory: MemoryConfig{
			Backend: strings.ToLower(firstNonEmpty(
				strings.TrimSpace(os.Getenv("MEMORY_BACKEND")),
				defaultMemoryBackend,
			)),
			RedisAddr: firstNonEmpty(
				strings.TrimSpace(os.Getenv("REDIS_URL")),
				defaultRedisAddr,
			),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
		},
		Agent: AgentConfig{
			BaseURL: firstNonEmpty(strings.TrimSpace(os.Getenv("AGENT_BASE_URL")), defaultAgentBaseURL),
		},
		POPO: POPOConfig{
			APIBaseURL: firstNonEmpty(strings.TrimSpace(os.Getenv("POPO_API_BASE_URL")), defaultPOPOBaseURL),
		},
	}

	memoryTTL, err := parseDuration("MEMORY_TTL", defaultMemoryTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.Memory.TTL = memoryTTL

	sweepInterval, err := parseOptionalDuration("MEMORY_SWEEP_INTERVAL")
	if err != nil {
		return Config{}, err
	}
	cfg.Memory.SweepInterval = sweepInterval

	redisDB, err := parseInt("REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.Memory.RedisDB = redisDB

	poolSize, err := parseInt("DISPATCH_POOL_SIZE", defaultPoolSize)
	if err != nil {
		return Config{}, err
	}
	cfg.Dispatch.PoolSize = poolSize

	agentTimeout, err := parseOptionalDuration("AGENT_TIMEOUT")
	if err != nil {
		return Config{}, err
	}
	cfg.Agent.Timeout = agentTimeout

	tokenTTL, err := parseDuration("POPO_TOKEN_TTL", defaultPOPOTokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.POPO.TokenTTL = tokenTTL

	location, err := parseLocation("POPO_TIMEZONE", defaultPOPOTimezone)
	if err != nil {
		return Config{}, err
	}
	cfg.POPO.Location = location

	bots := Bots{}
	if cfg.BotsFile != "" {
		bots, err = LoadBotsFile(cfg.BotsFile)
		if err != nil {
			return Config{}, err
		}
	}
	envBot, ok, err := botFromEnv()
	if err != nil {
		return Config{}, err
	}
	if ok {
		if _, exists := bots[envBot.ID]; exists {
			return Config{}, fmt.Errorf("deployment %q is defined in both BOTS_FILE and POPO_* variables", envBot.ID)
		}
		bots[envBot.ID] = envBot
	}
	cfg.Bots = bots

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Memory.Backend {
	case MemoryBackendLocal, MemoryBackendRedis:
	case MemoryBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when MEMORY_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("MEMORY_BACKEND must be one of memory, redis, postgres")
	}

	if c.Memory.TTL <= 0 {
		return fmt.Errorf("MEMORY_TTL must be greater than zero")
	}

	if c.Memory.Backend == MemoryBackendRedis && c.Memory.RedisAddr == "" {
		return fmt.Errorf("REDIS_URL must not be empty when MEMORY_BACKEND=redis")
	}

	if c.Dispatch.PoolSize <= 0 {
		return fmt.Errorf("DISPATCH_POOL_SIZE must be greater than zero")
	}

	if c.POPO.APIBaseURL == "" {
		return fmt.Errorf("POPO_API_BASE_URL must not be empty")
	}

	if len(c.Bots) == 0 && isNonDevelopment(c.Environment) {
		return fmt.Errorf("at least one bot must be configured through BOTS_FILE or POPO_TOKEN in non-development environments")
	}

	for id, bot := range c.Bots {
		if err := bot.Validate(); err != nil {
			return fmt.Errorf("deployment %q: %w", id, err)
		}
	}

	return nil
}

// IsDevelopment reports whether the process runs in a local environment.
func (c Config) IsDevelopment() bool {
	return !isNonDevelopment(c.Environment)
}

func botFromEnv() (BotSettings, bool, error) {
	token := strings.TrimSpace(os.Getenv("POPO_TOKEN"))
	if token == "" {
		return BotSettings{}, false, nil
	}

	bot := BotSettings{
		ID:                     strings.ToLower(firstNonEmpty(strings.TrimSpace(os.Getenv("POPO_DEPLOYMENT_ID")), defaultDeploymentID)),
		Token:                  token,
		AESKey:                 strings.TrimSpace(os.Getenv("POPO_AES_KEY")),
		AppKey:                 strings.TrimSpace(os.Getenv("POPO_APP_KEY")),
		AppSecret:              strings.TrimSpace(os.Getenv("POPO_APP_SECRET")),
		AutoReplyPresetMessage: os.Getenv("POPO_AUTO_REPLY_PRESET_MESSAGE"),
		WorkflowInputField:     strings.TrimSpace(os.Getenv("POPO_WORKFLOW_INPUT_FIELD")),
		WorkflowOutputField:    strings.TrimSpace(os.Getenv("POPO_WORKFLOW_OUTPUT_FIELD")),
		WebhookURL:             strings.TrimSpace(os.Getenv("POPO_WEBHOOK_URL")),
		WebhookSecret:          strings.TrimSpace(os.Getenv("POPO_WEBHOOK_SECRET")),
		Agent: AgentSettings{
			AppID:   strings.TrimSpace(os.Getenv("POPO_AGENT_APP_ID")),
			APIKey:  strings.TrimSpace(os.Getenv("POPO_AGENT_API_KEY")),
			BaseURL: strings.TrimSpace(os.Getenv("POPO_AGENT_BASE_URL")),
		},
	}

	agentType, err := agent.ParseType(firstNonEmpty(strings.TrimSpace(os.Getenv("POPO_AGENT_TYPE")), defaultAgentType))
	if err != nil {
		return BotSettings{}, false, fmt.Errorf("POPO_AGENT_TYPE: %w", err)
	}
	bot.AgentType = agentType

	method, err := ParseGroupReplyMethod(os.Getenv("POPO_GROUP_REPLY_METHOD"))
	if err != nil {
		return BotSettings{}, false, fmt.Errorf("POPO_GROUP_REPLY_METHOD: %w", err)
	}
	bot.GroupReplyMethod = method

	keepImages, err := parseBool("POPO_KEEP_MARKDOWN_IMAGES", false)
	if err != nil {
		return BotSettings{}, false, err
	}
	bot.KeepMarkdownImages = keepImages

	bot.applyDefaults()
	return bot, true, nil
}

func resolveEnvironment() string {
	return strings.ToLower(firstNonEmpty(
		strings.TrimSpace(os.Getenv("APP_ENV")),
		strings.TrimSpace(os.Getenv("ENVIRONMENT")),
		strings.TrimSpace(os.Getenv("GO_ENV")),
		defaultEnvironment,
	))
}

func isNonDevelopment(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "dev", "development", "local", "test":
		return false
	default:
		return true
	}
}

func parseBool(name string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s must be a boolean value", name)
	}
}

func parseDuration(name string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", name, err)
	}

	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero", name)
	}

	return parsed, nil
}

// parseOptionalDuration is parseDuration for settings where zero means off.
func parseOptionalDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" || raw == "0" {
		return 0, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", name, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return parsed, nil
}

func parseLocation(name, defaultValue string) (*time.Location, error) {
	raw := firstNonEmpty(strings.TrimSpace(os.Getenv(name)), defaultValue)
	location, err := time.LoadLocation(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an IANA time zone name: %w", name, err)
	}
	return location, nil
}

func parseInt(name string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", name, err)
	}
	return parsed, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
