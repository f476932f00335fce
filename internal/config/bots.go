package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/samhotchkiss/popo-bridge/internal/agent"
)

const (
	defaultAgentType           = string(agent.TypeChat)
	defaultWorkflowInputField  = "popo_input_message"
	defaultWorkflowOutputField = "popo_output_message"
	minAESKeyLength            = 32
)

// ErrInvalidBot reports a bot deployment that cannot serve callbacks.
var ErrInvalidBot = errors.New("invalid bot settings")

// GroupReplyMethod decides where the answer to a group mention goes.
type GroupReplyMethod string

const (
	// GroupReplyGroup answers inside the group that mentioned the robot.
	GroupReplyGroup GroupReplyMethod = "group"
	// GroupReplyPrivate answers the sender directly.
	GroupReplyPrivate GroupReplyMethod = "private"
)

func ParseGroupReplyMethod(raw string) (GroupReplyMethod, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "group", "group_chat":
		return GroupReplyGroup, nil
	case "private", "private_chat", "sender":
		return GroupReplyPrivate, nil
	default:
		return "", fmt.Errorf("unsupported group reply method %q", raw)
	}
}

func (m *GroupReplyMethod) UnmarshalText(text []byte) error {
	parsed, err := ParseGroupReplyMethod(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

type AgentSettings struct {
	AppID   string `mapstructure:"app_id"`
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// BotSettings is one robot deployment: the POPO application it answers for
// and the agent that produces its replies.
type BotSettings struct {
	ID                     string           `mapstructure:"-"`
	Token                  string           `mapstructure:"token"`
	AESKey                 string           `mapstructure:"aes_key"`
	AppKey                 string           `mapstructure:"app_key"`
	AppSecret              string           `mapstructure:"app_secret"`
	Agent                  AgentSettings    `mapstructure:"agent"`
	AgentType              agent.Type       `mapstructure:"agent_type"`
	GroupReplyMethod       GroupReplyMethod `mapstructure:"group_reply_method"`
	AutoReplyPresetMessage string           `mapstructure:"auto_reply_preset_message"`
	WorkflowInputField     string           `mapstructure:"workflow_input_field"`
	WorkflowOutputField    string           `mapstructure:"workflow_output_field"`
	KeepMarkdownImages     bool             `mapstructure:"keep_markdown_images"`
	// WebhookURL sends replies through a custom-robot webhook instead of the
	// robot API; app_key and app_secret are then optional.
	WebhookURL    string `mapstructure:"webhook_url"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

func (b *BotSettings) applyDefaults() {
	if b.AgentType == "" {
		b.AgentType = agent.Type(defaultAgentType)
	}
	if b.GroupReplyMethod == "" {
		b.GroupReplyMethod = GroupReplyGroup
	}
	if strings.TrimSpace(b.WorkflowInputField) == "" {
		b.WorkflowInputField = defaultWorkflowInputField
	}
	if strings.TrimSpace(b.WorkflowOutputField) == "" {
		b.WorkflowOutputField = defaultWorkflowOutputField
	}
}

func (b BotSettings) Validate() error {
	if strings.TrimSpace(b.Token) == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidBot)
	}
	if len(b.AESKey) < minAESKeyLength {
		return fmt.Errorf("%w: aes_key must be at least %d characters", ErrInvalidBot, minAESKeyLength)
	}
	if strings.TrimSpace(b.WebhookURL) == "" && (strings.TrimSpace(b.AppKey) == "" || strings.TrimSpace(b.AppSecret) == "") {
		return fmt.Errorf("%w: app_key and app_secret are required without webhook_url", ErrInvalidBot)
	}
	if _, err := agent.ParseType(string(b.AgentType)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBot, err)
	}
	if _, err := ParseGroupReplyMethod(string(b.GroupReplyMethod)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBot, err)
	}
	return nil
}

// Redacted returns the settings for the connectivity probe with every secret
// masked.
func (b BotSettings) Redacted() map[string]any {
	return map[string]any{
		"id":         b.ID,
		"token":      mask(b.Token),
		"aes_key":    mask(b.AESKey),
		"app_key":    mask(b.AppKey),
		"app_secret": mask(b.AppSecret),
		"agent": map[string]any{
			"app_id":   b.Agent.AppID,
			"api_key":  mask(b.Agent.APIKey),
			"base_url": b.Agent.BaseURL,
		},
		"agent_type":                string(b.AgentType),
		"group_reply_method":        string(b.GroupReplyMethod),
		"auto_reply_preset_message": b.AutoReplyPresetMessage,
		"workflow_input_field":      b.WorkflowInputField,
		"workflow_output_field":     b.WorkflowOutputField,
		"keep_markdown_images":      b.KeepMarkdownImages,
		"webhook_url":               mask(b.WebhookURL),
		"webhook_secret":            mask(b.WebhookSecret),
	}
}

// mask keeps a short prefix and suffix of a secret.
func mask(secret string) string {
	runes := []rune(secret)
	switch {
	case len(runes) == 0:
		return ""
	case len(runes) <= 8:
		return "****"
	default:
		return string(runes[:4]) + "****" + string(runes[len(runes)-4:])
	}
}

// Bots maps deployment ids to their settings.
type Bots map[string]BotSettings

func (b Bots) Get(id string) (BotSettings, bool) {
	bot, ok := b[strings.ToLower(strings.TrimSpace(id))]
	return bot, ok
}

// IDs returns the deployment ids in sorted order.
func (b Bots) IDs() []string {
	ids := make([]string, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadBotsFile reads deployments from a YAML, JSON or TOML file of the form
// {bots: {<id>: {...}}}. Ids are case-insensitive.
func LoadBotsFile(path string) (Bots, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read bots file %s: %w", path, err)
	}

	var raw map[string]BotSettings
	hook := mapstructure.ComposeDecodeHookFunc(
		agentTypeHook,
		mapstructure.TextUnmarshallerHookFunc(),
	)
	if err := v.UnmarshalKey("bots", &raw, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode bots file %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("bots file %s defines no bots", path)
	}

	bots := make(Bots, len(raw))
	for id, bot := range raw {
		bot.ID = strings.ToLower(strings.TrimSpace(id))
		bot.applyDefaults()
		bots[bot.ID] = bot
	}
	return bots, nil
}

func agentTypeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(agent.Type("")) {
		return data, nil
	}
	raw, _ := data.(string)
	if strings.TrimSpace(raw) == "" {
		return agent.Type(""), nil
	}
	return agent.ParseType(raw)
}
