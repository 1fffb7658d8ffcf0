package provisioning

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported channels.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTelegram = "telegram"
)

var (
	// ErrAgentNotFound is returned when the tenant's agent is missing from the gateway config.
	ErrAgentNotFound = errors.New("agent not found in gateway config")
	// ErrUnsupportedChannel is returned for channels the platform cannot bind.
	ErrUnsupportedChannel = errors.New("unsupported channel")
	// ErrBotTokenRequired is returned when a Telegram channel is provisioned without a token.
	ErrBotTokenRequired = errors.New("botToken is required for Telegram")
	// ErrInvalidProvider is returned for unknown model providers.
	ErrInvalidProvider = errors.New("invalid provider")
	// ErrForbiddenPatch is returned for patches that reach outside the tenant's scope.
	ErrForbiddenPatch = errors.New("config patch touches fields outside the tenant's scope")
)

type providerDefaults struct {
	BaseURL string
	API     string
	Model   string
}

var providers = map[string]providerDefaults{
	"anthropic":  {BaseURL: "https://api.anthropic.com", API: "anthropic-messages", Model: "claude-sonnet-4-20250514"},
	"openai":     {BaseURL: "https://api.openai.com/v1", API: "openai-chat", Model: "gpt-4o"},
	"google":     {BaseURL: "https://generativelanguage.googleapis.com/v1beta", API: "google-genai", Model: "gemini-2.0-flash"},
	"openrouter": {BaseURL: "https://openrouter.ai/api/v1", API: "openai-chat", Model: "anthropic/claude-sonnet-4"},
}

// Providers lists the providers a tenant may bring a key for.
var Providers = []string{"anthropic", "openai", "google", "openrouter"}

// ValidProvider reports whether provider is supported.
func ValidProvider(provider string) bool {
	_, ok := providers[provider]
	return ok
}

var (
	nonSlug   = regexp.MustCompile(`[^a-z0-9-]`)
	dashRuns  = regexp.MustCompile(`-+`)
	edgeDash  = regexp.MustCompile(`^-|-$`)
	maxSlugLn = 20
)

// Slugify lowercases s, replaces anything outside [a-z0-9-] with dashes and cuts it to 20 bytes.
func Slugify(s string) string {
	s = strings.ToLower(s)
	s = nonSlug.ReplaceAllString(s, "-")
	s = dashRuns.ReplaceAllString(s, "-")
	s = edgeDash.ReplaceAllString(s, "")
	if len(s) > maxSlugLn {
		s = s[:maxSlugLn]
	}
	return s
}

// AgentIDForUser derives the gateway agent id of a user.
func AgentIDForUser(userID string) string {
	return "user-" + Slugify(userID)
}

// TenantAccountID is the channel account id reserved for an agent.
func TenantAccountID(agentID, channel string) string {
	if channel == ChannelTelegram {
		return agentID + "-tg"
	}
	return agentID + "-wa"
}

// ProviderName is the tenant-scoped provider key in models.providers.
func ProviderName(agentID, provider string) string {
	return agentID + "-" + provider
}

// AgentPatch appends agentID to agents.list. defaultModel, when set, becomes the agent's
// primary model. The patch is empty when the agent already exists.
func AgentPatch(doc *ConfigDocument, agentID, defaultModel string) *ConfigPatch {
	patch := &ConfigPatch{}
	if doc.Agent(agentID) >= 0 {
		return patch
	}

	entry := AgentEntry{ID: agentID}
	if defaultModel != "" {
		entry.Model = &ModelRef{Primary: defaultModel}
	}
	list := append(append([]AgentEntry{}, doc.Agents.List...), entry)
	patch.setAgents(list)
	return patch
}

// ProviderPatch installs the tenant's key for provider and points the agent at it.
// modelID defaults to the provider's standard model.
func ProviderPatch(doc *ConfigDocument, agentID, provider, apiKey, modelID string) (*ConfigPatch, error) {
	defaults, ok := providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProvider, provider)
	}
	if modelID == "" {
		modelID = defaults.Model
	}
	name := ProviderName(agentID, provider)

	patch := &ConfigPatch{}
	patch.setProvider(name, &ProviderEntry{APIKey: apiKey, BaseURL: defaults.BaseURL, API: defaults.API})

	if idx := doc.Agent(agentID); idx >= 0 {
		list := append([]AgentEntry{}, doc.Agents.List...)
		list[idx] = withModel(list[idx], name+"/"+modelID)
		patch.setAgents(list)
	}
	return patch, nil
}

// RemoveProviderPatch deletes the tenant's provider. If the agent used it, the agent falls back
// to fallbackModel, or to the gateway default when that is empty.
func RemoveProviderPatch(doc *ConfigDocument, agentID, provider, fallbackModel string) (*ConfigPatch, error) {
	if !ValidProvider(provider) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProvider, provider)
	}
	name := ProviderName(agentID, provider)

	patch := &ConfigPatch{}
	if _, ok := doc.Models.Providers[name]; ok {
		patch.setProvider(name, nil)
	}

	if idx := doc.Agent(agentID); idx >= 0 {
		entry := doc.Agents.List[idx]
		if entry.Model != nil && strings.HasPrefix(entry.Model.Primary, name+"/") {
			list := append([]AgentEntry{}, doc.Agents.List...)
			if fallbackModel != "" {
				list[idx] = withModel(entry, fallbackModel)
			} else {
				entry.Model = nil
				list[idx] = entry
			}
			patch.setAgents(list)
		}
	}
	return patch, nil
}

// RemoveAgentPatch removes every trace of agentID: its list entry, its providers, its channel
// accounts and its bindings.
func RemoveAgentPatch(doc *ConfigDocument, agentID string) *ConfigPatch {
	patch := &ConfigPatch{}

	if doc.Agent(agentID) >= 0 {
		list := make([]AgentEntry, 0, len(doc.Agents.List))
		for _, a := range doc.Agents.List {
			if a.ID != agentID {
				list = append(list, a)
			}
		}
		patch.setAgents(list)
	}

	for name := range doc.Models.Providers {
		if strings.HasPrefix(name, agentID+"-") {
			patch.setProvider(name, nil)
		}
	}

	for _, channel := range []string{ChannelWhatsApp, ChannelTelegram} {
		accountID := TenantAccountID(agentID, channel)
		if _, ok := doc.accounts(channel)[accountID]; ok {
			patch.setAccount(channel, accountID, nil)
		}
	}

	kept := make([]Binding, 0, len(doc.Bindings))
	for _, b := range doc.Bindings {
		if b.AgentID != agentID {
			kept = append(kept, b)
		}
	}
	if len(kept) != len(doc.Bindings) {
		patch.setBindings(kept)
	}

	return patch
}

// ChannelPatch creates the tenant's account on channel and binds it to the agent. The patch is
// empty when both already exist with the same settings.
func ChannelPatch(doc *ConfigDocument, agentID, channel, botToken string) (*ConfigPatch, error) {
	if channel != ChannelWhatsApp && channel != ChannelTelegram {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, channel)
	}
	botToken = strings.TrimSpace(botToken)
	if channel == ChannelTelegram && botToken == "" {
		return nil, ErrBotTokenRequired
	}

	accountID := TenantAccountID(agentID, channel)
	account := &ChannelAccount{Enabled: true}
	if channel == ChannelTelegram {
		account.BotToken = botToken
	}

	patch := &ConfigPatch{}

	var current ChannelAccount
	raw, exists := doc.accounts(channel)[accountID]
	if exists {
		_ = json.Unmarshal(raw, &current)
	}
	if !exists || current != *account {
		patch.setAccount(channel, accountID, account)
	}

	if !doc.hasBinding(agentID, channel, accountID) {
		list := append(append([]Binding{}, doc.Bindings...), Binding{
			AgentID: agentID,
			Match:   BindingMatch{Channel: channel, AccountID: accountID},
		})
		patch.setBindings(list)
	}

	return patch, nil
}

// TenantConfigInput is the tenant-editable subset of its agent's configuration.
type TenantConfigInput struct {
	Model    string         `json:"model,omitempty" validate:"omitempty,max=200"`
	Identity *IdentityInput `json:"identity,omitempty"`
	Soul     *string        `json:"soul,omitempty" validate:"omitempty,max=65536"`
}

type IdentityInput struct {
	Name  *string `json:"name,omitempty" validate:"omitempty,max=100"`
	Emoji *string `json:"emoji,omitempty" validate:"omitempty,max=16"`
}

// ScopedTenantPatch applies input to the tenant's own agent entry and nothing else.
func ScopedTenantPatch(doc *ConfigDocument, agentID string, input TenantConfigInput) (*ConfigPatch, error) {
	idx := doc.Agent(agentID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	entry := doc.Agents.List[idx]
	if input.Model != "" {
		if err := checkModel(agentID, input.Model); err != nil {
			return nil, err
		}
		entry = withModel(entry, input.Model)
	}
	if input.Identity != nil {
		identity := Identity{}
		if entry.Identity != nil {
			identity = *entry.Identity
		}
		if input.Identity.Name != nil {
			identity.Name = *input.Identity.Name
		}
		if input.Identity.Emoji != nil {
			identity.Emoji = *input.Identity.Emoji
		}
		entry.Identity = &identity
	}

	list := append([]AgentEntry{}, doc.Agents.List...)
	list[idx] = entry

	patch := &ConfigPatch{}
	patch.setAgents(list)
	return patch, nil
}

// checkModel rejects models served by another tenant's provider.
func checkModel(agentID, model string) error {
	provider, _, ok := strings.Cut(model, "/")
	if !ok || provider == "" {
		return fmt.Errorf("%w: model must be provider/model, got %q", ErrForbiddenPatch, model)
	}
	if strings.HasPrefix(provider, "user-") && !strings.HasPrefix(provider, agentID+"-") {
		return fmt.Errorf("%w: provider %s belongs to another tenant", ErrForbiddenPatch, provider)
	}
	return nil
}

var forbiddenSections = []string{"gateway", "channels", "auth", "node", "exec", "update"}

// ValidatePatch checks that a tenant-originated merge-patch stays inside the tenant's scope:
// no infrastructure sections, and no agent entries other than agentID.
func ValidatePatch(patch map[string]any, agentID string) error {
	for _, key := range forbiddenSections {
		if _, ok := patch[key]; ok {
			return fmt.Errorf("%w: %s", ErrForbiddenPatch, key)
		}
	}

	agents, ok := patch["agents"].(map[string]any)
	if !ok {
		return nil
	}
	list, ok := agents["list"].([]any)
	if !ok {
		return nil
	}
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := entry["id"].(string); id != "" && id != agentID {
			return fmt.Errorf("%w: agent %s", ErrForbiddenPatch, id)
		}
	}
	return nil
}

func withModel(entry AgentEntry, primary string) AgentEntry {
	model := ModelRef{}
	if entry.Model != nil {
		model = *entry.Model
	}
	model.Primary = primary
	entry.Model = &model
	return entry
}
