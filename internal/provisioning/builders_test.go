package provisioning

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteclaw/liteclaw-platform/internal/gateway/gatewaytest"
)

func mustDoc(t *testing.T, raw string) *ConfigDocument {
	t.Helper()
	doc, err := DecodeDocument(json.RawMessage(raw))
	require.NoError(t, err)
	return doc
}

// apply merges patch into raw the way the gateway does and returns the result.
func apply(t *testing.T, raw string, patch *ConfigPatch) map[string]any {
	t.Helper()
	var target, p any
	require.NoError(t, json.Unmarshal([]byte(raw), &target))
	data, err := json.Marshal(patch)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &p))
	out, ok := gatewaytest.MergePatch(target, p).(map[string]any)
	require.True(t, ok)
	return out
}

func agentIDs(t *testing.T, doc map[string]any) []string {
	t.Helper()
	agents, _ := doc["agents"].(map[string]any)
	list, _ := agents["list"].([]any)
	ids := make([]string, 0, len(list))
	for _, a := range list {
		ids = append(ids, a.(map[string]any)["id"].(string))
	}
	return ids
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Alice", "alice"},
		{"user_123@example.com", "user-123-example-com"},
		{"--a--b--", "a-b"},
		{"abcdefghijklmnopqrstuvwxyz", "abcdefghijklmnopqrst"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), tt.in)
	}
	assert.Equal(t, "user-alice", AgentIDForUser("Alice"))
}

func TestAccountAndProviderNames(t *testing.T) {
	assert.Equal(t, "user-a-wa", TenantAccountID("user-a", ChannelWhatsApp))
	assert.Equal(t, "user-a-tg", TenantAccountID("user-a", ChannelTelegram))
	assert.Equal(t, "user-a-openai", ProviderName("user-a", "openai"))
}

func TestAgentPatchAppendsAndKeepsUnknownFields(t *testing.T) {
	raw := `{"agents":{"list":[{"id":"main","workspace":"/srv/main","model":{"primary":"x/y","fallbacks":["z/w"]}}]}}`
	doc := mustDoc(t, raw)

	patch := AgentPatch(doc, "user-a", "anthropic/claude")
	require.False(t, patch.IsEmpty())

	out := apply(t, raw, patch)
	assert.Equal(t, []string{"main", "user-a"}, agentIDs(t, out))

	main := out["agents"].(map[string]any)["list"].([]any)[0].(map[string]any)
	assert.Equal(t, "/srv/main", main["workspace"])
	assert.Equal(t, []any{"z/w"}, main["model"].(map[string]any)["fallbacks"])

	added := out["agents"].(map[string]any)["list"].([]any)[1].(map[string]any)
	assert.Equal(t, "anthropic/claude", added["model"].(map[string]any)["primary"])
}

func TestAgentPatchExistingAgentIsEmpty(t *testing.T) {
	doc := mustDoc(t, `{"agents":{"list":[{"id":"user-a"}]}}`)
	assert.True(t, AgentPatch(doc, "user-a", "").IsEmpty())
}

func TestAgentPatchWithoutModel(t *testing.T) {
	out := apply(t, `{}`, AgentPatch(mustDoc(t, `{}`), "user-a", ""))
	entry := out["agents"].(map[string]any)["list"].([]any)[0].(map[string]any)
	assert.NotContains(t, entry, "model")
}

func TestProviderPatch(t *testing.T) {
	raw := `{"agents":{"list":[{"id":"user-a"}]}}`
	patch, err := ProviderPatch(mustDoc(t, raw), "user-a", "openai", "sk-test", "")
	require.NoError(t, err)

	out := apply(t, raw, patch)
	provider := out["models"].(map[string]any)["providers"].(map[string]any)["user-a-openai"].(map[string]any)
	assert.Equal(t, "sk-test", provider["apiKey"])
	assert.Equal(t, "https://api.openai.com/v1", provider["baseUrl"])

	entry := out["agents"].(map[string]any)["list"].([]any)[0].(map[string]any)
	assert.Equal(t, "user-a-openai/gpt-4o", entry["model"].(map[string]any)["primary"])

	_, err = ProviderPatch(mustDoc(t, raw), "user-a", "acme", "k", "")
	assert.ErrorIs(t, err, ErrInvalidProvider)
}

func TestRemoveProviderPatch(t *testing.T) {
	raw := `{
		"agents":{"list":[{"id":"user-a","model":{"primary":"user-a-openai/gpt-4o"}}]},
		"models":{"providers":{"user-a-openai":{"apiKey":"sk"},"shared":{"apiKey":"x"}}}
	}`
	patch, err := RemoveProviderPatch(mustDoc(t, raw), "user-a", "openai", "anthropic/claude")
	require.NoError(t, err)

	out := apply(t, raw, patch)
	providers := out["models"].(map[string]any)["providers"].(map[string]any)
	assert.NotContains(t, providers, "user-a-openai")
	assert.Contains(t, providers, "shared")

	entry := out["agents"].(map[string]any)["list"].([]any)[0].(map[string]any)
	assert.Equal(t, "anthropic/claude", entry["model"].(map[string]any)["primary"])
}

func TestRemoveAgentPatch(t *testing.T) {
	raw := `{
		"agents":{"list":[{"id":"main"},{"id":"user-a"},{"id":"user-b"}]},
		"models":{"providers":{"user-a-openai":{"apiKey":"sk"},"user-b-openai":{"apiKey":"sk2"}}},
		"channels":{"telegram":{"accounts":{"user-a-tg":{"enabled":true,"botToken":"t"}}}},
		"bindings":[
			{"agentId":"user-a","match":{"channel":"telegram","accountId":"user-a-tg"}},
			{"agentId":"user-b","match":{"channel":"whatsapp","accountId":"user-b-wa"}}
		]
	}`
	out := apply(t, raw, RemoveAgentPatch(mustDoc(t, raw), "user-a"))

	assert.Equal(t, []string{"main", "user-b"}, agentIDs(t, out))

	providers := out["models"].(map[string]any)["providers"].(map[string]any)
	assert.NotContains(t, providers, "user-a-openai")
	assert.Contains(t, providers, "user-b-openai")

	accounts := out["channels"].(map[string]any)["telegram"].(map[string]any)["accounts"].(map[string]any)
	assert.Empty(t, accounts)

	bindings := out["bindings"].([]any)
	require.Len(t, bindings, 1)
	assert.Equal(t, "user-b", bindings[0].(map[string]any)["agentId"])
}

func TestRemoveAgentPatchUnknownAgentIsEmpty(t *testing.T) {
	doc := mustDoc(t, `{"agents":{"list":[{"id":"main"}]}}`)
	assert.True(t, RemoveAgentPatch(doc, "user-a").IsEmpty())
}

func TestChannelPatch(t *testing.T) {
	raw := `{"agents":{"list":[{"id":"user-a"}]}}`

	patch, err := ChannelPatch(mustDoc(t, raw), "user-a", ChannelTelegram, " 123:abc ")
	require.NoError(t, err)
	out := apply(t, raw, patch)

	account := out["channels"].(map[string]any)["telegram"].(map[string]any)["accounts"].(map[string]any)["user-a-tg"].(map[string]any)
	assert.Equal(t, true, account["enabled"])
	assert.Equal(t, "123:abc", account["botToken"])

	binding := out["bindings"].([]any)[0].(map[string]any)
	assert.Equal(t, "user-a", binding["agentId"])
	assert.Equal(t, map[string]any{"channel": "telegram", "accountId": "user-a-tg"}, binding["match"])

	// Same settings again: nothing to do.
	data, _ := json.Marshal(out)
	again, err := ChannelPatch(mustDoc(t, string(data)), "user-a", ChannelTelegram, "123:abc")
	require.NoError(t, err)
	assert.True(t, again.IsEmpty())
}

func TestChannelPatchErrors(t *testing.T) {
	doc := mustDoc(t, `{}`)

	_, err := ChannelPatch(doc, "user-a", ChannelTelegram, "  ")
	assert.ErrorIs(t, err, ErrBotTokenRequired)

	_, err = ChannelPatch(doc, "user-a", "discord", "")
	assert.ErrorIs(t, err, ErrUnsupportedChannel)

	patch, err := ChannelPatch(doc, "user-a", ChannelWhatsApp, "")
	require.NoError(t, err)
	assert.Contains(t, patch.Channels.WhatsApp.Accounts, "user-a-wa")
}

func TestScopedTenantPatch(t *testing.T) {
	raw := `{"agents":{"list":[{"id":"user-b","identity":{"name":"Bee"}},{"id":"user-a","identity":{"name":"Old","theme":"dark"}}]}}`
	name := "New"
	emoji := "🦀"

	patch, err := ScopedTenantPatch(mustDoc(t, raw), "user-a", TenantConfigInput{
		Model:    "user-a-openai/gpt-4o",
		Identity: &IdentityInput{Name: &name, Emoji: &emoji},
	})
	require.NoError(t, err)
	out := apply(t, raw, patch)

	list := out["agents"].(map[string]any)["list"].([]any)
	other := list[0].(map[string]any)
	assert.Equal(t, map[string]any{"name": "Bee"}, other["identity"])

	mine := list[1].(map[string]any)
	assert.Equal(t, map[string]any{"name": "New", "emoji": "🦀", "theme": "dark"}, mine["identity"])
	assert.Equal(t, "user-a-openai/gpt-4o", mine["model"].(map[string]any)["primary"])
}

func TestScopedTenantPatchRejects(t *testing.T) {
	doc := mustDoc(t, `{"agents":{"list":[{"id":"user-a"}]}}`)

	_, err := ScopedTenantPatch(doc, "user-a", TenantConfigInput{Model: "user-b-openai/gpt-4o"})
	assert.ErrorIs(t, err, ErrForbiddenPatch)

	_, err = ScopedTenantPatch(doc, "user-a", TenantConfigInput{Model: "gpt-4o"})
	assert.ErrorIs(t, err, ErrForbiddenPatch)

	_, err = ScopedTenantPatch(doc, "user-z", TenantConfigInput{Model: "anthropic/claude"})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestValidatePatch(t *testing.T) {
	tests := []struct {
		name    string
		patch   string
		wantErr bool
	}{
		{"own agent", `{"agents":{"list":[{"id":"user-a","identity":{"name":"x"}}]}}`, false},
		{"other agent", `{"agents":{"list":[{"id":"user-b"}]}}`, true},
		{"gateway section", `{"gateway":{"auth":{"token":"x"}}}`, true},
		{"channels section", `{"channels":{"telegram":{}}}`, true},
		{"exec section", `{"exec":{}}`, true},
		{"empty", `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var patch map[string]any
			require.NoError(t, json.Unmarshal([]byte(tt.patch), &patch))
			err := ValidatePatch(patch, "user-a")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrForbiddenPatch)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigPatchEncodesNullDeletes(t *testing.T) {
	patch := &ConfigPatch{}
	patch.setProvider("user-a-openai", nil)
	patch.setAccount(ChannelWhatsApp, "user-a-wa", nil)

	data, err := json.Marshal(patch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"models":{"providers":{"user-a-openai":null}},"channels":{"whatsapp":{"accounts":{"user-a-wa":null}}}}`, string(data))
}
