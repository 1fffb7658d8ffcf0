package provisioning

import (
	"encoding/json"
	"fmt"
)

// ConfigDocument is the part of the gateway configuration the platform reads. Array elements
// keep unknown members, because merge-patch replaces arrays whole and they must be resubmitted
// intact.
type ConfigDocument struct {
	Agents struct {
		List []AgentEntry `json:"list"`
	} `json:"agents"`
	Models struct {
		Providers map[string]json.RawMessage `json:"providers"`
	} `json:"models"`
	Channels struct {
		WhatsApp AccountsSection `json:"whatsapp"`
		Telegram AccountsSection `json:"telegram"`
	} `json:"channels"`
	Bindings []Binding `json:"bindings"`
}

// AccountsSection is a channel section keyed by account id.
type AccountsSection struct {
	Accounts map[string]json.RawMessage `json:"accounts"`
}

// DecodeDocument parses a configuration document.
func DecodeDocument(raw json.RawMessage) (*ConfigDocument, error) {
	doc := &ConfigDocument{}
	if len(raw) == 0 || string(raw) == "null" {
		return doc, nil
	}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("decode gateway config: %w", err)
	}
	return doc, nil
}

// Agent returns the index of agentID in agents.list, or -1.
func (d *ConfigDocument) Agent(agentID string) int {
	for i, a := range d.Agents.List {
		if a.ID == agentID {
			return i
		}
	}
	return -1
}

func (d *ConfigDocument) accounts(channel string) map[string]json.RawMessage {
	switch channel {
	case ChannelWhatsApp:
		return d.Channels.WhatsApp.Accounts
	case ChannelTelegram:
		return d.Channels.Telegram.Accounts
	}
	return nil
}

func (d *ConfigDocument) hasBinding(agentID, channel, accountID string) bool {
	for _, b := range d.Bindings {
		if b.AgentID == agentID && b.Match.Channel == channel && b.Match.AccountID == accountID {
			return true
		}
	}
	return false
}

// AgentEntry is one element of agents.list.
type AgentEntry struct {
	ID       string    `json:"id"`
	Model    *ModelRef `json:"model,omitempty"`
	Identity *Identity `json:"identity,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// ModelRef selects an agent's model as "provider/model".
type ModelRef struct {
	Primary string `json:"primary,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Identity is how an agent presents itself.
type Identity struct {
	Name  string `json:"name,omitempty"`
	Emoji string `json:"emoji,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Binding routes a channel account to an agent.
type Binding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`

	Extra map[string]json.RawMessage `json:"-"`
}

type BindingMatch struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (e *AgentEntry) UnmarshalJSON(data []byte) error {
	type plain AgentEntry
	return decodeExtra(data, (*plain)(e), &e.Extra, "id", "model", "identity")
}

func (e AgentEntry) MarshalJSON() ([]byte, error) {
	type plain AgentEntry
	return encodeExtra(plain(e), e.Extra)
}

func (m *ModelRef) UnmarshalJSON(data []byte) error {
	type plain ModelRef
	return decodeExtra(data, (*plain)(m), &m.Extra, "primary")
}

func (m ModelRef) MarshalJSON() ([]byte, error) {
	type plain ModelRef
	return encodeExtra(plain(m), m.Extra)
}

func (i *Identity) UnmarshalJSON(data []byte) error {
	type plain Identity
	return decodeExtra(data, (*plain)(i), &i.Extra, "name", "emoji")
}

func (i Identity) MarshalJSON() ([]byte, error) {
	type plain Identity
	return encodeExtra(plain(i), i.Extra)
}

func (b *Binding) UnmarshalJSON(data []byte) error {
	type plain Binding
	return decodeExtra(data, (*plain)(b), &b.Extra, "agentId", "match")
}

func (b Binding) MarshalJSON() ([]byte, error) {
	type plain Binding
	return encodeExtra(plain(b), b.Extra)
}

func (m *BindingMatch) UnmarshalJSON(data []byte) error {
	type plain BindingMatch
	return decodeExtra(data, (*plain)(m), &m.Extra, "channel", "accountId")
}

func (m BindingMatch) MarshalJSON() ([]byte, error) {
	type plain BindingMatch
	return encodeExtra(plain(m), m.Extra)
}

// decodeExtra fills v from data and collects the members not named in known into extra.
func decodeExtra(data []byte, v any, extra *map[string]json.RawMessage, known ...string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		all = nil
	}
	*extra = all
	return nil
}

// encodeExtra marshals v and adds the extra members it does not already carry.
func encodeExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := out[k]; !ok {
			out[k] = raw
		}
	}
	return json.Marshal(out)
}

// ProviderEntry is a model provider definition in models.providers.
type ProviderEntry struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
	API     string `json:"api,omitempty"`
}

// ChannelAccount is a channel account definition.
type ChannelAccount struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken,omitempty"`
}

// ConfigPatch is a JSON merge-patch against the gateway configuration. Nil map values encode
// as null and delete the member. Lists are always sent whole.
type ConfigPatch struct {
	Agents   *AgentsPatch   `json:"agents,omitempty"`
	Models   *ModelsPatch   `json:"models,omitempty"`
	Channels *ChannelsPatch `json:"channels,omitempty"`
	Bindings *[]Binding     `json:"bindings,omitempty"`
}

type AgentsPatch struct {
	List []AgentEntry `json:"list"`
}

type ModelsPatch struct {
	Providers map[string]*ProviderEntry `json:"providers"`
}

type ChannelsPatch struct {
	WhatsApp *AccountsPatch `json:"whatsapp,omitempty"`
	Telegram *AccountsPatch `json:"telegram,omitempty"`
}

type AccountsPatch struct {
	Accounts map[string]*ChannelAccount `json:"accounts"`
}

// IsEmpty reports whether the patch changes nothing.
func (p *ConfigPatch) IsEmpty() bool {
	return p == nil || (p.Agents == nil && p.Models == nil && p.Channels == nil && p.Bindings == nil)
}

func (p *ConfigPatch) setAgents(list []AgentEntry) {
	if list == nil {
		list = []AgentEntry{}
	}
	p.Agents = &AgentsPatch{List: list}
}

func (p *ConfigPatch) setProvider(name string, entry *ProviderEntry) {
	if p.Models == nil {
		p.Models = &ModelsPatch{Providers: map[string]*ProviderEntry{}}
	}
	p.Models.Providers[name] = entry
}

func (p *ConfigPatch) setAccount(channel, accountID string, account *ChannelAccount) {
	if p.Channels == nil {
		p.Channels = &ChannelsPatch{}
	}
	section := &p.Channels.WhatsApp
	if channel == ChannelTelegram {
		section = &p.Channels.Telegram
	}
	if *section == nil {
		*section = &AccountsPatch{Accounts: map[string]*ChannelAccount{}}
	}
	(*section).Accounts[accountID] = account
}

func (p *ConfigPatch) setBindings(list []Binding) {
	if list == nil {
		list = []Binding{}
	}
	p.Bindings = &list
}
