package repository

import "time"

// Instance is the persisted provisioning record of one instance.
type Instance struct {
	ID               string    `json:"id"`
	Name             string    `json:"instanceName"`
	Integration      string    `json:"integration"`
	Number           string    `json:"number,omitempty"`
	OwnerJID         string    `json:"ownerJid,omitempty"`
	ProfileName      string    `json:"profileName,omitempty"`
	ConnectionStatus string    `json:"connectionStatus"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type Settings struct {
	RejectCall      bool   `json:"rejectCall"`
	MsgCall         string `json:"msgCall,omitempty"`
	GroupsIgnore    bool   `json:"groupsIgnore"`
	AlwaysOnline    bool   `json:"alwaysOnline"`
	ReadMessages    bool   `json:"readMessages"`
	ReadStatus      bool   `json:"readStatus"`
	SyncFullHistory bool   `json:"syncFullHistory"`
}

type Webhook struct {
	Enabled  bool              `json:"enabled"`
	URL      string            `json:"url"`
	Events   []string          `json:"events"`
	ByEvents bool              `json:"byEvents"`
	Base64   bool              `json:"base64"`
	Headers  map[string]string `json:"headers,omitempty"`
}

type Queue struct {
	Enabled bool     `json:"enabled"`
	Events  []string `json:"events"`
}

type Websocket struct {
	Enabled bool     `json:"enabled"`
	Events  []string `json:"events"`
}

// Integration kinds.
const (
	IntegrationChatwoot = "chatwoot"
	IntegrationTypebot  = "typebot"
)

type Integration struct {
	Kind      string `json:"kind"`
	Enabled   bool   `json:"enabled"`
	URL       string `json:"url"`
	Token     string `json:"token,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	Target    string `json:"target,omitempty"`
}

// AuthToken is the per-instance API key.
type AuthToken struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
}

type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

type Message struct {
	Key              MessageKey     `json:"key"`
	PushName         string         `json:"pushName,omitempty"`
	MessageType      string         `json:"messageType"`
	Message          map[string]any `json:"message,omitempty"`
	MessageTimestamp int64          `json:"messageTimestamp"`
	Status           string         `json:"status,omitempty"`
	Source           string         `json:"source,omitempty"`
}

type Chat struct {
	RemoteJID   string    `json:"remoteJid"`
	Name        string    `json:"name,omitempty"`
	UnreadCount int       `json:"unreadCount"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Contact struct {
	RemoteJID     string    `json:"remoteJid"`
	PushName      string    `json:"pushName,omitempty"`
	ProfilePicURL string    `json:"profilePicUrl,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
