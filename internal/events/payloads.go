package events

import "context"

// Connection states reported in CONNECTION_UPDATE.
const (
	StateOpen       = "open"
	StateConnecting = "connecting"
	StateClose      = "close"
	StateRefused    = "refused"
)

// Reasons attached to STATUS_INSTANCE removed payloads.
const (
	RemovedByLogout      = "logout"
	RemovedByQRCodeLimit = "qrcode_limit"
	RemovedByIdleTimeout = "idle_timeout"
	RemovedByDelete      = "delete"
)

type QRCode struct {
	Instance    string `json:"instance"`
	PairingCode string `json:"pairingCode,omitempty"`
	Code        string `json:"code,omitempty"`
	Base64      string `json:"base64,omitempty"`
	Count       int    `json:"count"`
}

type QRCodePayload struct {
	Message string `json:"message,omitempty"`
	QRCode  QRCode `json:"qrcode"`
}

type ConnectionPayload struct {
	Instance     string `json:"instance"`
	State        string `json:"state"`
	StatusReason int    `json:"statusReason,omitempty"`
	WUID         string `json:"wuid,omitempty"`
	ProfileName  string `json:"profileName,omitempty"`
}

type StatusPayload struct {
	Instance string `json:"instance"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

type MessagePayload struct {
	Key              MessageKey     `json:"key"`
	PushName         string         `json:"pushName,omitempty"`
	MessageType      string         `json:"messageType"`
	Message          map[string]any `json:"message,omitempty"`
	MessageTimestamp int64          `json:"messageTimestamp"`
	Status           string         `json:"status,omitempty"`
	Source           string         `json:"source,omitempty"`
	// Media downloads the attachment on demand. Never serialized.
	Media func(ctx context.Context) ([]byte, error) `json:"-"`
}

type MessageUpdatePayload struct {
	Key       MessageKey `json:"key"`
	Status    string     `json:"status"`
	Timestamp int64      `json:"timestamp,omitempty"`
}

type ContactPayload struct {
	RemoteJID     string `json:"remoteJid"`
	PushName      string `json:"pushName,omitempty"`
	ProfilePicURL string `json:"profilePicUrl,omitempty"`
}

type ChatPayload struct {
	RemoteJID   string `json:"remoteJid"`
	Name        string `json:"name,omitempty"`
	UnreadCount int    `json:"unreadCount,omitempty"`
	Archived    bool   `json:"archived,omitempty"`
	Pinned      bool   `json:"pinned,omitempty"`
}

type PresencePayload struct {
	ID       string `json:"id"`
	Presence string `json:"presence"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

type GroupPayload struct {
	ID           string   `json:"id"`
	Subject      string   `json:"subject,omitempty"`
	Description  string   `json:"desc,omitempty"`
	Owner        string   `json:"owner,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

type ParticipantsPayload struct {
	ID           string   `json:"id"`
	Action       string   `json:"action"`
	Participants []string `json:"participants"`
}

type CallPayload struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Status    string `json:"status"`
	IsVideo   bool   `json:"isVideo"`
	IsGroup   bool   `json:"isGroup"`
	Timestamp int64  `json:"date"`
}

type LabelPayload struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Color   int    `json:"color"`
	Deleted bool   `json:"deleted"`
}

type LabelAssociationPayload struct {
	LabelID string `json:"labelId"`
	ChatID  string `json:"chatId"`
	Type    string `json:"type"`
}
