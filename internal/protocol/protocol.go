// Package protocol is the boundary to the chat protocol client. Sessions talk
// to a Client produced by a Factory and receive raw Events through a Handler.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/authstate"
)

// Variant tags a protocol client implementation.
type Variant string

const (
	VariantWhatsAppWeb Variant = "WHATSAPP-WEB"
)

func (v Variant) String() string {
	return string(v)
}

func normalizeVariant(raw string) Variant {
	return Variant(strings.ToUpper(strings.TrimSpace(raw)))
}

// Capability names an optional operation of a variant.
type Capability string

const (
	CapQRCode      Capability = "qrcode"
	CapPairingCode Capability = "pairing_code"
	CapLogout      Capability = "logout"
	CapSendText    Capability = "send_text"
	CapRejectCall  Capability = "reject_call"
	CapMarkRead    Capability = "mark_read"
	CapPresence    Capability = "presence"
)

// Descriptor is the static metadata of a variant.
type Descriptor struct {
	Variant      Variant
	DisplayName  string
	Capabilities []Capability
}

func (d Descriptor) Supports(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Require returns an UnsupportedError when the capability is missing.
func (d Descriptor) Require(c Capability) error {
	if d.Supports(c) {
		return nil
	}
	return &UnsupportedError{Variant: d.Variant, Capability: c}
}

// ErrUnsupported matches every UnsupportedError.
var ErrUnsupported = errors.New("protocol: operation not supported")

type UnsupportedError struct {
	Variant    Variant
	Capability Capability
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("protocol: %s does not support %s", e.Variant, e.Capability)
}

func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupported
}

// Handler receives raw events. Calls for one client arrive in order.
type Handler func(Event)

// Options configure one client.
type Options struct {
	Instance string
	Auth     *authstate.Store
	// PhoneNumber requests a pairing code instead of QR codes when set.
	PhoneNumber string
	Handler     Handler
	Logger      *slog.Logger
}

// MessageRef identifies a message accepted by the server.
type MessageRef struct {
	ID        string
	RemoteJID string
	Timestamp int64
}

// Client is one protocol connection.
type Client interface {
	// Connect starts the connection. Progress is reported through the Handler.
	Connect(ctx context.Context) error
	// Disconnect closes the transport without touching credentials.
	Disconnect()
	// Logout unlinks the device and invalidates credentials.
	Logout(ctx context.Context) error
	SendText(ctx context.Context, to, text string) (MessageRef, error)
}

// CallRejecter declines incoming calls.
type CallRejecter interface {
	RejectCall(ctx context.Context, from, callID string) error
}

// ReadMarker sends read receipts for received messages.
type ReadMarker interface {
	MarkRead(ctx context.Context, chat, sender string, ids []string, at time.Time) error
}

// PresenceSender announces the account as available or unavailable.
type PresenceSender interface {
	SendPresence(ctx context.Context, available bool) error
}

// Factory builds clients of one variant.
type Factory interface {
	Descriptor() Descriptor
	NewClient(ctx context.Context, opts Options) (Client, error)
}

// Releaser is implemented by factories holding per-instance resources outside
// the auth state store.
type Releaser interface {
	Release(ctx context.Context, instance string) error
}
