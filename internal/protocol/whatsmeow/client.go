// Package whatsmeow adapts go.mau.fi/whatsmeow to the protocol contract. Device
// keys live in the instance's auth state store unless the sqlite device store
// is selected.
package whatsmeow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	wm "go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/authstate"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/protocol"
)

// Device store backends.
const (
	StoreAuthState = "authstate"
	StoreSQLite    = "sqlite"
)

type FactoryOptions struct {
	// DeviceStore is StoreAuthState (default) or StoreSQLite.
	DeviceStore string
	// DeviceDir holds one sqlite file per instance in sqlite mode.
	DeviceDir string
	LogLevel  string
}

// Factory builds whatsmeow clients on top of the configured device store.
type Factory struct {
	deviceStore string
	deviceDir   string
	logLevel    string
	logger      *slog.Logger

	mu         sync.Mutex
	containers map[string]*sqlstore.Container
}

func NewFactory(opts FactoryOptions, log *slog.Logger) (*Factory, error) {
	mode := strings.ToLower(strings.TrimSpace(opts.DeviceStore))
	switch mode {
	case "":
		mode = StoreAuthState
	case StoreAuthState:
	case StoreSQLite:
		if err := os.MkdirAll(opts.DeviceDir, 0o755); err != nil {
			return nil, fmt.Errorf("create device dir: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown device store %q", opts.DeviceStore)
	}
	return &Factory{
		deviceStore: mode,
		deviceDir:   opts.DeviceDir,
		logLevel:    opts.LogLevel,
		logger:      log.With(slog.String("component", "whatsmeow")),
		containers:  make(map[string]*sqlstore.Container),
	}, nil
}

func (f *Factory) Descriptor() protocol.Descriptor {
	return protocol.Descriptor{
		Variant:     protocol.VariantWhatsAppWeb,
		DisplayName: "WhatsApp Web",
		Capabilities: []protocol.Capability{
			protocol.CapQRCode,
			protocol.CapLogout,
			protocol.CapSendText,
			protocol.CapRejectCall,
			protocol.CapMarkRead,
			protocol.CapPresence,
		},
	}
}

func (f *Factory) devicePath(instance string) string {
	return filepath.Join(f.deviceDir, instance+".db")
}

func (f *Factory) container(ctx context.Context, instance string) (*sqlstore.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[instance]; ok {
		return c, nil
	}
	dsn := "file:" + f.devicePath(instance) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	c, err := sqlstore.New(ctx, "sqlite", dsn, newSlogLogger(f.logger.With(slog.String("instance", instance)), f.logLevel).Sub("store"))
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	f.containers[instance] = c
	return c, nil
}

func (f *Factory) device(ctx context.Context, opts protocol.Options, log *slog.Logger) (*store.Device, error) {
	if f.deviceStore == StoreSQLite {
		container, err := f.container(ctx, opts.Instance)
		if err != nil {
			return nil, err
		}
		return container.GetFirstDevice(ctx)
	}
	if opts.Auth == nil {
		return nil, errors.New("auth state store is required")
	}
	return newDeviceStore(opts.Auth, log).Device(ctx, newSlogLogger(log, f.logLevel).Sub("store"))
}

func (f *Factory) NewClient(ctx context.Context, opts protocol.Options) (protocol.Client, error) {
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	log := opts.Logger
	if log == nil {
		log = f.logger
	}
	device, err := f.device(ctx, opts, log)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	cli := wm.NewClient(device, newSlogLogger(log, f.logLevel).Sub("client"))
	cli.EnableAutoReconnect = false
	c := &client{
		cli:     cli,
		auth:    opts.Auth,
		handler: opts.Handler,
		logger:  log,
	}
	cli.AddEventHandler(c.handle)
	return c, nil
}

// Release closes and deletes the sqlite device store of instance. Auth state
// backed devices are dropped together with the instance's auth state.
func (f *Factory) Release(_ context.Context, instance string) error {
	if f.deviceStore != StoreSQLite {
		return nil
	}
	f.mu.Lock()
	c, ok := f.containers[instance]
	delete(f.containers, instance)
	f.mu.Unlock()
	if ok {
		if err := c.Close(); err != nil {
			f.logger.Warn("close device store failed", slog.String("instance", instance), slog.Any("error", err))
		}
	}
	if err := os.Remove(f.devicePath(instance)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove device store: %w", err)
	}
	return nil
}

// Close releases every open sqlite device store.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for name, c := range f.containers {
		errs = append(errs, c.Close())
		delete(f.containers, name)
	}
	return errors.Join(errs...)
}

type client struct {
	cli     *wm.Client
	auth    *authstate.Store
	handler protocol.Handler
	logger  *slog.Logger

	mu       sync.Mutex
	qrCancel context.CancelFunc
}

func (c *client) emit(evt protocol.Event) {
	c.handler(evt)
}

func (c *client) handle(evt any) {
	if _, ok := evt.(*events.Connected); ok {
		c.onConnected()
		return
	}
	out := translate(evt)
	if msg, ok := evt.(*events.Message); ok && hasMedia(msg.Message) {
		c.attachMedia(out, msg.Message)
	}
	for _, e := range out {
		c.emit(e)
	}
}

func (c *client) attachMedia(out []protocol.Event, msg *waE2E.Message) {
	download := func(ctx context.Context) ([]byte, error) {
		return c.cli.DownloadAny(ctx, msg)
	}
	for _, e := range out {
		batch, ok := e.(protocol.Messages)
		if !ok {
			continue
		}
		for i := range batch.Items {
			batch.Items[i].Download = download
		}
	}
}

func (c *client) onConnected() {
	device := c.cli.Store
	jid := ""
	if device.ID != nil {
		jid = device.ID.ToNonAD().String()
	}
	if c.auth != nil && jid != "" {
		err := c.auth.UpdateCreds(context.Background(), func(current json.RawMessage) (any, error) {
			rec, err := decodeCreds(current)
			if err != nil {
				return nil, err
			}
			markPaired(&rec, device)
			return rec, nil
		})
		if err != nil {
			c.logger.Warn("persist creds failed", slog.Any("error", err))
		}
	}
	c.emit(protocol.Connected{JID: jid, PushName: device.PushName, Platform: device.Platform})
}

func (c *client) Connect(ctx context.Context) error {
	c.emit(protocol.Connecting{})
	if c.cli.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		ch, err := c.cli.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("qr channel: %w", err)
		}
		c.setQRCancel(cancel)
		go c.pumpQR(ch)
	}
	if err := c.cli.Connect(); err != nil {
		c.setQRCancel(nil)
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *client) setQRCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	prev := c.qrCancel
	c.qrCancel = cancel
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (c *client) pumpQR(ch <-chan wm.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			c.emit(protocol.QRCode{Code: item.Code})
		case "success":
		case "timeout":
			c.emit(protocol.Disconnected{Reason: "qrcode timeout", StatusCode: statusQRTimeout})
		default:
			reason := item.Event
			if item.Error != nil {
				reason = item.Error.Error()
			}
			c.emit(protocol.Disconnected{Reason: reason, StatusCode: statusQRError})
		}
	}
}

func (c *client) Disconnect() {
	c.setQRCancel(nil)
	c.cli.Disconnect()
}

func (c *client) Logout(ctx context.Context) error {
	c.setQRCancel(nil)
	if c.cli.Store.ID == nil {
		c.cli.Disconnect()
		return nil
	}
	if err := c.cli.Logout(ctx); err != nil {
		c.cli.Disconnect()
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (c *client) SendText(ctx context.Context, to, text string) (protocol.MessageRef, error) {
	jid, err := ParseRecipient(to)
	if err != nil {
		return protocol.MessageRef{}, err
	}
	resp, err := c.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return protocol.MessageRef{}, fmt.Errorf("send message: %w", err)
	}
	return protocol.MessageRef{ID: string(resp.ID), RemoteJID: jid.String(), Timestamp: resp.Timestamp.Unix()}, nil
}

func (c *client) RejectCall(_ context.Context, from, callID string) error {
	jid, err := types.ParseJID(from)
	if err != nil {
		return fmt.Errorf("call from: %w", err)
	}
	return c.cli.RejectCall(jid, callID)
}

// MarkRead sends read receipts. sender is the participant in group chats and
// empty otherwise.
func (c *client) MarkRead(_ context.Context, chat, sender string, ids []string, at time.Time) error {
	chatJID, err := types.ParseJID(chat)
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	var senderJID types.JID
	if sender != "" {
		if senderJID, err = types.ParseJID(sender); err != nil {
			return fmt.Errorf("sender: %w", err)
		}
	}
	msgIDs := make([]types.MessageID, len(ids))
	for i, id := range ids {
		msgIDs[i] = types.MessageID(id)
	}
	return c.cli.MarkRead(msgIDs, at, chatJID, senderJID)
}

func (c *client) SendPresence(_ context.Context, available bool) error {
	state := types.PresenceUnavailable
	if available {
		state = types.PresenceAvailable
	}
	return c.cli.SendPresence(state)
}

// ParseRecipient accepts a full JID or a bare phone number.
func ParseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, errors.New("recipient is required")
	}
	if strings.Contains(to, "@") {
		return types.ParseJID(to)
	}
	var digits strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return types.JID{}, fmt.Errorf("invalid recipient: %s", to)
	}
	return types.NewJID(digits.String(), types.DefaultUserServer), nil
}
