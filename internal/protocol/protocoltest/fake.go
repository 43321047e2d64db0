// Package protocoltest provides an in-memory protocol.Factory for tests.
package protocoltest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/protocol"
)

// Factory records every client it builds.
type Factory struct {
	Desc protocol.Descriptor
	// ConnectErr is returned by Connect of new clients when set.
	ConnectErr error

	mu      sync.Mutex
	clients []*Client
}

func NewFactory(caps ...protocol.Capability) *Factory {
	if len(caps) == 0 {
		caps = []protocol.Capability{
			protocol.CapQRCode, protocol.CapLogout, protocol.CapSendText,
			protocol.CapRejectCall, protocol.CapMarkRead, protocol.CapPresence,
		}
	}
	return &Factory{Desc: protocol.Descriptor{
		Variant:      protocol.VariantWhatsAppWeb,
		DisplayName:  "Fake",
		Capabilities: caps,
	}}
}

func (f *Factory) Descriptor() protocol.Descriptor {
	return f.Desc
}

func (f *Factory) NewClient(_ context.Context, opts protocol.Options) (protocol.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &Client{opts: opts, connectErr: f.ConnectErr}
	f.clients = append(f.clients, c)
	return c, nil
}

// Clients returns the clients built so far.
func (f *Factory) Clients() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.clients...)
}

// Last returns the most recent client or nil.
func (f *Factory) Last() *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

// Client is a scripted protocol.Client. Tests drive it through Emit.
type Client struct {
	opts       protocol.Options
	connectErr error

	mu          sync.Mutex
	connects    int
	disconnects int
	logouts     int
	sent        []string
	rejected    []string
	read        []string
	presences   []bool
}

func (c *Client) Connect(context.Context) error {
	c.mu.Lock()
	c.connects++
	err := c.connectErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.Emit(protocol.Connecting{})
	return nil
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
}

func (c *Client) Logout(context.Context) error {
	c.mu.Lock()
	c.logouts++
	c.mu.Unlock()
	return nil
}

func (c *Client) SendText(_ context.Context, to, text string) (protocol.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, to+":"+text)
	return protocol.MessageRef{
		ID:        fmt.Sprintf("FAKE%d", len(c.sent)),
		RemoteJID: to + "@s.whatsapp.net",
		Timestamp: time.Now().Unix(),
	}, nil
}

// RejectCall records the call as from+":"+callID.
func (c *Client) RejectCall(_ context.Context, from, callID string) error {
	c.mu.Lock()
	c.rejected = append(c.rejected, from+":"+callID)
	c.mu.Unlock()
	return nil
}

// MarkRead records one chat+":"+id entry per message.
func (c *Client) MarkRead(_ context.Context, chat, _ string, ids []string, _ time.Time) error {
	c.mu.Lock()
	for _, id := range ids {
		c.read = append(c.read, chat+":"+id)
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) SendPresence(_ context.Context, available bool) error {
	c.mu.Lock()
	c.presences = append(c.presences, available)
	c.mu.Unlock()
	return nil
}

// Emit forwards evt to the session handler.
func (c *Client) Emit(evt protocol.Event) {
	if c.opts.Handler != nil {
		c.opts.Handler(evt)
	}
}

func (c *Client) Options() protocol.Options {
	return c.opts
}

func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *Client) Logouts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logouts
}

func (c *Client) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *Client) Rejected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.rejected...)
}

func (c *Client) Read() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.read...)
}

func (c *Client) Presences() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.presences...)
}
