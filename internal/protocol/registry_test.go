package protocol

import (
	"context"
	"errors"
	"testing"
)

type stubFactory struct {
	desc Descriptor
}

func (f stubFactory) Descriptor() Descriptor { return f.desc }

func (f stubFactory) NewClient(context.Context, Options) (Client, error) {
	return nil, errors.New("not implemented")
}

func TestRegistryDefaultsToFirstVariant(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.MustRegister(stubFactory{desc: Descriptor{Variant: "web"}})
	r.MustRegister(stubFactory{desc: Descriptor{Variant: "business"}})

	f, ok := r.Get("")
	if !ok || f.Descriptor().Variant != "web" {
		t.Fatalf("expected default variant web, got %v", f)
	}
	if _, ok := r.Get("WEB"); !ok {
		t.Fatal("expected lookup to be case insensitive")
	}
	if _, err := r.Resolve("telegram"); err == nil {
		t.Fatal("expected unknown variant error")
	}
	if got := len(r.Descriptors()); got != 2 {
		t.Fatalf("Descriptors() len = %d", got)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.MustRegister(stubFactory{desc: Descriptor{Variant: "web"}})
	if err := r.Register(stubFactory{desc: Descriptor{Variant: "Web"}}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := r.Register(nil); err == nil {
		t.Fatal("expected nil factory to fail")
	}
}

func TestDescriptorRequire(t *testing.T) {
	t.Parallel()
	d := Descriptor{Variant: "business", Capabilities: []Capability{CapSendText}}
	if err := d.Require(CapSendText); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := d.Require(CapLogout)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	var ue *UnsupportedError
	if !errors.As(err, &ue) || ue.Capability != CapLogout {
		t.Fatalf("expected UnsupportedError for logout, got %v", err)
	}
}
