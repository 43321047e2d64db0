package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/storage"
)

// SingletonID is the document id of per-instance singletons (config, token, record).
const SingletonID = "config"

// Repositories groups every collection sharing one backend.
type Repositories struct {
	Instances    *Collection[Instance]
	Settings     *Collection[Settings]
	Webhooks     *Collection[Webhook]
	Queues       *Collection[Queue]
	Websockets   *Collection[Websocket]
	Integrations *Collection[Integration]
	Tokens       *Collection[AuthToken]
	Messages     *Collection[Message]
	Chats        *Collection[Chat]
	Contacts     *Collection[Contact]
}

func New(backend storage.Backend) *Repositories {
	return &Repositories{
		Instances:    NewCollection[Instance](backend, "instances"),
		Settings:     NewCollection[Settings](backend, "settings"),
		Webhooks:     NewCollection[Webhook](backend, "webhooks"),
		Queues:       NewCollection[Queue](backend, "queues"),
		Websockets:   NewCollection[Websocket](backend, "websockets"),
		Integrations: NewCollection[Integration](backend, "integrations"),
		Tokens:       NewCollection[AuthToken](backend, "auth"),
		Messages:     NewCollection[Message](backend, "messages"),
		Chats:        NewCollection[Chat](backend, "chats"),
		Contacts:     NewCollection[Contact](backend, "contacts"),
	}
}

type dropper interface {
	Name() string
	DeleteInstance(ctx context.Context, instance string) (int, error)
}

func (r *Repositories) all() []dropper {
	return []dropper{
		r.Messages, r.Chats, r.Contacts, r.Integrations, r.Websockets,
		r.Queues, r.Webhooks, r.Settings, r.Tokens, r.Instances,
	}
}

// DropInstance removes every document owned by instance. It keeps going after
// a failing collection and returns the joined errors.
func (r *Repositories) DropInstance(ctx context.Context, instance string) error {
	var errs []error
	for _, c := range r.all() {
		if _, err := c.DeleteInstance(ctx, instance); err != nil {
			errs = append(errs, fmt.Errorf("drop %s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// InstanceNames lists instances with a persisted provisioning record.
func (r *Repositories) InstanceNames(ctx context.Context) ([]string, error) {
	return r.Instances.Instances(ctx)
}
