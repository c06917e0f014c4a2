package capability

import (
	"context"

	"github.com/colloq/colloq/internal/storage"
)

// Events gates access to conference events.
type Events struct {
	perms  Set
	domain storage.DomainStore
}

// Get returns one event. Requires events:read.
func (e *Events) Get(ctx context.Context, id string) (storage.Event, error) {
	if err := e.perms.require(PermEventsRead); err != nil {
		return storage.Event{}, err
	}
	return e.domain.GetEvent(ctx, id)
}

// List returns all events. Requires events:read.
func (e *Events) List(ctx context.Context) ([]storage.Event, error) {
	if err := e.perms.require(PermEventsRead); err != nil {
		return nil, err
	}
	return e.domain.ListEvents(ctx)
}

// SetCFPOpen opens or closes an event's CFP window. Requires events:manage.
func (e *Events) SetCFPOpen(ctx context.Context, id string, open bool) error {
	if err := e.perms.require(PermEventsManage); err != nil {
		return err
	}
	return e.domain.SetEventCFPOpen(ctx, id, open)
}
