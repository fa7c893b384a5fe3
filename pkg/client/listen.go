package client

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/syntrixbase/syntrix-sync/internal/syncengine"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// ListenerRegistration removes a listener registered with Listen.
type ListenerRegistration struct {
	client *Client
	id     syncengine.ListenerID
}

// Remove stops the listener. No callback runs after Remove returns. The
// query target stays cached for a later listen.
func (r *ListenerRegistration) Remove(ctx context.Context) error {
	return r.client.run(ctx, func() error {
		return r.client.events.Unlisten(r.id)
	})
}

// Listen registers observer for q. Observer callbacks run on a goroutine
// of their own, never on the engine goroutine, in snapshot order.
func (c *Client) Listen(ctx context.Context, q model.Query, opts ListenOptions, observer Observer) (*ListenerRegistration, error) {
	ctx, span := c.tracer.Start(ctx, "client.Listen")
	defer span.End()
	span.SetAttributes(attribute.String("sync.query", q.CanonicalID()))

	var id syncengine.ListenerID
	err := c.run(ctx, func() error {
		var err error
		id, err = c.events.Listen(q, opts, observer)
		return err
	})
	if err != nil {
		return nil, recordError(span, err)
	}
	span.SetAttributes(attribute.Int64("sync.listener_id", int64(id)))
	return &ListenerRegistration{client: c, id: id}, nil
}

// ListenDocument listens to the single document at path.
func (c *Client) ListenDocument(ctx context.Context, path string, opts ListenOptions, observer Observer) (*ListenerRegistration, error) {
	key, err := ParseKey(path)
	if err != nil {
		return nil, err
	}
	return c.Listen(ctx, model.NewDocumentQuery(key), opts, observer)
}
