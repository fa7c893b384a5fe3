package client

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

// Write applies mutations locally as one batch. It returns once listeners
// can see the batch; the PendingWrite resolves when the server acknowledges
// or rejects it. Offline writes stay pending until the client reconnects.
func (c *Client) Write(ctx context.Context, mutations ...mutation.Mutation) (*PendingWrite, error) {
	ctx, span := c.tracer.Start(ctx, "client.Write")
	defer span.End()
	span.SetAttributes(attribute.Int("sync.mutations", len(mutations)))

	var pending *PendingWrite
	err := c.run(ctx, func() error {
		var err error
		pending, err = c.engine.Write(mutations)
		return err
	})
	if err != nil {
		return nil, recordError(span, err)
	}
	span.SetAttributes(attribute.Int("sync.batch_id", pending.BatchID))
	return pending, nil
}

// Set overwrites the document at path.
func (c *Client) Set(ctx context.Context, path string, data map[string]interface{}) (*PendingWrite, error) {
	key, value, err := keyAndValue(path, data)
	if err != nil {
		return nil, err
	}
	return c.Write(ctx, mutation.NewSetMutation(key, value))
}

// Update merges data into the existing document at path. Nested maps
// address nested fields; the write fails if the document does not exist.
func (c *Client) Update(ctx context.Context, path string, data map[string]interface{}) (*PendingWrite, error) {
	key, value, err := keyAndValue(path, data)
	if err != nil {
		return nil, err
	}
	return c.Write(ctx, mutation.NewUpdateMutation(key, value))
}

// Delete removes the document at path. Deleting a missing document succeeds.
func (c *Client) Delete(ctx context.Context, path string) (*PendingWrite, error) {
	key, err := ParseKey(path)
	if err != nil {
		return nil, err
	}
	return c.Write(ctx, mutation.NewDeleteMutation(key, mutation.PreconditionNone))
}

// Add creates a document with a generated id in collection.
func (c *Client) Add(ctx context.Context, collection string, data map[string]interface{}) (model.DocumentKey, *PendingWrite, error) {
	key, value, err := keyAndValue(collection+"/"+model.NewDocumentID(), data)
	if err != nil {
		return model.DocumentKey{}, nil, err
	}
	pending, err := c.Write(ctx, mutation.NewSetMutation(key, value))
	if err != nil {
		return model.DocumentKey{}, nil, err
	}
	return key, pending, nil
}

// WaitForPendingWrites resolves once every batch pending at call time is
// acknowledged or rejected. A user change fails the wait.
func (c *Client) WaitForPendingWrites(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "client.WaitForPendingWrites")
	defer span.End()

	var pending *PendingWrite
	err := c.run(ctx, func() error {
		pending = c.engine.WaitForPendingWrites()
		return nil
	})
	if err != nil {
		return recordError(span, err)
	}
	return recordError(span, pending.Wait(ctx))
}

func keyAndValue(path string, data map[string]interface{}) (model.DocumentKey, model.ObjectValue, error) {
	key, err := ParseKey(path)
	if err != nil {
		return model.DocumentKey{}, model.ObjectValue{}, err
	}
	value, err := model.NewObjectValue(data)
	if err != nil {
		return model.DocumentKey{}, model.ObjectValue{}, model.Errorf(model.CodeInvalidArgument, "invalid data for %s: %v", path, err)
	}
	return key, value, nil
}
