package client

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/syntrixbase/syntrix-sync/internal/syncengine"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// GetDocumentFromCache returns the local view of the document at path,
// pending writes included. A known deletion is returned as a NoDocument; a
// document the cache knows nothing about fails with CodeUnavailable.
func (c *Client) GetDocumentFromCache(ctx context.Context, path string) (*model.MutableDocument, error) {
	ctx, span := c.tracer.Start(ctx, "client.GetDocumentFromCache")
	defer span.End()
	span.SetAttributes(attribute.String("sync.path", path))

	key, err := ParseKey(path)
	if err != nil {
		return nil, recordError(span, err)
	}
	var doc *model.MutableDocument
	err = c.run(ctx, func() error {
		doc = c.localStore.ReadDocument(key)
		return nil
	})
	if err != nil {
		return nil, recordError(span, err)
	}
	if !doc.IsFoundDocument() && !doc.IsNoDocument() {
		return nil, recordError(span, model.Errorf(model.CodeUnavailable,
			"failed to get document %s from cache: the client has not seen it", key))
	}
	span.SetAttributes(attribute.Bool("sync.exists", doc.IsFoundDocument()))
	return doc, nil
}

// GetDocumentsFromCache runs q against the local cache only.
func (c *Client) GetDocumentsFromCache(ctx context.Context, q model.Query) (*ViewSnapshot, error) {
	ctx, span := c.tracer.Start(ctx, "client.GetDocumentsFromCache")
	defer span.End()
	span.SetAttributes(attribute.String("sync.query", q.CanonicalID()))

	var snap *ViewSnapshot
	err := c.run(ctx, func() error {
		var err error
		snap, err = c.engine.QueryFromCache(q)
		return err
	})
	if err != nil {
		return nil, recordError(span, err)
	}
	span.SetAttributes(attribute.Int("sync.documents", snap.Docs.Len()))
	return snap, nil
}

// GetDocuments returns the server's result for q. It listens until the
// server reports the query as current and fails with CodeUnavailable when
// the client is offline.
func (c *Client) GetDocuments(ctx context.Context, q model.Query) (*ViewSnapshot, error) {
	ctx, span := c.tracer.Start(ctx, "client.GetDocuments")
	defer span.End()
	span.SetAttributes(attribute.String("sync.query", q.CanonicalID()))

	snap, err := c.getViaListener(ctx, q)
	if err != nil {
		return nil, recordError(span, err)
	}
	return snap, nil
}

// GetDocument returns the server's version of the document at path.
func (c *Client) GetDocument(ctx context.Context, path string) (*model.MutableDocument, error) {
	key, err := ParseKey(path)
	if err != nil {
		return nil, err
	}
	snap, err := c.GetDocuments(ctx, model.NewDocumentQuery(key))
	if err != nil {
		return nil, err
	}
	if doc, ok := snap.Docs.Get(key); ok {
		return doc, nil
	}
	return model.NewNoDocument(key, model.SnapshotVersion(0)), nil
}

type getResult struct {
	snap *ViewSnapshot
	err  error
}

func (c *Client) getViaListener(ctx context.Context, q model.Query) (*ViewSnapshot, error) {
	results := make(chan getResult, 1)
	deliver := func(r getResult) {
		select {
		case results <- r:
		default:
		}
	}
	observer := syncengine.ObserverFuncs{
		Snapshot: func(snap *ViewSnapshot) {
			if snap.FromCache {
				// Raised early only because the client is offline.
				deliver(getResult{err: model.Errorf(model.CodeUnavailable,
					"failed to get %s from server: the client is offline", q)})
				return
			}
			deliver(getResult{snap: snap})
		},
		Error: func(err error) { deliver(getResult{err: err}) },
	}
	reg, err := c.Listen(ctx, q, ListenOptions{IncludeMetadataChanges: true, WaitForSyncWhenOnline: true}, observer)
	if err != nil {
		return nil, err
	}
	defer func() {
		// The query may already be torn down after an error.
		_ = reg.Remove(context.WithoutCancel(ctx))
	}()

	select {
	case r := <-results:
		return r.snap, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func recordError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
