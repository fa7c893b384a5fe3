package local

import (
	"time"

	"github.com/syntrixbase/syntrix-sync/internal/query"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

// LocalDocumentsView reads documents as the user sees them: the cached
// server state with the overlay of pending writes applied.
type LocalDocumentsView struct {
	remoteDocuments *RemoteDocumentCache
	queue           *MutationQueue
	overlays        *DocumentOverlayCache
	matcher         *query.Matcher
}

func NewLocalDocumentsView(remote *RemoteDocumentCache, queue *MutationQueue, overlays *DocumentOverlayCache, matcher *query.Matcher) *LocalDocumentsView {
	return &LocalDocumentsView{remoteDocuments: remote, queue: queue, overlays: overlays, matcher: matcher}
}

// GetDocument returns the local view of key. The result is invalid when
// neither the cache nor a pending write knows the key.
func (v *LocalDocumentsView) GetDocument(key model.DocumentKey) *model.MutableDocument {
	doc := v.remoteDocuments.Get(key)
	if o, ok := v.overlays.GetOverlay(key); ok {
		o.Mutation.ApplyToLocalView(doc, nil, time.Time{})
	}
	return doc
}

// GetDocuments returns the local view of every key.
func (v *LocalDocumentsView) GetDocuments(keys []model.DocumentKey) map[model.DocumentKey]*model.MutableDocument {
	return v.GetLocalViewOfDocuments(v.remoteDocuments.GetAll(keys))
}

// GetLocalViewOfDocuments applies overlays to the given cached documents.
// The documents are modified in place and returned.
func (v *LocalDocumentsView) GetLocalViewOfDocuments(docs map[model.DocumentKey]*model.MutableDocument) map[model.DocumentKey]*model.MutableDocument {
	for key, od := range v.GetOverlayedDocuments(docs) {
		docs[key] = od.Document
	}
	return docs
}

// GetOverlayedDocuments applies overlays to docs and reports which fields
// each overlay changed: nil for the whole document, an empty mask when there
// is no overlay.
func (v *LocalDocumentsView) GetOverlayedDocuments(docs map[model.DocumentKey]*model.MutableDocument) map[model.DocumentKey]*mutation.OverlayedDocument {
	out := make(map[model.DocumentKey]*mutation.OverlayedDocument, len(docs))
	for key, doc := range docs {
		mask := mutation.NewFieldMask()
		if o, ok := v.overlays.GetOverlay(key); ok {
			mask = o.Mutation.FieldMask()
			o.Mutation.ApplyToLocalView(doc, nil, time.Time{})
		}
		out[key] = &mutation.OverlayedDocument{Document: doc, MutatedFields: mask}
	}
	return out
}

// RecalculateAndSaveOverlays folds every pending batch touching keys, oldest
// first, over the cached documents and stores the resulting overlays. Keys
// no batch touches lose their overlay.
func (v *LocalDocumentsView) RecalculateAndSaveOverlays(keys []model.DocumentKey) {
	docs := v.remoteDocuments.GetAll(keys)
	masks := map[model.DocumentKey]*mutation.FieldMask{}
	newest := map[model.DocumentKey]int{}
	for _, b := range v.queue.GetAllMutationBatchesAffectingDocumentKeys(keys) {
		for _, key := range b.Keys() {
			doc, ok := docs[key]
			if !ok {
				continue
			}
			base, seen := masks[key]
			if !seen {
				base = mutation.NewFieldMask()
			}
			masks[key] = b.ApplyToLocalView(doc, base)
			newest[key] = b.BatchID
		}
	}

	byBatch := map[int]map[model.DocumentKey]mutation.Mutation{}
	for _, key := range keys {
		batchID, ok := newest[key]
		if !ok {
			v.overlays.RemoveOverlay(key)
			continue
		}
		m, ok := mutation.CalculateOverlayMutation(docs[key], masks[key])
		if !ok {
			v.overlays.RemoveOverlay(key)
			continue
		}
		if byBatch[batchID] == nil {
			byBatch[batchID] = map[model.DocumentKey]mutation.Mutation{}
		}
		byBatch[batchID][key] = m
	}
	for batchID, overlays := range byBatch {
		v.overlays.SaveOverlays(batchID, overlays)
	}
}

// GetDocumentsMatchingQuery returns the local view of every document that
// matches q, including documents that only exist through pending writes.
func (v *LocalDocumentsView) GetDocumentsMatchingQuery(q model.Query) map[model.DocumentKey]*model.MutableDocument {
	if q.IsDocumentQuery() {
		out := map[model.DocumentKey]*model.MutableDocument{}
		if doc := v.GetDocument(q.DocumentKey()); doc.IsFoundDocument() {
			out[doc.Key()] = doc
		}
		return out
	}
	docs := v.remoteDocuments.GetDocumentsMatchingQuery(q)
	overlays := v.overlays.GetOverlaysForCollection(q.Path, mutation.BatchIDUnknown)
	for key := range overlays {
		if _, ok := docs[key]; !ok {
			docs[key] = model.NewInvalidDocument(key)
		}
	}
	for key, doc := range docs {
		if o, ok := overlays[key]; ok {
			o.Mutation.ApplyToLocalView(doc, nil, time.Time{})
		}
		if !v.matcher.Matches(q, doc) {
			delete(docs, key)
		}
	}
	return docs
}
