// Package storage defines the snapshot, collection and iterator contracts the
// executors read documents through, and an in-memory implementation of them.
package storage

import (
	"context"
)

// LocalDocumentID identifies a document inside its collection.
type LocalDocumentID uint64

// Document is a decoded document. Values are JSON-shaped: nil, bool, float64,
// int64, string, []any and map[string]any.
type Document = map[string]any

// Visit receives one document during iteration. Returning an error stops the
// iteration and surfaces the error.
type Visit func(id LocalDocumentID, doc Document) error

// DocumentIterator is a pull-style cursor over the documents of a collection.
type DocumentIterator interface {
	// Next invokes visit for up to limit documents and reports whether more
	// documents remain.
	Next(ctx context.Context, limit int, visit Visit) (more bool, err error)
	// Skip advances over up to n documents without decoding them and returns
	// how many were skipped.
	Skip(ctx context.Context, n int) (int, error)
	// Reset rewinds the iterator to the first document.
	Reset()
}

// Collection is a named set of documents.
type Collection interface {
	Name() string
	// IsSatellite reports whether the collection is replicated and must be
	// synchronized before it is read.
	IsSatellite() bool
	Count() int64
	// Iterator enumerates all documents, in insertion order or, when random is
	// set, in an order derived from seed.
	Iterator(random bool, seed int64) DocumentIterator
	// IndexIterator enumerates documents in the order of the named index. A
	// covering iteration yields only the indexed fields.
	IndexIterator(index string, covering bool) (DocumentIterator, error)
	// Document fetches one document by id.
	Document(ctx context.Context, id LocalDocumentID) (Document, error)
}

// Snapshot is the transaction handle a query reads through. Its lifecycle is
// owned by the caller.
type Snapshot interface {
	Active() bool
	// Count returns the approximate number of documents in a collection.
	Count(collection string) (int64, error)
	Collection(name string) (Collection, error)
	// WaitForSync blocks until a satellite collection has caught up.
	WaitForSync(ctx context.Context, collection string) error
}
