// Package vector provides embedding storage and similarity search over named
// collections.
package vector

import "time"

// Index is the interface for vector storage and similarity search backends.
// The default implementation uses SQLite with brute-force cosine similarity,
// which is plenty for the record counts routing and intent caching produce.
//
// Collections keep record types apart (skill routing vs intent
// classification) while sharing one backend.
type Index interface {
	// Insert adds records to the given collection.
	Insert(collection string, records []Record) error

	// Search returns the top-K records of a collection most similar to the
	// query vector, ordered by score descending. The filter restricts
	// candidates by indexed scalar metadata; a zero Filter matches everything.
	Search(collection string, vector []float32, topK int, filter Filter) ([]ScoredRecord, error)

	// Delete removes a record by ID from the given collection.
	Delete(collection string, id string) error

	// DeleteByKey removes all records of a collection whose Key matches.
	DeleteByKey(collection string, key string) error

	// Count returns the number of records in the given collection.
	Count(collection string) (int, error)
}

// Filter restricts a search by indexed scalar metadata.
type Filter struct {
	// Key, when non-empty, requires an exact match on Record.Key.
	Key string
}

// Record is a row in the vector store. Key is an indexed scalar used for
// filtering (a skill code, an original user message); Payload carries the
// serialized domain object.
type Record struct {
	ID        string
	Key       string
	Payload   string
	Embedding []float32
	CreatedAt time.Time
}

// ScoredRecord is a Record with a cosine-similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
