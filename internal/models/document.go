package models

import "time"

// Document is a single unit of work entering the pipeline: the raw e-cheque
// payload plus the stable identifier used for deduplication. It is never
// mutated after creation; every stage only reads it.
type Document struct {
	// SourceID is the original filename (or object name) the document
	// arrived under.
	SourceID string
	// Raw is the opaque document payload, usually a PDF.
	Raw []byte
}

// ProcessedRecord is the persistence shape for a document that has been
// carried through the pipeline, used to skip re-extraction on later runs.
type ProcessedRecord struct {
	SourceID      string    `firestore:"sourceIdentifier,omitempty" json:"sourceIdentifier"`
	Filename      string    `firestore:"generatedFilename,omitempty" json:"generatedFilename,omitempty"`
	ProcessedDate time.Time `firestore:"processedDate,omitempty" json:"processedDate"`
}
