// Package engine implements the document synchronization and hierarchical
// aggregation core of dashd: it merges documents from several independently
// paginated ingestion pipelines into one consistent view, builds a folder
// forest from their flat path strings, scans them for processing-health
// problems, and keeps all of it fresh by reacting to change notifications
// with debouncing, in-flight cancellation, and bounded backoff retry.
package engine

import "time"

// SourceID identifies one of the fixed ingestion pipelines.
type SourceID string

const (
	SourceUpload   SourceID = "upload"
	SourceCrawler  SourceID = "crawler"
	SourceMailroom SourceID = "mailroom"
)

// ValidationState is the shared validation vocabulary all pipelines map onto.
type ValidationState string

const (
	ValidationPending   ValidationState = "pending"
	ValidationValidated ValidationState = "validated"
	ValidationRejected  ValidationState = "rejected"
)

// ProcessingState is the shared processing vocabulary all pipelines map onto.
type ProcessingState string

const (
	ProcessingQueued ProcessingState = "queued"
	ProcessingActive ProcessingState = "processing"
	ProcessingReady  ProcessingState = "ready_for_assignment"
	ProcessingFailed ProcessingState = "failed"
)

// Document is the normalized snapshot of one pipeline record. It is fetched
// fresh each load cycle and never mutated afterwards.
type Document struct {
	ID              string          `json:"id"`
	FileName        string          `json:"file_name"`
	SourceID        SourceID        `json:"source_id"`
	ValidationState ValidationState `json:"validation_state"`
	ProcessingState ProcessingState `json:"processing_state"`
	// FolderPath is a '/'-delimited path, nil when the document is unfiled.
	FolderPath   *string   `json:"folder_path"`
	CreatedAt    time.Time `json:"created_at"`
	ErrorMessage *string   `json:"error_message"`
}

// Page is one merged page of the cross-source document view.
type Page struct {
	Items      []Document `json:"items"`
	TotalCount int        `json:"total_count"`
}

// Filter narrows count and range queries. Zero value matches everything.
type Filter struct {
	// Folder restricts to documents filed exactly under this path.
	Folder *string
	// Query is a case-insensitive substring match on the file name.
	Query string
}
