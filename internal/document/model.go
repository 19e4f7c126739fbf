package document

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OperationType enumerates supported edit operations.
type OperationType string

const (
	// OperationTypeInsert splices content into the document.
	OperationTypeInsert OperationType = "insert"
	// OperationTypeDelete removes a character range from the document.
	OperationTypeDelete OperationType = "delete"
	// OperationTypeRetain is a placeholder for future formatting operations.
	OperationTypeRetain OperationType = "retain"
	// OperationTypeFormat carries attribute changes without content edits.
	OperationTypeFormat OperationType = "format"
)

var (
	// ErrInvalidDocumentID indicates an empty or oversized document identifier.
	ErrInvalidDocumentID = errors.New("document: invalid document id")
	// ErrInvalidOperation indicates an operation that violates its own invariants.
	ErrInvalidOperation = errors.New("document: invalid operation")
)

const maxIdentifierLength = 190

// ValidateDocumentID checks a raw document identifier.
func ValidateDocumentID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return trimmed, nil
}

// ParseOperationType validates a raw operation type string.
func ParseOperationType(value string) (OperationType, error) {
	switch OperationType(strings.ToLower(strings.TrimSpace(value))) {
	case OperationTypeInsert:
		return OperationTypeInsert, nil
	case OperationTypeDelete:
		return OperationTypeDelete, nil
	case OperationTypeRetain:
		return OperationTypeRetain, nil
	case OperationTypeFormat:
		return OperationTypeFormat, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, value)
	}
}

// Operation describes a single edit computed against a document version.
type Operation struct {
	Type       OperationType
	Position   int
	Content    string
	Length     int
	Attributes map[string]string
	Timestamp  time.Time
	UserID     string
	Version    int64
}

// Validate enforces the per-type operation invariants.
func (op Operation) Validate() error {
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Position)
	}
	switch op.Type {
	case OperationTypeInsert:
		if op.Content == "" {
			return fmt.Errorf("%w: insert requires content", ErrInvalidOperation)
		}
	case OperationTypeDelete:
		if op.Length <= 0 {
			return fmt.Errorf("%w: delete requires positive length", ErrInvalidOperation)
		}
	case OperationTypeRetain, OperationTypeFormat:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	return nil
}

// Span returns the half-open character range the operation occupies. Inserts
// carry no length and therefore span zero characters.
func (op Operation) Span() (start, end int) {
	return op.Position, op.Position + op.Length
}

// Strategy labels how a conflict resolution was decided.
type Strategy string

const (
	// StrategyOurs means the incoming operation applied without detected overlap.
	StrategyOurs Strategy = "ours"
	// StrategyTheirs means the incoming operation was discarded in favor of stored state.
	StrategyTheirs Strategy = "theirs"
	// StrategyMerge means the incoming operation was transformed past overlapping edits.
	StrategyMerge Strategy = "merge"
	// StrategyManual marks resolutions deferred to a human decision.
	StrategyManual Strategy = "manual"
)

// ConflictResolution is the ephemeral outcome of resolving one operation
// against the intervening operation log. It is never persisted.
type ConflictResolution struct {
	ResolvedOperation Operation
	ConflictsDetected []Operation
	Strategy          Strategy
}

// State models the persisted authoritative document row.
type State struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Title            string `gorm:"column:title;size:500;not null;default:''"`
	Content          string `gorm:"column:content;type:text;not null"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	Checksum         string `gorm:"column:checksum;size:64;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	LastEditorID     string `gorm:"column:last_editor_id;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (State) TableName() string {
	return "documents"
}

// OperationLog captures an append-only audit record for one applied operation.
// Rows are created once per accepted write and never mutated.
type OperationLog struct {
	EntryID          string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;index:idx_doc_ops_version,priority:1"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	SessionID        string `gorm:"column:session_id;size:190;not null;default:''"`
	OpType           string `gorm:"column:op_type;size:32;not null"`
	OpPosition       int    `gorm:"column:op_position;not null"`
	OpContent        string `gorm:"column:op_content;type:text;not null;default:''"`
	OpLength         int    `gorm:"column:op_length;not null;default:0"`
	PositionStart    int    `gorm:"column:position_start;not null"`
	PositionEnd      int    `gorm:"column:position_end;not null"`
	VersionBefore    int64  `gorm:"column:version_before;not null"`
	VersionAfter     int64  `gorm:"column:version_after;not null;index:idx_doc_ops_version,priority:2"`
	Checksum         string `gorm:"column:checksum;size:64;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (OperationLog) TableName() string {
	return "document_operations"
}

// Operation reconstructs the logged edit as an Operation value.
func (entry OperationLog) Operation() Operation {
	return Operation{
		Type:     OperationType(entry.OpType),
		Position: entry.OpPosition,
		Content:  entry.OpContent,
		Length:   entry.OpLength,
		UserID:   entry.UserID,
		Version:  entry.VersionBefore,
	}
}

// ApplyResult reports the outcome of one accepted write. ResolvedOperation
// is the operation as actually applied, after any transform over intervening
// edits; it is what peers must replay.
type ApplyResult struct {
	NewVersion        int64
	ResolvedContent   string
	Checksum          string
	ResolvedOperation Operation
	Conflicts         []Operation
	Strategy          Strategy
}

// SyncResult reports the outcome of a bulk catch-up submission.
type SyncResult struct {
	Applied    int
	NewVersion int64
	Checksum   string
}

// OperationEvent is the fan-out record published after each accepted write.
type OperationEvent struct {
	DocumentID    string    `json:"document_id"`
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id,omitempty"`
	OpType        string    `json:"op_type"`
	VersionBefore int64     `json:"version_before"`
	VersionAfter  int64     `json:"version_after"`
	Checksum      string    `json:"checksum"`
	AppliedAt     time.Time `json:"applied_at"`
}
