package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errDocumentNotFound  = errors.New("document not found")
	errDocumentExists    = errors.New("document already exists")
	errChecksumMismatch  = errors.New("stored checksum does not match content")
	errVersionRace       = errors.New("document version changed during write")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "document.service.new"
	opCreateDocument = "document.create"
	opFetchDocument  = "document.fetch"
	opApplyOperation = "document.apply_operation"
	opSynchronize    = "document.synchronize"

	fieldDocumentID = "document_id"
	fieldUserID     = "user_id"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonInvalidDocumentID = "invalid_document_id"
	reasonInvalidOperation  = "invalid_operation"
	reasonNotFound          = "not_found"
	reasonAlreadyExists     = "already_exists"
	reasonChecksumMismatch  = "checksum_mismatch"
	reasonSelectFailed      = "select_failed"
	reasonInsertFailed      = "insert_failed"
	reasonUpdateFailed      = "update_failed"
	reasonVersionRace       = "version_race"
	reasonLogQueryFailed    = "log_query_failed"
	reasonLogInsertFailed   = "log_insert_failed"
	reasonIDGeneration      = "id_generation_failed"

	queryDocumentID       = "document_id = ?"
	queryDocumentVersion  = "document_id = ? AND version = ?"
	queryLogVersionWindow = "document_id = ? AND version_after > ?"
	orderVersionAfterAsc  = "version_after ASC"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for operation log entries.
type IDProvider interface {
	NewID() (string, error)
}

// EventSink receives best-effort notifications for accepted writes.
type EventSink interface {
	PublishOperation(ctx context.Context, event OperationEvent) error
}

// ServiceConfig wires the synchronizer dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Events     EventSink
}

// Service is the document synchronizer: the single writer path for document
// state. All mutations flow through it so the version sequence, checksum and
// operation log stay consistent.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	events     EventSink
	locks      *lockTable
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		events:     cfg.Events,
		locks:      newLockTable(),
	}, nil
}

// CreateDocument persists a new document at version 1.
func (s *Service) CreateDocument(ctx context.Context, documentID, title, content, creatorID string) (State, error) {
	validatedID, err := ValidateDocumentID(documentID)
	if err != nil {
		return State{}, newServiceError(opCreateDocument, reasonInvalidDocumentID, err)
	}

	state := State{
		DocumentID:       validatedID,
		Title:            title,
		Content:          content,
		Version:          1,
		Checksum:         ContentChecksum(content),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
		LastEditorID:     creatorID,
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&state)
	if result.Error != nil {
		s.logError(opCreateDocument, reasonInsertFailed, result.Error, zap.String(fieldDocumentID, validatedID))
		return State{}, newServiceError(opCreateDocument, reasonInsertFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return State{}, newServiceError(opCreateDocument, reasonAlreadyExists, errDocumentExists)
	}
	return state, nil
}

// FetchDocument loads a document and rejects rows whose stored checksum no
// longer matches the content.
func (s *Service) FetchDocument(ctx context.Context, documentID string) (State, error) {
	validatedID, err := ValidateDocumentID(documentID)
	if err != nil {
		return State{}, newServiceError(opFetchDocument, reasonInvalidDocumentID, err)
	}

	var state State
	err = s.db.WithContext(ctx).Where(queryDocumentID, validatedID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return State{}, newServiceError(opFetchDocument, reasonNotFound, errDocumentNotFound)
	}
	if err != nil {
		s.logError(opFetchDocument, reasonSelectFailed, err, zap.String(fieldDocumentID, validatedID))
		return State{}, newServiceError(opFetchDocument, reasonSelectFailed, err)
	}
	if state.Checksum != ContentChecksum(state.Content) {
		s.logError(opFetchDocument, reasonChecksumMismatch, errChecksumMismatch, zap.String(fieldDocumentID, validatedID))
		return State{}, newServiceError(opFetchDocument, reasonChecksumMismatch, errChecksumMismatch)
	}
	return state, nil
}

// ApplyOperation applies one client operation against the expected version.
// When the stored version has moved past the expectation, the operation is
// transformed over the intervening operation log before application. One
// accepted write bumps the version by exactly one regardless of how many
// conflicts were folded in.
func (s *Service) ApplyOperation(ctx context.Context, documentID string, op Operation, expectedVersion int64, sessionID string) (ApplyResult, error) {
	validatedID, err := ValidateDocumentID(documentID)
	if err != nil {
		return ApplyResult{}, newServiceError(opApplyOperation, reasonInvalidDocumentID, err)
	}
	if err := op.Validate(); err != nil {
		return ApplyResult{}, newServiceError(opApplyOperation, reasonInvalidOperation, err)
	}

	release := s.locks.acquire(validatedID)
	defer release()

	var applied ApplyResult
	var event OperationEvent
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state State
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryDocumentID, validatedID).
			Take(&state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opApplyOperation, reasonNotFound, errDocumentNotFound)
		}
		if err != nil {
			s.logError(opApplyOperation, reasonSelectFailed, err, zap.String(fieldDocumentID, validatedID))
			return newServiceError(opApplyOperation, reasonSelectFailed, err)
		}

		resolved := op
		resolution := ConflictResolution{ResolvedOperation: op, Strategy: StrategyOurs}
		if state.Version != expectedVersion {
			var intervening []OperationLog
			err := tx.Where(queryLogVersionWindow, validatedID, expectedVersion).
				Order(orderVersionAfterAsc).
				Find(&intervening).Error
			if err != nil {
				s.logError(opApplyOperation, reasonLogQueryFailed, err, zap.String(fieldDocumentID, validatedID))
				return newServiceError(opApplyOperation, reasonLogQueryFailed, err)
			}
			resolution = Resolve(op, expectedVersion, intervening)
			resolved = resolution.ResolvedOperation
		}

		newContent := applyOperationToContent(state.Content, resolved)
		newVersion := state.Version + 1
		checksum := ContentChecksum(newContent)
		appliedAt := s.clock().UTC()

		update := tx.Model(&State{}).
			Where(queryDocumentVersion, validatedID, state.Version).
			Updates(map[string]any{
				"content":        newContent,
				"version":        newVersion,
				"checksum":       checksum,
				"updated_at_s":   appliedAt.Unix(),
				"last_editor_id": op.UserID,
			})
		if update.Error != nil {
			s.logError(opApplyOperation, reasonUpdateFailed, update.Error, zap.String(fieldDocumentID, validatedID))
			return newServiceError(opApplyOperation, reasonUpdateFailed, update.Error)
		}
		if update.RowsAffected == 0 {
			// The lock table should make this unreachable in-process; it
			// remains as a backstop against a second writer instance.
			return newServiceError(opApplyOperation, reasonVersionRace, errVersionRace)
		}

		if err := s.appendLogEntry(tx, opApplyOperation, validatedID, sessionID, resolved, state.Version, newVersion, checksum, appliedAt); err != nil {
			return err
		}

		applied = ApplyResult{
			NewVersion:        newVersion,
			ResolvedContent:   newContent,
			Checksum:          checksum,
			ResolvedOperation: resolved,
			Conflicts:         resolution.ConflictsDetected,
			Strategy:          resolution.Strategy,
		}
		event = OperationEvent{
			DocumentID:    validatedID,
			UserID:        op.UserID,
			SessionID:     sessionID,
			OpType:        string(resolved.Type),
			VersionBefore: state.Version,
			VersionAfter:  newVersion,
			Checksum:      checksum,
			AppliedAt:     appliedAt,
		}
		return nil
	})
	if txErr != nil {
		return ApplyResult{}, txErr
	}

	s.publishEvent(ctx, event)
	return applied, nil
}

// SynchronizeDocument applies a batch of operations in order against one
// fetched state, persisting the final content once while logging one entry
// per operation. Used for reconnect catch-up, not per-keystroke editing.
func (s *Service) SynchronizeDocument(ctx context.Context, documentID string, ops []Operation, sessionID string) (SyncResult, error) {
	validatedID, err := ValidateDocumentID(documentID)
	if err != nil {
		return SyncResult{}, newServiceError(opSynchronize, reasonInvalidDocumentID, err)
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return SyncResult{}, newServiceError(opSynchronize, reasonInvalidOperation, err)
		}
	}

	release := s.locks.acquire(validatedID)
	defer release()

	var synced SyncResult
	var events []OperationEvent
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state State
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryDocumentID, validatedID).
			Take(&state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opSynchronize, reasonNotFound, errDocumentNotFound)
		}
		if err != nil {
			s.logError(opSynchronize, reasonSelectFailed, err, zap.String(fieldDocumentID, validatedID))
			return newServiceError(opSynchronize, reasonSelectFailed, err)
		}

		content := state.Content
		version := state.Version
		appliedAt := s.clock().UTC()
		lastEditor := state.LastEditorID
		events = make([]OperationEvent, 0, len(ops))

		for _, op := range ops {
			content = applyOperationToContent(content, op)
			checksum := ContentChecksum(content)
			if err := s.appendLogEntry(tx, opSynchronize, validatedID, sessionID, op, version, version+1, checksum, appliedAt); err != nil {
				return err
			}
			events = append(events, OperationEvent{
				DocumentID:    validatedID,
				UserID:        op.UserID,
				SessionID:     sessionID,
				OpType:        string(op.Type),
				VersionBefore: version,
				VersionAfter:  version + 1,
				Checksum:      checksum,
				AppliedAt:     appliedAt,
			})
			version++
			if op.UserID != "" {
				lastEditor = op.UserID
			}
		}

		checksum := ContentChecksum(content)
		update := tx.Model(&State{}).
			Where(queryDocumentVersion, validatedID, state.Version).
			Updates(map[string]any{
				"content":        content,
				"version":        version,
				"checksum":       checksum,
				"updated_at_s":   appliedAt.Unix(),
				"last_editor_id": lastEditor,
			})
		if update.Error != nil {
			s.logError(opSynchronize, reasonUpdateFailed, update.Error, zap.String(fieldDocumentID, validatedID))
			return newServiceError(opSynchronize, reasonUpdateFailed, update.Error)
		}
		if update.RowsAffected == 0 {
			return newServiceError(opSynchronize, reasonVersionRace, errVersionRace)
		}

		synced = SyncResult{Applied: len(ops), NewVersion: version, Checksum: checksum}
		return nil
	})
	if txErr != nil {
		return SyncResult{}, txErr
	}

	for _, event := range events {
		s.publishEvent(ctx, event)
	}
	return synced, nil
}

// OperationsSince returns log entries with versionAfter beyond the given
// version, oldest first.
func (s *Service) OperationsSince(ctx context.Context, documentID string, version int64) ([]OperationLog, error) {
	validatedID, err := ValidateDocumentID(documentID)
	if err != nil {
		return nil, newServiceError(opFetchDocument, reasonInvalidDocumentID, err)
	}
	var entries []OperationLog
	err = s.db.WithContext(ctx).
		Where(queryLogVersionWindow, validatedID, version).
		Order(orderVersionAfterAsc).
		Find(&entries).Error
	if err != nil {
		s.logError(opFetchDocument, reasonLogQueryFailed, err, zap.String(fieldDocumentID, validatedID))
		return nil, newServiceError(opFetchDocument, reasonLogQueryFailed, err)
	}
	return entries, nil
}

func (s *Service) appendLogEntry(tx *gorm.DB, operation, documentID, sessionID string, op Operation, versionBefore, versionAfter int64, checksum string, appliedAt time.Time) error {
	entryID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, reasonIDGeneration, err, zap.String(fieldDocumentID, documentID))
		return newServiceError(operation, reasonIDGeneration, err)
	}

	start, end := op.Span()
	entry := OperationLog{
		EntryID:          entryID,
		DocumentID:       documentID,
		UserID:           op.UserID,
		SessionID:        sessionID,
		OpType:           string(op.Type),
		OpPosition:       op.Position,
		OpContent:        op.Content,
		OpLength:         op.Length,
		PositionStart:    start,
		PositionEnd:      end,
		VersionBefore:    versionBefore,
		VersionAfter:     versionAfter,
		Checksum:         checksum,
		CreatedAtSeconds: appliedAt.Unix(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		s.logError(operation, reasonLogInsertFailed, err, zap.String(fieldDocumentID, documentID))
		return newServiceError(operation, reasonLogInsertFailed, err)
	}
	return nil
}

func (s *Service) publishEvent(ctx context.Context, event OperationEvent) {
	if s.events == nil || event.DocumentID == "" {
		return
	}
	if err := s.events.PublishOperation(ctx, event); err != nil {
		s.logger.Warn("operation event publish failed",
			zap.String(fieldDocumentID, event.DocumentID),
			zap.Error(err))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("document service error", attrs...)
}
