// Package storage implements the durable document store: every persisted
// snapshot of a room becomes one reference, and retrieval merges all of them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/crdt"
	"go.uber.org/zap"
)

// DefaultDocID is the document name every room persists under.
const DefaultDocID = "default"

var (
	ErrUnknownBackend   = errors.New("storage: unknown backend")
	errMissingRoom      = errors.New("room name is required")
	errMissingSnapshot  = errors.New("snapshot is empty")
	errMissingDatabase  = errors.New("database handle is required")
	errMissingClient    = errors.New("object storage client is required")
	errMissingBucket    = errors.New("bucket is required")
	errMissingPrefix    = errors.New("storage prefix is required")
	errMissingIDSupport = errors.New("id provider is required")
	noOpLogger          = zap.NewNop()
)

// Store is the durable tier for one app type.
type Store interface {
	// PersistDoc writes a snapshot under a fresh reference and returns it.
	PersistDoc(ctx context.Context, room, docID string, snapshot []byte) (string, error)
	// RetrieveDoc merges every stored reference. It returns nil when nothing is stored.
	RetrieveDoc(ctx context.Context, room, docID string) (*Retrieved, error)
	RetrieveStateVector(ctx context.Context, room, docID string) ([]byte, error)
	DeleteReferences(ctx context.Context, room, docID string, references []string) error
	Destroy(ctx context.Context) error
}

// Retrieved is the merged view of a document's references.
type Retrieved struct {
	Doc        []byte
	References []string
}

// OperationError carries an "<operation>.<reason>" code.
type OperationError struct {
	code string
	err  error
}

func (e *OperationError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *OperationError) Unwrap() error {
	return e.err
}

func (e *OperationError) Code() string {
	return e.code
}

const (
	opNew                 = "storage.new"
	opPersistDoc          = "storage.persist_doc"
	opRetrieveDoc         = "storage.retrieve_doc"
	opRetrieveStateVector = "storage.retrieve_state_vector"
	opDeleteReferences    = "storage.delete_references"
)

func newOperationError(operation, reason string, cause error) error {
	return &OperationError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	logger.Error("storage operation failed", allFields...)
}

// ObjectPrefix returns "<prefix>/<room>/<docID>/" with both path segments escaped.
func ObjectPrefix(prefix, room, docID string) string {
	return strings.Join([]string{prefix, escapeSegment(room), escapeSegment(docID), ""}, "/")
}

// ObjectKey returns the full key of a reference.
func ObjectKey(prefix, room, docID, reference string) string {
	return ObjectPrefix(prefix, room, docID) + reference
}

func escapeSegment(value string) string {
	return strings.ReplaceAll(url.QueryEscape(value), "+", "%20")
}

func mergeRetrieved(references []string, blobs [][]byte) (*Retrieved, error) {
	if len(references) == 0 {
		return nil, nil
	}
	merged, err := crdt.MergeUpdates(blobs)
	if err != nil {
		return nil, err
	}
	return &Retrieved{Doc: merged, References: references}, nil
}

func stateVectorOf(retrieved *Retrieved) ([]byte, error) {
	if retrieved == nil {
		return nil, nil
	}
	document, err := crdt.FromUpdate(retrieved.Doc)
	if err != nil {
		return nil, err
	}
	return document.EncodeStateVector(), nil
}

func validateWrite(room string, snapshot []byte) error {
	if strings.TrimSpace(room) == "" {
		return errMissingRoom
	}
	if len(snapshot) == 0 {
		return errMissingSnapshot
	}
	return nil
}
