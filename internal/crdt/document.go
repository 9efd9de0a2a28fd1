// Package crdt adapts automerge documents to the update/state-vector vocabulary
// the relay speaks. All automerge calls in the module live here.
package crdt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

const headSize = 32

// documentMagic opens every encoded automerge document.
var documentMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

var ErrEmptyUpdate = errors.New("crdt: empty update")

// Document is a mutex-guarded automerge document.
type Document struct {
	mu  sync.Mutex
	doc *automerge.Doc
}

// New returns an empty document.
func New() *Document {
	return &Document{doc: automerge.New()}
}

// FromUpdate builds a document from a single encoded update.
func FromUpdate(update []byte) (*Document, error) {
	document := New()
	if err := document.ApplyUpdate(update); err != nil {
		return nil, err
	}
	return document, nil
}

// ApplyUpdate merges an encoded update into the document. Applying the same
// update twice is a no-op.
func (d *Document) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}
	incoming, err := automerge.Load(update)
	if err != nil {
		return fmt.Errorf("crdt: decode update: %w", err)
	}
	changes, err := incoming.Changes()
	if err != nil {
		return fmt.Errorf("crdt: read changes: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.Apply(changes...); err != nil {
		return fmt.Errorf("crdt: apply changes: %w", err)
	}
	return nil
}

// EncodeStateAsUpdate returns the full document state. When the caller's state
// vector already covers every local head the result is nil.
func (d *Document) EncodeStateAsUpdate(stateVector []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(stateVector) > 0 && coversHeads(stateVector, d.doc.Heads()) {
		return nil
	}
	return d.doc.Save()
}

// EncodeStateVector returns the concatenated heads of the document.
func (d *Document) EncodeStateVector() []byte {
	d.mu.Lock()
	heads := d.doc.Heads()
	d.mu.Unlock()
	out := make([]byte, 0, len(heads)*headSize)
	for _, head := range heads {
		out = append(out, head[:]...)
	}
	return out
}

// IsStateVector reports whether payload is a list of change hashes rather than
// an encoded document. The empty payload is the state vector of an empty peer.
func IsStateVector(payload []byte) bool {
	return len(payload)%headSize == 0 && !bytes.HasPrefix(payload, documentMagic)
}

// HasContent reports whether any of the named text or list fields is non-empty,
// or, when anyField is set, whether the root map has any field at all.
func (d *Document) HasContent(textFields, listFields []string, anyField bool) bool {
	for _, field := range textFields {
		if d.FieldLen(field) > 0 {
			return true
		}
	}
	for _, field := range listFields {
		if d.FieldLen(field) > 0 {
			return true
		}
	}
	if anyField {
		d.mu.Lock()
		defer d.mu.Unlock()
		keys, err := d.doc.RootMap().Keys()
		return err == nil && len(keys) > 0
	}
	return false
}

// FieldLen returns the length of a root text or list field, zero when the field
// is missing or holds a scalar.
func (d *Document) FieldLen(field string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	value, err := d.doc.Path(field).Get()
	if err != nil || value == nil {
		return 0
	}
	switch value.Kind() {
	case automerge.KindText:
		return value.Text().Len()
	case automerge.KindList:
		return value.List().Len()
	default:
		return 0
	}
}

// IsEmpty reports whether the document has no committed changes.
func (d *Document) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.doc.Heads()) == 0
}

// ToJSON exports the root map as JSON.
func (d *Document) ToJSON() (json.RawMessage, error) {
	d.mu.Lock()
	root, err := exportValue(d.doc.Path().Get())
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("crdt: read root: %w", err)
	}
	if root == nil {
		root = map[string]any{}
	}
	return json.Marshal(root)
}

func exportValue(value *automerge.Value, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	switch value.Kind() {
	case automerge.KindMap:
		keys, err := value.Map().Keys()
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(keys))
		for _, key := range keys {
			child, err := exportValue(value.Map().Get(key))
			if err != nil {
				return nil, err
			}
			out[key] = child
		}
		return out, nil
	case automerge.KindList:
		list := value.List()
		out := make([]any, 0, list.Len())
		for index := 0; index < list.Len(); index++ {
			child, err := exportValue(list.Get(index))
			if err != nil {
				return nil, err
			}
			out = append(out, child)
		}
		return out, nil
	case automerge.KindText:
		return value.Text().Get()
	case automerge.KindVoid:
		return nil, nil
	default:
		return value.Interface(), nil
	}
}

// SetText replaces a root text field and commits the change.
func (d *Document) SetText(field, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.Path(field).Set(automerge.NewText(value)); err != nil {
		return err
	}
	_, err := d.doc.Commit("set " + field)
	return err
}

// SetList replaces a root list field and commits the change.
func (d *Document) SetList(field string, values ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if values == nil {
		values = []any{}
	}
	if err := d.doc.Path(field).Set(values); err != nil {
		return err
	}
	_, err := d.doc.Commit("set " + field)
	return err
}

// Text returns the content of a root text field.
func (d *Document) Text(field string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	value, err := d.doc.Path(field).Get()
	if err != nil || value == nil || value.Kind() != automerge.KindText {
		return ""
	}
	text, err := value.Text().Get()
	if err != nil {
		return ""
	}
	return text
}

// MergeUpdates folds a list of encoded updates into a single update.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	merged := New()
	for _, update := range updates {
		if len(update) == 0 {
			continue
		}
		if err := merged.ApplyUpdate(update); err != nil {
			return nil, err
		}
	}
	return merged.EncodeStateAsUpdate(nil), nil
}

func coversHeads(stateVector []byte, heads []automerge.ChangeHash) bool {
	if len(stateVector)%headSize != 0 || len(heads) == 0 {
		return false
	}
	for _, head := range heads {
		found := false
		for offset := 0; offset < len(stateVector); offset += headSize {
			if bytes.Equal(stateVector[offset:offset+headSize], head[:]) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
