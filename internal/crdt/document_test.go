package crdt

import (
	"encoding/json"
	"testing"
)

func TestApplyUpdateReplicatesText(t *testing.T) {
	source := New()
	if err := source.SetText("quill", "hello"); err != nil {
		t.Fatalf("failed to set text: %v", err)
	}

	replica := New()
	if err := replica.ApplyUpdate(source.EncodeStateAsUpdate(nil)); err != nil {
		t.Fatalf("failed to apply update: %v", err)
	}
	if got := replica.Text("quill"); got != "hello" {
		t.Fatalf("expected replicated text hello, got %q", got)
	}
	if err := replica.ApplyUpdate(source.EncodeStateAsUpdate(nil)); err != nil {
		t.Fatalf("re-applying the same update should succeed: %v", err)
	}
	if got := replica.Text("quill"); got != "hello" {
		t.Fatalf("expected idempotent apply, got %q", got)
	}
}

func TestApplyUpdateRejectsEmpty(t *testing.T) {
	if err := New().ApplyUpdate(nil); err != ErrEmptyUpdate {
		t.Fatalf("expected ErrEmptyUpdate, got %v", err)
	}
}

func TestEncodeStateAsUpdateSkipsCoveredStateVector(t *testing.T) {
	document := New()
	if err := document.SetText("quill", "abc"); err != nil {
		t.Fatalf("failed to set text: %v", err)
	}
	vector := document.EncodeStateVector()
	if len(vector) != headSize {
		t.Fatalf("expected a single head, got %d bytes", len(vector))
	}
	if update := document.EncodeStateAsUpdate(vector); update != nil {
		t.Fatalf("expected no update for a peer with our heads, got %d bytes", len(update))
	}
	if update := document.EncodeStateAsUpdate([]byte{0x01}); len(update) == 0 {
		t.Fatalf("expected full state for an unknown state vector")
	}
}

func TestIsStateVectorSeparatesHeadsFromDocuments(t *testing.T) {
	document := New()
	if err := document.SetText("quill", "abc"); err != nil {
		t.Fatalf("failed to set text: %v", err)
	}
	if !IsStateVector(nil) {
		t.Fatalf("the empty payload should read as a state vector")
	}
	if !IsStateVector(document.EncodeStateVector()) {
		t.Fatalf("encoded heads should read as a state vector")
	}
	if IsStateVector(document.EncodeStateAsUpdate(nil)) {
		t.Fatalf("an encoded document should not read as a state vector")
	}
	if IsStateVector(make([]byte, headSize+1)) {
		t.Fatalf("a payload that is not a whole number of heads should not read as a state vector")
	}
}

func TestHasContentPerFieldKind(t *testing.T) {
	document := New()
	if document.HasContent([]string{"quill"}, nil, false) {
		t.Fatalf("new document should have no content")
	}
	if !document.IsEmpty() {
		t.Fatalf("new document should be empty")
	}
	if err := document.SetList("nodes", "a", "b"); err != nil {
		t.Fatalf("failed to set list: %v", err)
	}
	if document.HasContent(nil, []string{"table"}, false) {
		t.Fatalf("unrelated list should not count as content")
	}
	if !document.HasContent(nil, []string{"nodes", "edges"}, false) {
		t.Fatalf("populated nodes list should count as content")
	}
	if document.FieldLen("nodes") != 2 {
		t.Fatalf("expected nodes length 2, got %d", document.FieldLen("nodes"))
	}
	if !document.HasContent([]string{"content"}, nil, true) {
		t.Fatalf("any root field should count when anyField is set")
	}
}

func TestMergeUpdatesCombinesConcurrentEdits(t *testing.T) {
	left := New()
	if err := left.SetText("quill", "left"); err != nil {
		t.Fatalf("failed to set text: %v", err)
	}
	right := New()
	if err := right.SetList("table", "r1"); err != nil {
		t.Fatalf("failed to set list: %v", err)
	}

	merged, err := MergeUpdates([][]byte{left.EncodeStateAsUpdate(nil), nil, right.EncodeStateAsUpdate(nil)})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	document, err := FromUpdate(merged)
	if err != nil {
		t.Fatalf("failed to load merged update: %v", err)
	}
	if document.Text("quill") != "left" || document.FieldLen("table") != 1 {
		t.Fatalf("merged document lost an edit: text=%q table=%d", document.Text("quill"), document.FieldLen("table"))
	}

	exported, err := document.ToJSON()
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(exported, &decoded); err != nil {
		t.Fatalf("export is not a JSON object: %v", err)
	}
	if decoded["quill"] != "left" {
		t.Fatalf("expected exported quill text, got %v", decoded["quill"])
	}
}
