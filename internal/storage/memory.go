package storage

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type memoryReference struct {
	id       string
	snapshot []byte
}

// MemoryStore keeps references in process memory.
type MemoryStore struct {
	mu         sync.Mutex
	prefix     string
	docs       map[string][]memoryReference
	idProvider IDProvider
	logger     *zap.Logger
}

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	Prefix     string
	IDProvider IDProvider
	Logger     *zap.Logger
}

func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &MemoryStore{
		prefix:     cfg.Prefix,
		docs:       make(map[string][]memoryReference),
		idProvider: idProvider,
		logger:     logger,
	}
}

func (s *MemoryStore) PersistDoc(_ context.Context, room, docID string, snapshot []byte) (string, error) {
	if err := validateWrite(room, snapshot); err != nil {
		return "", newOperationError(opPersistDoc, "invalid_input", err)
	}
	reference, err := s.idProvider.NewID()
	if err != nil {
		logError(s.logger, opPersistDoc, "id_generation", err, zap.String("room", room))
		return "", newOperationError(opPersistDoc, "id_generation", err)
	}
	key := ObjectPrefix(s.prefix, room, docID)
	s.mu.Lock()
	s.docs[key] = append(s.docs[key], memoryReference{id: reference, snapshot: append([]byte(nil), snapshot...)})
	s.mu.Unlock()
	return reference, nil
}

func (s *MemoryStore) RetrieveDoc(_ context.Context, room, docID string) (*Retrieved, error) {
	s.mu.Lock()
	stored := s.docs[ObjectPrefix(s.prefix, room, docID)]
	references := make([]string, 0, len(stored))
	blobs := make([][]byte, 0, len(stored))
	for _, ref := range stored {
		references = append(references, ref.id)
		blobs = append(blobs, ref.snapshot)
	}
	s.mu.Unlock()

	retrieved, err := mergeRetrieved(references, blobs)
	if err != nil {
		logError(s.logger, opRetrieveDoc, "merge", err, zap.String("room", room))
		return nil, newOperationError(opRetrieveDoc, "merge", err)
	}
	return retrieved, nil
}

func (s *MemoryStore) RetrieveStateVector(ctx context.Context, room, docID string) ([]byte, error) {
	retrieved, err := s.RetrieveDoc(ctx, room, docID)
	if err != nil {
		return nil, err
	}
	vector, err := stateVectorOf(retrieved)
	if err != nil {
		return nil, newOperationError(opRetrieveStateVector, "decode", err)
	}
	return vector, nil
}

func (s *MemoryStore) DeleteReferences(_ context.Context, room, docID string, references []string) error {
	if len(references) == 0 {
		return nil
	}
	doomed := make(map[string]struct{}, len(references))
	for _, reference := range references {
		doomed[reference] = struct{}{}
	}
	key := ObjectPrefix(s.prefix, room, docID)
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.docs[key][:0]
	for _, ref := range s.docs[key] {
		if _, drop := doomed[ref.id]; !drop {
			kept = append(kept, ref)
		}
	}
	if len(kept) == 0 {
		delete(s.docs, key)
		return nil
	}
	s.docs[key] = kept
	return nil
}

func (s *MemoryStore) Destroy(context.Context) error {
	s.mu.Lock()
	s.docs = make(map[string][]memoryReference)
	s.mu.Unlock()
	return nil
}
