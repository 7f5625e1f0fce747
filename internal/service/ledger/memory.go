package ledger

import (
	"context"
	"sync"
)

// MemoryBackend keeps ledger records in process memory.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]Record
	messages map[string]map[string]Record
	order    map[string][]string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]Record),
		messages: make(map[string]map[string]Record),
		order:    make(map[string][]string),
	}
}

func (b *MemoryBackend) PutSession(_ context.Context, sessionID string, rec Record) (Record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.sessions[sessionID]; ok {
		return existing, false, nil
	}
	b.sessions[sessionID] = rec
	return rec, true, nil
}

func (b *MemoryBackend) GetSession(_ context.Context, sessionID string) (Record, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.sessions[sessionID]
	return rec, ok, nil
}

func (b *MemoryBackend) PutMessage(_ context.Context, sessionID, messageID string, rec Record) (Record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byID, ok := b.messages[sessionID]
	if !ok {
		byID = make(map[string]Record)
		b.messages[sessionID] = byID
	}
	if existing, ok := byID[messageID]; ok {
		return existing, false, nil
	}
	rec.Sequence = uint64(len(b.order[sessionID]))
	byID[messageID] = rec
	b.order[sessionID] = append(b.order[sessionID], messageID)
	return rec, true, nil
}

func (b *MemoryBackend) GetMessage(_ context.Context, sessionID, messageID string) (Record, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.messages[sessionID][messageID]
	return rec, ok, nil
}

func (b *MemoryBackend) CountMessages(_ context.Context, sessionID string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order[sessionID]), nil
}

func (b *MemoryBackend) MessageIDAt(_ context.Context, sessionID string, index int) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := b.order[sessionID]
	if index < 0 || index >= len(ids) {
		return "", false, nil
	}
	return ids[index], true, nil
}

func (b *MemoryBackend) Close() error { return nil }
