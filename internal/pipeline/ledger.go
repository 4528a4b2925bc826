package pipeline

import (
	"context"
	"fmt"
	"sync"
)

// DeliveryKey identifies one notification: a document on a matter.
type DeliveryKey struct {
	MatterID   int64
	DocumentID int64
}

func (k DeliveryKey) String() string {
	return fmt.Sprintf("%d/%d", k.MatterID, k.DocumentID)
}

// DeliveryLedger records which notifications have been sent. Claim reports
// false when the key was already claimed. Release gives a claim back after a
// failed send.
type DeliveryLedger interface {
	Claim(ctx context.Context, key DeliveryKey, runID string) (bool, error)
	Release(ctx context.Context, key DeliveryKey) error
}

// MemoryLedger is a process-local DeliveryLedger.
type MemoryLedger struct {
	mu     sync.Mutex
	claims map[DeliveryKey]string
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{claims: make(map[DeliveryKey]string)}
}

// Claim implements DeliveryLedger.
func (l *MemoryLedger) Claim(_ context.Context, key DeliveryKey, runID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.claims[key]; ok {
		return false, nil
	}
	l.claims[key] = runID
	return true, nil
}

// Release implements DeliveryLedger.
func (l *MemoryLedger) Release(_ context.Context, key DeliveryKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claims, key)
	return nil
}
