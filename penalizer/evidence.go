package penalizer

import (
	"context"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v2"
)

// EvidenceStore is the set of evidence fingerprints that were already
// adjudicated
type EvidenceStore interface {
	IsConsumed(ctx context.Context, fingerprint ethcommon.Hash) (bool, error)
	// Consume adds fingerprint to the set. It returns false if the
	// fingerprint was already present.
	Consume(ctx context.Context, fingerprint ethcommon.Hash) (bool, error)
	// Release removes fingerprint after a slash that could not be applied
	Release(ctx context.Context, fingerprint ethcommon.Hash) error
}

type MemoryEvidenceStore struct {
	consumed *xsync.MapOf[string, struct{}]
}

func NewMemoryEvidenceStore() *MemoryEvidenceStore {
	return &MemoryEvidenceStore{consumed: xsync.NewMapOf[struct{}]()}
}

func (s *MemoryEvidenceStore) IsConsumed(_ context.Context, fingerprint ethcommon.Hash) (bool, error) {
	_, ok := s.consumed.Load(fingerprint.Hex())
	return ok, nil
}

func (s *MemoryEvidenceStore) Consume(_ context.Context, fingerprint ethcommon.Hash) (bool, error) {
	_, loaded := s.consumed.LoadOrStore(fingerprint.Hex(), struct{}{})
	return !loaded, nil
}

func (s *MemoryEvidenceStore) Release(_ context.Context, fingerprint ethcommon.Hash) error {
	s.consumed.Delete(fingerprint.Hex())
	return nil
}

func (s *MemoryEvidenceStore) Len() int {
	return s.consumed.Size()
}
