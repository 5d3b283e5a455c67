package evidence

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrEvidenceExpired      = errors.New("evidence is older than the retention window")
	ErrEvidenceAlreadyKnown = errors.New("evidence for this validator and height already exists")
	ErrEvidenceFromFuture   = errors.New("evidence is from a future height")
	// ErrEvidenceStore wraps database write failures. The pool state may be
	// ahead of the database afterwards.
	ErrEvidenceStore = errors.New("evidence store write failed")
)

// ErrInvalidEvidence wraps a verification failure of one evidence.
type ErrInvalidEvidence struct {
	Hash   []byte
	Reason error
}

func (e *ErrInvalidEvidence) Error() string {
	return fmt.Sprintf("invalid evidence %X: %v", e.Hash, e.Reason)
}

func (e *ErrInvalidEvidence) Unwrap() error {
	return e.Reason
}
