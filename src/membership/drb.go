package membership

import (
	"encoding/binary"

	pcrypto "github.com/pelagos-network/pelagos/src/crypto"
)

const (
	// DifficultyLevel is the number of hash iterations a DRB computation
	// performs.
	DifficultyLevel = 10

	// CheckpointInterval is how many iterations pass between persisted
	// progress checkpoints.
	CheckpointInterval = 3
)

// DrbResult is the distributed-random-beacon output for an epoch. It seeds
// that epoch's randomized leader election.
type DrbResult [32]byte

// DrbInput is the resumable state of an iterative DRB computation.
type DrbInput struct {
	Epoch     Epoch
	Iteration uint64
	Value     [32]byte
}

// DrbStore persists DRB progress and results so that a restarted node does
// not recompute from scratch.
type DrbStore interface {
	StoreDrbProgress(epoch Epoch, input DrbInput) error
	LoadDrbProgress(epoch Epoch) (DrbInput, bool, error)
	StoreDrbResult(epoch Epoch, result DrbResult) error
	LoadDrbResult(epoch Epoch) (DrbResult, bool, error)
}

// DrbSeedFromQC derives the initial DRB value from the QC signature bytes of
// an epoch root leaf.
func DrbSeedFromQC(qcSignature []byte) [32]byte {
	var seed [32]byte
	copy(seed[:], pcrypto.SHA256(qcSignature))
	return seed
}

// ComputeDrbResult runs the iterative DRB computation to completion. If the
// store holds progress further along than the given input, the computation
// resumes from there. Progress is persisted every CheckpointInterval
// iterations; store errors on checkpointing are returned because losing
// checkpoints silently would defeat resumability.
func ComputeDrbResult(input DrbInput, store DrbStore) (DrbResult, error) {
	if store != nil {
		stored, ok, err := store.LoadDrbProgress(input.Epoch)
		if err != nil {
			return DrbResult{}, err
		}
		if ok && stored.Iteration > input.Iteration {
			input = stored
		}
	}

	for input.Iteration < DifficultyLevel {
		next := pcrypto.SHA256(append(input.Value[:], epochBytes(input.Epoch)...))
		copy(input.Value[:], next)
		input.Iteration++

		if store != nil && input.Iteration%CheckpointInterval == 0 && input.Iteration < DifficultyLevel {
			if err := store.StoreDrbProgress(input.Epoch, input); err != nil {
				return DrbResult{}, err
			}
		}
	}

	return DrbResult(input.Value), nil
}

func epochBytes(epoch Epoch) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(epoch))
	return b
}
