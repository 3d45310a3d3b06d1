package membership

// Epoch identifies one epoch of the sequencer. Epochs are numbered from 1;
// the zero value means "no epoch" and is used by pre-epoch call sites.
type Epoch uint64

// NoEpoch is the zero Epoch, carried by handles with no epoch guarantee.
const NoEpoch Epoch = 0

// EpochFromBlock returns the epoch that the block at the given height
// belongs to. Epoch e spans blocks ((e-1)*epochHeight, e*epochHeight].
func EpochFromBlock(blockHeight uint64, epochHeight uint64) Epoch {
	if blockHeight == 0 || epochHeight == 0 {
		return NoEpoch
	}
	return Epoch((blockHeight-1)/epochHeight + 1)
}

// RootBlockInEpoch returns the third-from-last block of the epoch. The leaf
// at this height is the epoch root used to derive the following stake table.
func RootBlockInEpoch(epoch Epoch, epochHeight uint64) uint64 {
	if epoch == NoEpoch || epochHeight < 3 {
		return 0
	}
	return uint64(epoch)*epochHeight - 2
}

// TransitionBlockForEpoch returns the last block of the epoch. The DRB
// result seeding the next epoch is carried by this block.
func TransitionBlockForEpoch(epoch Epoch, epochHeight uint64) uint64 {
	if epoch == NoEpoch {
		return 0
	}
	return uint64(epoch) * epochHeight
}
