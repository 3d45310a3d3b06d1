package membership

import (
	"math/big"
)

// StakeTableEntry is one weighted validator in an epoch's stake table.
type StakeTableEntry struct {
	PubKeyHex string
	Stake     *big.Int
	DAMember  bool
}

// StakeTable is the weighted validator set of one epoch.
type StakeTable []StakeTableEntry

// TotalStake returns the sum of all entries' stake.
func (t StakeTable) TotalStake() *big.Int {
	total := new(big.Int)
	for _, entry := range t {
		total.Add(total, entry.Stake)
	}
	return total
}

// Leaf is the epoch root: the block from which the next epoch's stake table
// is derived. The QC signature bytes double as the DRB seed when no
// precomputed DRB result is available.
type Leaf struct {
	Height      uint64
	Epoch       Epoch
	BlockHash   []byte
	QCSignature []byte
}

// Updater is a mutation produced by AddEpochRoot. The coordinator applies it
// under its write lock, keeping derivation work off the lock.
type Updater func(m Membership) error

// Membership is the canonical per-epoch stake view. Implementations are not
// required to be safe for concurrent use; the EpochMembershipCoordinator
// serializes all access through its read/write lock.
type Membership interface {
	// StakeTable returns the epoch's weighted validator set.
	StakeTable(epoch Epoch) (StakeTable, error)

	// DAStakeTable returns the epoch's data-availability committee.
	DAStakeTable(epoch Epoch) (StakeTable, error)

	// Stake returns the stake of one validator in the epoch.
	Stake(epoch Epoch, pubKeyHex string) (*big.Int, error)

	// HasStake reports whether the validator has non-zero stake in the
	// epoch.
	HasStake(epoch Epoch, pubKeyHex string) bool

	// TotalNodes returns the number of validators in the epoch.
	TotalNodes(epoch Epoch) int

	// SuccessThreshold is the stake needed for a quorum certificate.
	SuccessThreshold(epoch Epoch) *big.Int

	// FailureThreshold is the stake that can prove a view failed.
	FailureThreshold(epoch Epoch) *big.Int

	// UpgradeThreshold is the stake needed to commit an upgrade.
	UpgradeThreshold(epoch Epoch) *big.Int

	// LookupLeader returns the view's leader. Once the epoch's DRB result
	// is installed the answer is deterministic and randomized; before
	// that, implementations may fall back to round-robin.
	LookupLeader(epoch Epoch, view uint64) (string, error)

	// HasStakeTable reports whether the epoch's stake table is installed.
	HasStakeTable(epoch Epoch) bool

	// HasRandomizedStakeTable reports whether the epoch's DRB-seeded
	// randomized committee is installed.
	HasRandomizedStakeTable(epoch Epoch) bool

	// AddEpochRoot derives the epoch's stake table from its root leaf.
	// It returns a nil Updater when there is nothing to apply.
	AddEpochRoot(epoch Epoch, root *Leaf) (Updater, error)

	// AddDrbResult installs the epoch's DRB result, fixing leader
	// election for that epoch.
	AddDrbResult(epoch Epoch, drb DrbResult)

	// SetFirstEpoch marks the genesis epoch and installs its initial
	// stake tables and DRB result.
	SetFirstEpoch(epoch Epoch, initialDrb DrbResult)

	// FirstEpoch returns the genesis epoch, and false if it was never
	// set.
	FirstEpoch() (Epoch, bool)

	// GetEpochRoot returns the leaf at the given block height.
	GetEpochRoot(blockHeight uint64) (*Leaf, error)

	// GetEpochDrb returns the DRB result carried by the block at the
	// given height, which seeds the epoch after the block's own.
	GetEpochDrb(blockHeight uint64) (DrbResult, error)
}
