package membership

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/pelagos-network/pelagos/src/peers"
)

// StaticMembership implements Membership over a fixed validator set: every
// epoch's stake table is the configured peer set. Epoch roots and DRB
// results still arrive epoch by epoch, through the coordinator's catchup, so
// the availability bookkeeping behaves exactly like a dynamic membership.
//
// StaticMembership carries its own lock: the coordinator deliberately calls
// GetEpochRoot and GetEpochDrb outside its lock, since those may go to the
// network, so the local state must be safe on its own.
type StaticMembership struct {
	lock sync.RWMutex

	peerSet     *peers.PeerSet
	epochHeight uint64

	stakeTables map[Epoch]StakeTable
	drbResults  map[Epoch]DrbResult
	committees  map[Epoch]*RandomizedCommittee
	leaves      map[uint64]*Leaf

	firstEpoch Epoch
}

// NewStaticMembership creates a StaticMembership over the given peer set.
func NewStaticMembership(peerSet *peers.PeerSet, epochHeight uint64) *StaticMembership {
	return &StaticMembership{
		peerSet:     peerSet,
		epochHeight: epochHeight,
		stakeTables: make(map[Epoch]StakeTable),
		drbResults:  make(map[Epoch]DrbResult),
		committees:  make(map[Epoch]*RandomizedCommittee),
		leaves:      make(map[uint64]*Leaf),
	}
}

// baseStakeTable derives a stake table from the peer set.
func (s *StaticMembership) baseStakeTable() StakeTable {
	table := make(StakeTable, 0, s.peerSet.Len())
	for _, peer := range s.peerSet.Peers {
		table = append(table, StakeTableEntry{
			PubKeyHex: peer.PubKeyHex,
			Stake:     new(big.Int).Set(peer.Stake),
			DAMember:  peer.DAMember,
		})
	}
	return table
}

// stakeTable looks up an epoch's table. Callers hold the lock.
func (s *StaticMembership) stakeTable(epoch Epoch) (StakeTable, error) {
	table, ok := s.stakeTables[epoch]
	if !ok {
		return nil, fmt.Errorf("no stake table for epoch %d", epoch)
	}
	return table, nil
}

// StakeTable implements the Membership interface.
func (s *StaticMembership) StakeTable(epoch Epoch) (StakeTable, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.stakeTable(epoch)
}

// DAStakeTable implements the Membership interface.
func (s *StaticMembership) DAStakeTable(epoch Epoch) (StakeTable, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	table, err := s.stakeTable(epoch)
	if err != nil {
		return nil, err
	}

	da := StakeTable{}
	for _, entry := range table {
		if entry.DAMember {
			da = append(da, entry)
		}
	}
	return da, nil
}

// Stake implements the Membership interface.
func (s *StaticMembership) Stake(epoch Epoch, pubKeyHex string) (*big.Int, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.stake(epoch, pubKeyHex)
}

func (s *StaticMembership) stake(epoch Epoch, pubKeyHex string) (*big.Int, error) {
	table, err := s.stakeTable(epoch)
	if err != nil {
		return nil, err
	}

	for _, entry := range table {
		if entry.PubKeyHex == pubKeyHex {
			return entry.Stake, nil
		}
	}
	return nil, fmt.Errorf("%s has no stake in epoch %d", pubKeyHex, epoch)
}

// HasStake implements the Membership interface.
func (s *StaticMembership) HasStake(epoch Epoch, pubKeyHex string) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	stake, err := s.stake(epoch, pubKeyHex)
	return err == nil && stake.Sign() > 0
}

// TotalNodes implements the Membership interface.
func (s *StaticMembership) TotalNodes(epoch Epoch) int {
	s.lock.RLock()
	defer s.lock.RUnlock()

	table, err := s.stakeTable(epoch)
	if err != nil {
		return 0
	}
	return len(table)
}

// SuccessThreshold is 2/3 of total stake plus one.
func (s *StaticMembership) SuccessThreshold(epoch Epoch) *big.Int {
	total := s.totalStake(epoch)
	t := new(big.Int).Mul(total, big.NewInt(2))
	t.Div(t, big.NewInt(3))
	return t.Add(t, big.NewInt(1))
}

// FailureThreshold is 1/3 of total stake plus one.
func (s *StaticMembership) FailureThreshold(epoch Epoch) *big.Int {
	total := s.totalStake(epoch)
	t := new(big.Int).Div(total, big.NewInt(3))
	return t.Add(t, big.NewInt(1))
}

// UpgradeThreshold is 2/3 of total stake plus 1/9 of total stake.
func (s *StaticMembership) UpgradeThreshold(epoch Epoch) *big.Int {
	total := s.totalStake(epoch)
	t := new(big.Int).Mul(total, big.NewInt(2))
	t.Div(t, big.NewInt(3))
	ninth := new(big.Int).Div(total, big.NewInt(9))
	return t.Add(t, ninth)
}

func (s *StaticMembership) totalStake(epoch Epoch) *big.Int {
	s.lock.RLock()
	defer s.lock.RUnlock()

	table, err := s.stakeTable(epoch)
	if err != nil {
		return new(big.Int)
	}
	return table.TotalStake()
}

// LookupLeader implements the Membership interface. With a DRB result
// installed the leader is the stake-weighted randomized choice; before that
// it falls back to round-robin over the stake table.
func (s *StaticMembership) LookupLeader(epoch Epoch, view uint64) (string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if committee, ok := s.committees[epoch]; ok {
		return committee.SelectRandomizedLeader(view)
	}

	table, err := s.stakeTable(epoch)
	if err != nil {
		return "", err
	}
	if len(table) == 0 {
		return "", fmt.Errorf("empty stake table for epoch %d", epoch)
	}

	return table[view%uint64(len(table))].PubKeyHex, nil
}

// HasStakeTable implements the Membership interface.
func (s *StaticMembership) HasStakeTable(epoch Epoch) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	_, ok := s.stakeTables[epoch]
	return ok
}

// HasRandomizedStakeTable implements the Membership interface.
func (s *StaticMembership) HasRandomizedStakeTable(epoch Epoch) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	_, ok := s.committees[epoch]
	return ok
}

// AddEpochRoot implements the Membership interface. The returned updater
// installs the epoch's stake table and records the root leaf.
func (s *StaticMembership) AddEpochRoot(epoch Epoch, root *Leaf) (Updater, error) {
	if root == nil {
		return nil, fmt.Errorf("nil root leaf for epoch %d", epoch)
	}

	if s.HasStakeTable(epoch) {
		return nil, nil
	}

	return func(Membership) error {
		s.lock.Lock()
		defer s.lock.Unlock()

		s.stakeTables[epoch] = s.baseStakeTable()
		s.leaves[root.Height] = root
		return nil
	}, nil
}

// AddDrbResult implements the Membership interface.
func (s *StaticMembership) AddDrbResult(epoch Epoch, drb DrbResult) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.addDrbResult(epoch, drb)
}

func (s *StaticMembership) addDrbResult(epoch Epoch, drb DrbResult) {
	s.drbResults[epoch] = drb

	table, ok := s.stakeTables[epoch]
	if !ok {
		table = s.baseStakeTable()
		s.stakeTables[epoch] = table
	}
	s.committees[epoch] = GenerateStakeCDF(table, drb)
}

// SetFirstEpoch implements the Membership interface. The genesis epoch and
// its successor get the initial stake table and DRB result, which is what
// later catchups walk back to.
func (s *StaticMembership) SetFirstEpoch(epoch Epoch, initialDrb DrbResult) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.firstEpoch = epoch
	for e := epoch; e <= epoch+1; e++ {
		s.stakeTables[e] = s.baseStakeTable()
		s.addDrbResult(e, initialDrb)
	}
}

// FirstEpoch implements the Membership interface.
func (s *StaticMembership) FirstEpoch() (Epoch, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if s.firstEpoch == NoEpoch {
		return NoEpoch, false
	}
	return s.firstEpoch, true
}

// AddLeaf records a leaf so it can be served by GetEpochRoot. Used by nodes
// that answer other peers' catchup requests.
func (s *StaticMembership) AddLeaf(leaf *Leaf) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.leaves[leaf.Height] = leaf
}

// GetEpochRoot implements the Membership interface.
func (s *StaticMembership) GetEpochRoot(blockHeight uint64) (*Leaf, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	leaf, ok := s.leaves[blockHeight]
	if !ok {
		return nil, fmt.Errorf("no leaf at height %d", blockHeight)
	}
	return leaf, nil
}

// GetEpochDrb implements the Membership interface. The block at the given
// height carries the DRB result for the epoch after its own.
func (s *StaticMembership) GetEpochDrb(blockHeight uint64) (DrbResult, error) {
	epoch := EpochFromBlock(blockHeight, s.epochHeight)
	if epoch == NoEpoch {
		return DrbResult{}, fmt.Errorf("no epoch for height %d", blockHeight)
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	drb, ok := s.drbResults[epoch+1]
	if !ok {
		return DrbResult{}, fmt.Errorf("no drb result carried at height %d", blockHeight)
	}
	return drb, nil
}
