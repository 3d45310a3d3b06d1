package membership

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrCatchupInProgress is returned when the requested epoch is not
	// available yet but a catchup for it is already running. Retry
	// shortly or use WaitForCatchup.
	ErrCatchupInProgress = errors.New("catchup already in progress")

	// ErrCatchupStarting is returned when the requested epoch is not
	// available and this call just started a background catchup for it.
	ErrCatchupStarting = errors.New("starting catchup")

	// ErrFirstEpochNotSet means the node was never bootstrapped with a
	// genesis epoch. This is fatal misconfiguration, not a transient
	// fault.
	ErrFirstEpochNotSet = errors.New("first epoch not set")

	// ErrInitialStakeTableMissing means the backward walk reached the
	// genesis epoch without finding any installed stake table. Fatal
	// misconfiguration.
	ErrInitialStakeTableMissing = errors.New("initial stake table missing")
)

// catchupWaiter is the shared completion promise for one epoch's catchup.
// Whoever runs the catchup resolves it exactly once; everyone else waits on
// the done channel.
type catchupWaiter struct {
	done       chan struct{}
	membership *EpochMembership
	err        error
}

func newCatchupWaiter() *catchupWaiter {
	return &catchupWaiter{done: make(chan struct{})}
}

// EpochMembershipCoordinator owns the canonical Membership behind a
// read/write lock and fills in missing epochs with background catchup tasks.
// The in-flight catchup map is guarded by its own mutex so that registering
// catchups never contends with stake-table reads. GetEpochRoot and
// GetEpochDrb calls during catchup may go to the network and are made
// outside the lock; membership implementations synchronize their own state.
type EpochMembershipCoordinator struct {
	lock       sync.RWMutex
	membership Membership

	catchupLock sync.Mutex
	catchupMap  map[Epoch]*catchupWaiter

	store       DrbStore
	epochHeight uint64
	logger      *logrus.Entry
}

// NewEpochMembershipCoordinator wraps a Membership. store may be nil, in
// which case DRB progress is not persisted.
func NewEpochMembershipCoordinator(
	m Membership,
	epochHeight uint64,
	store DrbStore,
	logger *logrus.Entry,
) *EpochMembershipCoordinator {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &EpochMembershipCoordinator{
		membership:  m,
		catchupMap:  make(map[Epoch]*catchupWaiter),
		store:       store,
		epochHeight: epochHeight,
		logger:      logger,
	}
}

// EpochHeight returns the number of blocks per epoch.
func (c *EpochMembershipCoordinator) EpochHeight() uint64 {
	return c.epochHeight
}

// MembershipForEpoch returns a handle guaranteed valid for leader election
// in the given epoch. It never blocks: if the epoch's randomized stake table
// is missing, it starts (or observes) a background catchup and returns
// ErrCatchupStarting or ErrCatchupInProgress. NoEpoch returns a pass-through
// handle with no epoch guarantee.
func (c *EpochMembershipCoordinator) MembershipForEpoch(epoch Epoch) (*EpochMembership, error) {
	if epoch == NoEpoch {
		return &EpochMembership{coordinator: c}, nil
	}

	c.lock.RLock()
	ready := c.membership.HasRandomizedStakeTable(epoch)
	c.lock.RUnlock()

	if ready {
		return &EpochMembership{coordinator: c, epoch: epoch}, nil
	}

	return nil, c.startOrObserveCatchup(epoch)
}

// StakeTableForEpoch is the same shape as MembershipForEpoch but only
// requires the epoch's plain stake table, not its randomized committee. Used
// by callers that need stake weights without leader election.
func (c *EpochMembershipCoordinator) StakeTableForEpoch(epoch Epoch) (*EpochMembership, error) {
	if epoch == NoEpoch {
		return &EpochMembership{coordinator: c}, nil
	}

	c.lock.RLock()
	ready := c.membership.HasStakeTable(epoch)
	c.lock.RUnlock()

	if ready {
		return &EpochMembership{coordinator: c, epoch: epoch}, nil
	}

	return nil, c.startOrObserveCatchup(epoch)
}

// startOrObserveCatchup registers a catchup for the epoch unless one is
// already in flight. Either way the caller gets an error telling it to come
// back later; this path never blocks.
func (c *EpochMembershipCoordinator) startOrObserveCatchup(epoch Epoch) error {
	c.catchupLock.Lock()
	defer c.catchupLock.Unlock()

	if _, ok := c.catchupMap[epoch]; ok {
		return fmt.Errorf("%w: epoch %d", ErrCatchupInProgress, epoch)
	}

	waiter := newCatchupWaiter()
	c.catchupMap[epoch] = waiter

	c.logger.WithField("epoch", epoch).Debug("Starting catchup")
	go c.catchup(epoch, waiter)

	return fmt.Errorf("%w: epoch %d", ErrCatchupStarting, epoch)
}

// WaitForCatchup blocks until the epoch's in-flight catchup completes and
// returns its outcome. If no catchup is in flight it re-checks whether the
// epoch is already satisfied before erroring, so callers racing against
// completion still get their handle.
func (c *EpochMembershipCoordinator) WaitForCatchup(ctx context.Context, epoch Epoch) (*EpochMembership, error) {
	c.catchupLock.Lock()
	waiter, ok := c.catchupMap[epoch]
	c.catchupLock.Unlock()

	if !ok {
		c.lock.RLock()
		ready := c.membership.HasRandomizedStakeTable(epoch)
		c.lock.RUnlock()

		if ready {
			return &EpochMembership{coordinator: c, epoch: epoch}, nil
		}
		return nil, fmt.Errorf("no catchup in flight for epoch %d", epoch)
	}

	select {
	case <-waiter.done:
		return waiter.membership, waiter.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// catchup drives one epoch's catchup to completion, failing every epoch it
// claimed along the way if anything breaks.
func (c *EpochMembershipCoordinator) catchup(epoch Epoch, waiter *catchupWaiter) {
	claimed := map[Epoch]*catchupWaiter{epoch: waiter}

	if err := c.runCatchup(epoch, claimed); err != nil {
		c.logger.WithField("epoch", epoch).WithError(err).Error("Catchup failed")
		c.catchupCleanup(claimed, err)
	}
}

// runCatchup walks backward from the target epoch claiming every epoch that
// lacks a stake table, then processes the claims oldest first so each
// epoch's root dependency is installed before it is needed.
func (c *EpochMembershipCoordinator) runCatchup(epoch Epoch, claimed map[Epoch]*catchupWaiter) error {
	c.lock.RLock()
	firstEpoch, ok := c.membership.FirstEpoch()
	c.lock.RUnlock()

	if !ok {
		return ErrFirstEpochNotSet
	}

	tryEpoch := epoch - 1
	for {
		if c.hasStakeTable(tryEpoch) {
			// Only a stake table at least two epochs below the target
			// proves the target's root dependency is available. Installed
			// tables closer to the target are walked past, not treated as
			// termination.
			if tryEpoch+2 <= epoch {
				break
			}
			tryEpoch--
			continue
		}

		if tryEpoch <= firstEpoch+1 {
			return fmt.Errorf("%w: walked back to epoch %d", ErrInitialStakeTableMissing, tryEpoch)
		}

		c.catchupLock.Lock()
		other, inFlight := c.catchupMap[tryEpoch]
		if !inFlight {
			w := newCatchupWaiter()
			c.catchupMap[tryEpoch] = w
			claimed[tryEpoch] = w
		}
		c.catchupLock.Unlock()

		if inFlight {
			// Someone else is already fetching this epoch; wait for
			// their outcome instead of duplicating the work.
			c.logger.WithField("epoch", tryEpoch).Debug("Waiting on concurrent catchup")
			<-other.done
			if other.err != nil {
				return fmt.Errorf("dependent catchup for epoch %d: %w", tryEpoch, other.err)
			}
			// Their success installed the stake table; re-check.
			continue
		}

		tryEpoch--
	}

	fetchEpochs := make([]Epoch, 0, len(claimed))
	for e := range claimed {
		fetchEpochs = append(fetchEpochs, e)
	}
	sort.Slice(fetchEpochs, func(i, j int) bool { return fetchEpochs[i] < fetchEpochs[j] })

	for _, f := range fetchEpochs {
		if err := c.catchupEpoch(f); err != nil {
			return fmt.Errorf("epoch %d: %w", f, err)
		}
		c.finishEpoch(f, claimed)
	}

	return nil
}

// catchupEpoch installs one epoch's stake table and DRB result. Its root
// dependency (the stake table two epochs prior) is guaranteed installed by
// the caller's processing order.
func (c *EpochMembershipCoordinator) catchupEpoch(epoch Epoch) error {
	c.lock.RLock()
	m := c.membership
	done := m.HasRandomizedStakeTable(epoch)
	c.lock.RUnlock()

	if done {
		return nil
	}

	// The root fetch may go to the network and last a full request
	// timeout. It runs outside the coordinator lock so the non-blocking
	// entry points stay non-blocking; membership implementations guard
	// their own state.
	rootHeight := RootBlockInEpoch(epoch-1, c.epochHeight)
	root, err := m.GetEpochRoot(rootHeight)
	if err != nil {
		return fmt.Errorf("fetching root leaf at height %d: %w", rootHeight, err)
	}

	updater, err := m.AddEpochRoot(epoch, root)
	if err != nil {
		return fmt.Errorf("adding epoch root: %w", err)
	}

	if updater != nil {
		c.lock.Lock()
		err = updater(c.membership)
		c.lock.Unlock()

		if err != nil {
			return fmt.Errorf("applying epoch root: %w", err)
		}
	}

	drb, err := c.drbForEpoch(m, epoch, root)
	if err != nil {
		return fmt.Errorf("obtaining drb result: %w", err)
	}

	if c.store != nil {
		if err := c.store.StoreDrbResult(epoch, drb); err != nil {
			c.logger.WithField("epoch", epoch).WithError(err).
				Warn("Failed to persist drb result")
		}
	}

	c.lock.Lock()
	c.membership.AddDrbResult(epoch, drb)
	c.lock.Unlock()

	c.logger.WithField("epoch", epoch).Debug("Epoch catchup complete")

	return nil
}

// drbForEpoch returns the epoch's DRB result: from the local store if
// already known, else from the transition block of the previous epoch, else
// computed from the root leaf's QC signature seed. The transition block
// lookup may go to the network, so it runs outside the coordinator lock.
func (c *EpochMembershipCoordinator) drbForEpoch(m Membership, epoch Epoch, root *Leaf) (DrbResult, error) {
	if c.store != nil {
		drb, ok, err := c.store.LoadDrbResult(epoch)
		if err == nil && ok {
			return drb, nil
		}
	}

	drb, err := m.GetEpochDrb(TransitionBlockForEpoch(epoch-1, c.epochHeight))
	if err == nil {
		return drb, nil
	}

	c.logger.WithField("epoch", epoch).WithError(err).
		Debug("No published drb result, computing from seed")

	input := DrbInput{Epoch: epoch, Value: DrbSeedFromQC(root.QCSignature)}
	return ComputeDrbResult(input, c.store)
}

// finishEpoch notifies the epoch's waiters of success and drops its claim.
func (c *EpochMembershipCoordinator) finishEpoch(epoch Epoch, claimed map[Epoch]*catchupWaiter) {
	c.catchupLock.Lock()
	waiter := claimed[epoch]
	delete(c.catchupMap, epoch)
	c.catchupLock.Unlock()

	delete(claimed, epoch)

	c.resolve(epoch, waiter, &EpochMembership{coordinator: c, epoch: epoch}, nil)
}

// catchupCleanup fails every not-yet-completed claimed epoch with the same
// error. A failure anywhere in the dependency chain fails the whole chain.
func (c *EpochMembershipCoordinator) catchupCleanup(claimed map[Epoch]*catchupWaiter, err error) {
	c.catchupLock.Lock()
	for epoch := range claimed {
		delete(c.catchupMap, epoch)
	}
	c.catchupLock.Unlock()

	for epoch, waiter := range claimed {
		c.resolve(epoch, waiter, nil, err)
	}
}

// resolve completes a waiter exactly once. Only the latest completion
// matters, so a duplicate is dropped with a warning rather than treated as
// an error.
func (c *EpochMembershipCoordinator) resolve(epoch Epoch, waiter *catchupWaiter, m *EpochMembership, err error) {
	if waiter == nil {
		return
	}

	select {
	case <-waiter.done:
		c.logger.WithField("epoch", epoch).Warn("Catchup completion already notified")
		return
	default:
	}

	waiter.membership = m
	waiter.err = err
	close(waiter.done)
}

// hasStakeTable checks stake-table presence under the read lock.
func (c *EpochMembershipCoordinator) hasStakeTable(epoch Epoch) bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.membership.HasStakeTable(epoch)
}

// SetFirstEpoch bootstraps the genesis epoch under the write lock.
func (c *EpochMembershipCoordinator) SetFirstEpoch(epoch Epoch, initialDrb DrbResult) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.membership.SetFirstEpoch(epoch, initialDrb)
}

// AddServedLeaf records a decided leaf under the write lock so it can be
// served to catching-up peers. The underlying membership must support leaf
// storage.
func (c *EpochMembershipCoordinator) AddServedLeaf(leaf *Leaf) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	adder, ok := c.membership.(interface{ AddLeaf(*Leaf) })
	if !ok {
		return fmt.Errorf("membership %T cannot store leaves", c.membership)
	}
	adder.AddLeaf(leaf)
	return nil
}

// EpochMembership is a lightweight handle pairing the coordinator with one
// epoch. All reads delegate to the underlying Membership under the read
// lock; none of them trigger catchup.
type EpochMembership struct {
	coordinator *EpochMembershipCoordinator
	epoch       Epoch
}

// Epoch returns the handle's epoch, NoEpoch if it carries no guarantee.
func (m *EpochMembership) Epoch() Epoch {
	return m.epoch
}

// StakeTable returns the epoch's stake table.
func (m *EpochMembership) StakeTable() (StakeTable, error) {
	m.coordinator.lock.RLock()
	defer m.coordinator.lock.RUnlock()
	return m.coordinator.membership.StakeTable(m.epoch)
}

// DAStakeTable returns the epoch's data-availability committee.
func (m *EpochMembership) DAStakeTable() (StakeTable, error) {
	m.coordinator.lock.RLock()
	defer m.coordinator.lock.RUnlock()
	return m.coordinator.membership.DAStakeTable(m.epoch)
}

// Stake returns one validator's stake in the epoch.
func (m *EpochMembership) Stake(pubKeyHex string) (*big.Int, error) {
	m.coordinator.lock.RLock()
	defer m.coordinator.lock.RUnlock()
	return m.coordinator.membership.Stake(m.epoch, pubKeyHex)
}

// HasStake reports whether the validator has non-zero stake in the epoch.
func (m *EpochMembership) HasStake(pubKeyHex string) bool {
	m.coordinator.lock.RLock()
	defer m.coordinator.lock.RUnlock()
	return m.coordinator.membership.HasStake(m.epoch, pubKeyHex)
}

// TotalNodes returns the number of validators in the epoch.
func (m *EpochMembership) TotalNodes() int {
	m.coordinator.lock.RLock()
	defer m.coordinator.lock.RUnlock()
	return m.coordinator.membership.TotalNodes(m.epoch)
}

// Leader returns the view's leader in the epoch.
func (m *EpochMembership) Leader(view uint64) (string, error) {
	m.coordinator.lock.RLock()
	defer m.coordinator.lock.RUnlock()
	return m.coordinator.membership.LookupLeader(m.epoch, view)
}

// SuccessThreshold is the stake needed for a quorum certificate.
func (m *EpochMembership) SuccessThreshold() *big.Int {
	m.coordinator.lock.RLock()
	defer m.coordinator.lock.RUnlock()
	return m.coordinator.membership.SuccessThreshold(m.epoch)
}

// FailureThreshold is the stake that can prove a view failed.
func (m *EpochMembership) FailureThreshold() *big.Int {
	m.coordinator.lock.RLock()
	defer m.coordinator.lock.RUnlock()
	return m.coordinator.membership.FailureThreshold(m.epoch)
}

// UpgradeThreshold is the stake needed to commit an upgrade.
func (m *EpochMembership) UpgradeThreshold() *big.Int {
	m.coordinator.lock.RLock()
	defer m.coordinator.lock.RUnlock()
	return m.coordinator.membership.UpgradeThreshold(m.epoch)
}

// AddDrbResult installs a DRB result for the handle's epoch under the write
// lock.
func (m *EpochMembership) AddDrbResult(drb DrbResult) {
	m.coordinator.lock.Lock()
	defer m.coordinator.lock.Unlock()
	m.coordinator.membership.AddDrbResult(m.epoch, drb)
}

// NextEpoch requests a handle for the following epoch, potentially
// triggering catchup for it.
func (m *EpochMembership) NextEpoch() (*EpochMembership, error) {
	return m.coordinator.MembershipForEpoch(m.epoch + 1)
}

// NextEpochStakeTable requests a stake-table handle for the following epoch.
func (m *EpochMembership) NextEpochStakeTable() (*EpochMembership, error) {
	return m.coordinator.StakeTableForEpoch(m.epoch + 1)
}
