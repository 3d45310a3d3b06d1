package membership

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pelagos-network/pelagos/src/common"
)

const testEpochHeight = 10

// seedLeaves installs root leaves for epochs 2..upTo so catchup can fetch
// them locally.
func seedLeaves(m *StaticMembership, upTo Epoch) {
	for e := Epoch(2); e <= upTo; e++ {
		m.AddLeaf(&Leaf{
			Height:      RootBlockInEpoch(e, testEpochHeight),
			Epoch:       e,
			QCSignature: []byte(fmt.Sprintf("qc-%d", e)),
		})
	}
}

func newTestCoordinator(t *testing.T, seedUpTo Epoch) (*EpochMembershipCoordinator, *StaticMembership) {
	m := NewStaticMembership(testPeerSet(t, 4), testEpochHeight)
	m.SetFirstEpoch(1, DrbResult{})
	seedLeaves(m, seedUpTo)

	c := NewEpochMembershipCoordinator(m, testEpochHeight, newMapDrbStore(), common.NewTestEntry(t))
	return c, m
}

func TestMembershipForNoEpoch(t *testing.T) {
	c, _ := newTestCoordinator(t, 0)

	handle, err := c.MembershipForEpoch(NoEpoch)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if handle.Epoch() != NoEpoch {
		t.Fatalf("expected a pass-through handle")
	}
}

func TestMembershipForBootstrappedEpoch(t *testing.T) {
	c, _ := newTestCoordinator(t, 0)

	handle, err := c.MembershipForEpoch(2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	table, err := handle.StakeTable()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(table) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(table))
	}
}

func TestCatchupBackwardWalk(t *testing.T) {
	c, _ := newTestCoordinator(t, 5)

	// Epoch 6 is four epochs past the bootstrapped tables; catchup has to
	// walk back to epoch 2 and fill 3..6 forward.
	_, err := c.MembershipForEpoch(6)
	if !errors.Is(err, ErrCatchupStarting) {
		t.Fatalf("expected ErrCatchupStarting, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := c.WaitForCatchup(ctx, 6)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if handle.Epoch() != 6 {
		t.Fatalf("expected a handle for epoch 6, got %d", handle.Epoch())
	}

	// Every intermediate epoch is now available without catchup.
	for e := Epoch(3); e <= 6; e++ {
		if _, err := c.MembershipForEpoch(e); err != nil {
			t.Fatalf("epoch %d not available after catchup: %v", e, err)
		}
	}

	// Leader election for the caught-up epoch is functional.
	if _, err := handle.Leader(7); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestStakeTableForEpoch(t *testing.T) {
	c, _ := newTestCoordinator(t, 3)

	_, err := c.StakeTableForEpoch(4)
	if !errors.Is(err, ErrCatchupStarting) {
		t.Fatalf("expected ErrCatchupStarting, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.WaitForCatchup(ctx, 4); err != nil {
		t.Fatalf("err: %v", err)
	}

	handle, err := c.StakeTableForEpoch(4)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if _, err := handle.StakeTable(); err != nil {
		t.Fatalf("err: %v", err)
	}
}

// gatedMembership blocks root fetches until the gate opens, keeping a
// catchup in flight for as long as the test needs.
type gatedMembership struct {
	*StaticMembership
	gate      chan struct{}
	rootCalls int32
}

func (g *gatedMembership) GetEpochRoot(blockHeight uint64) (*Leaf, error) {
	atomic.AddInt32(&g.rootCalls, 1)
	<-g.gate
	return g.StaticMembership.GetEpochRoot(blockHeight)
}

func TestCatchupIdempotence(t *testing.T) {
	inner := NewStaticMembership(testPeerSet(t, 4), testEpochHeight)
	inner.SetFirstEpoch(1, DrbResult{})
	seedLeaves(inner, 2)

	gated := &gatedMembership{StaticMembership: inner, gate: make(chan struct{})}

	c := NewEpochMembershipCoordinator(gated, testEpochHeight, nil, common.NewTestEntry(t))

	_, err := c.MembershipForEpoch(3)
	if !errors.Is(err, ErrCatchupStarting) {
		t.Fatalf("expected ErrCatchupStarting, got %v", err)
	}

	// Give the catchup goroutine time to register and start fetching.
	time.Sleep(50 * time.Millisecond)

	_, err = c.MembershipForEpoch(3)
	if !errors.Is(err, ErrCatchupInProgress) {
		t.Fatalf("expected ErrCatchupInProgress, got %v", err)
	}

	close(gated.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.WaitForCatchup(ctx, 3); err != nil {
		t.Fatalf("err: %v", err)
	}

	if calls := atomic.LoadInt32(&gated.rootCalls); calls != 1 {
		t.Fatalf("expected exactly 1 root fetch, got %d", calls)
	}
}

func TestEntryPointsNonBlockingDuringFetch(t *testing.T) {
	inner := NewStaticMembership(testPeerSet(t, 4), testEpochHeight)
	inner.SetFirstEpoch(1, DrbResult{})
	seedLeaves(inner, 2)

	gated := &gatedMembership{StaticMembership: inner, gate: make(chan struct{})}

	c := NewEpochMembershipCoordinator(gated, testEpochHeight, nil, common.NewTestEntry(t))

	if _, err := c.MembershipForEpoch(3); !errors.Is(err, ErrCatchupStarting) {
		t.Fatalf("expected ErrCatchupStarting, got %v", err)
	}

	// Let the catchup goroutine get stuck in the root fetch.
	time.Sleep(50 * time.Millisecond)

	// Queue a writer behind the in-flight fetch.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.AddServedLeaf(&Leaf{Height: 99, Epoch: 9, QCSignature: []byte("qc")})
	}()

	time.Sleep(20 * time.Millisecond)

	// An already-installed epoch must come back immediately even with the
	// fetch in flight and the writer queued.
	start := time.Now()
	if _, err := c.MembershipForEpoch(2); err != nil {
		t.Fatalf("err: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("entry point blocked for %v during fetch", elapsed)
	}

	select {
	case <-writerDone:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("writer blocked behind the in-flight fetch")
	}

	close(gated.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.WaitForCatchup(ctx, 3); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestCatchupWalksPastRecentTable(t *testing.T) {
	c, m := newTestCoordinator(t, 4)

	// Install epoch 4's plain stake table directly, leaving epoch 3 with
	// nothing. A table one epoch below the target does not prove the
	// target's root dependency is available, so the walk must continue
	// past it and claim epoch 3.
	root, err := m.GetEpochRoot(RootBlockInEpoch(3, testEpochHeight))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	updater, err := m.AddEpochRoot(4, root)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if updater == nil {
		t.Fatal("expected an updater for a fresh epoch")
	}
	if err := updater(m); err != nil {
		t.Fatalf("err: %v", err)
	}

	if _, err := c.MembershipForEpoch(5); !errors.Is(err, ErrCatchupStarting) {
		t.Fatalf("expected ErrCatchupStarting, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.WaitForCatchup(ctx, 5); err != nil {
		t.Fatalf("err: %v", err)
	}

	// Epoch 3 was claimed and filled on the way, not skipped.
	if _, err := c.MembershipForEpoch(3); err != nil {
		t.Fatalf("epoch 3 skipped by the walk: %v", err)
	}
}

func TestCatchupFailurePropagation(t *testing.T) {
	// No leaves seeded: every root fetch fails, and the failure must take
	// down the whole claimed chain.
	c, _ := newTestCoordinator(t, 0)

	_, err := c.MembershipForEpoch(4)
	if !errors.Is(err, ErrCatchupStarting) {
		t.Fatalf("expected ErrCatchupStarting, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.WaitForCatchup(ctx, 4); err == nil {
		t.Fatal("catchup should have failed")
	}

	// The failed catchup cleaned up after itself, so a new attempt
	// registers fresh rather than reporting one in progress.
	_, err = c.MembershipForEpoch(4)
	if !errors.Is(err, ErrCatchupStarting) {
		t.Fatalf("expected ErrCatchupStarting after cleanup, got %v", err)
	}
}

func TestCatchupWithoutFirstEpoch(t *testing.T) {
	m := NewStaticMembership(testPeerSet(t, 4), testEpochHeight)
	c := NewEpochMembershipCoordinator(m, testEpochHeight, nil, common.NewTestEntry(t))

	if _, err := c.MembershipForEpoch(3); !errors.Is(err, ErrCatchupStarting) {
		t.Fatalf("expected ErrCatchupStarting, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.WaitForCatchup(ctx, 3)
	if !errors.Is(err, ErrFirstEpochNotSet) {
		t.Fatalf("expected ErrFirstEpochNotSet, got %v", err)
	}
}

// bareMembership claims a first epoch but holds no stake tables at all,
// which the backward walk must report as fatal misconfiguration.
type bareMembership struct {
	*StaticMembership
}

func (b *bareMembership) FirstEpoch() (Epoch, bool) { return 1, true }

func TestCatchupInitialStakeTableMissing(t *testing.T) {
	bare := &bareMembership{NewStaticMembership(testPeerSet(t, 4), testEpochHeight)}
	c := NewEpochMembershipCoordinator(bare, testEpochHeight, nil, common.NewTestEntry(t))

	if _, err := c.MembershipForEpoch(5); !errors.Is(err, ErrCatchupStarting) {
		t.Fatalf("expected ErrCatchupStarting, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.WaitForCatchup(ctx, 5)
	if !errors.Is(err, ErrInitialStakeTableMissing) {
		t.Fatalf("expected ErrInitialStakeTableMissing, got %v", err)
	}
}

func TestWaitForCatchupRaceSafeFallback(t *testing.T) {
	c, _ := newTestCoordinator(t, 0)

	// Epoch 2 is already satisfied; WaitForCatchup must hand it over even
	// though nothing is in flight.
	handle, err := c.WaitForCatchup(context.Background(), 2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if handle.Epoch() != 2 {
		t.Fatalf("expected epoch 2 handle")
	}

	// Nothing in flight and nothing installed: an error, not a hang.
	if _, err := c.WaitForCatchup(context.Background(), 9); err == nil {
		t.Fatal("expected an error for an epoch with no catchup in flight")
	}
}
