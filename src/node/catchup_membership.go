package node

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pelagos-network/pelagos/src/membership"
	"github.com/pelagos-network/pelagos/src/reqres"
)

// CatchupMembership extends a static membership with network fetching: when
// a root leaf or DRB result is missing locally, it is requested from peers
// through the request-response protocol. Requests for the same epoch issued
// concurrently share one network campaign by content-hash deduplication.
type CatchupMembership struct {
	*membership.StaticMembership

	protocol       *reqres.Protocol
	epochHeight    uint64
	requestTimeout time.Duration
	logger         *logrus.Entry
}

// NewCatchupMembership wraps a StaticMembership. The protocol is attached
// later with SetProtocol because the protocol's data source needs the node's
// coordinator, which in turn needs this membership.
func NewCatchupMembership(
	static *membership.StaticMembership,
	epochHeight uint64,
	requestTimeout time.Duration,
	logger *logrus.Entry,
) *CatchupMembership {
	return &CatchupMembership{
		StaticMembership: static,
		epochHeight:      epochHeight,
		requestTimeout:   requestTimeout,
		logger:           logger,
	}
}

// SetProtocol attaches the request-response protocol. Must be called before
// the coordinator starts any catchup.
func (c *CatchupMembership) SetProtocol(protocol *reqres.Protocol) {
	c.protocol = protocol
}

// GetEpochRoot implements the Membership interface. On a local miss the leaf
// is fetched from peers.
func (c *CatchupMembership) GetEpochRoot(blockHeight uint64) (*membership.Leaf, error) {
	if leaf, err := c.StaticMembership.GetEpochRoot(blockHeight); err == nil {
		return leaf, nil
	}

	resp, err := c.fetchEpoch(membership.EpochFromBlock(blockHeight, c.epochHeight) + 1)
	if err != nil {
		return nil, err
	}

	return resp.Leaf, nil
}

// GetEpochDrb implements the Membership interface. On a local miss the DRB
// result is fetched from peers; a peer that has the leaf but not the DRB is
// not an error here, the caller falls back to computing from the seed.
func (c *CatchupMembership) GetEpochDrb(blockHeight uint64) (membership.DrbResult, error) {
	if drb, err := c.StaticMembership.GetEpochDrb(blockHeight); err == nil {
		return drb, nil
	}

	epoch := membership.EpochFromBlock(blockHeight, c.epochHeight) + 1

	resp, err := c.fetchEpoch(epoch)
	if err != nil {
		return membership.DrbResult{}, err
	}
	if !resp.HasDrb {
		return membership.DrbResult{}, fmt.Errorf("peers have no drb result for epoch %d", epoch)
	}

	return resp.Drb, nil
}

// fetchEpoch runs one batched request campaign for the epoch's root data.
func (c *CatchupMembership) fetchEpoch(epoch membership.Epoch) (*EpochRootResponse, error) {
	if c.protocol == nil {
		return nil, fmt.Errorf("no protocol attached")
	}

	c.logger.WithField("epoch", epoch).Debug("Fetching epoch root from peers")

	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()

	req := &EpochRootRequest{Epoch: epoch, EpochHeight: c.epochHeight}

	resp, err := c.protocol.Request(ctx, req, c.requestTimeout, reqres.Batched)
	if err != nil {
		return nil, fmt.Errorf("fetching epoch %d from peers: %w", epoch, err)
	}

	rootResp, ok := resp.(*EpochRootResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T", resp)
	}

	return rootResp, nil
}
