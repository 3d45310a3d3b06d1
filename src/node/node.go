package node

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pelagos-network/pelagos/src/config"
	"github.com/pelagos-network/pelagos/src/crypto/keys"
	"github.com/pelagos-network/pelagos/src/membership"
	"github.com/pelagos-network/pelagos/src/net"
	"github.com/pelagos-network/pelagos/src/peers"
	"github.com/pelagos-network/pelagos/src/reqres"
	"github.com/pelagos-network/pelagos/src/store"
)

// Node assembles a sequencer's membership machinery: the peer set, the
// request-response protocol over a transport, the DRB store, and the epoch
// membership coordinator on top of them.
type Node struct {
	conf   *config.Config
	logger *logrus.Entry

	key       *ecdsa.PrivateKey
	pubKeyHex string

	peerSet *peers.PeerSet
	trans   net.Transport

	protocol    *reqres.Protocol
	catchup     *CatchupMembership
	coordinator *membership.EpochMembershipCoordinator
	store       store.Store

	coordinatorLock sync.RWMutex

	shutdownCh chan struct{}
	shutdown   bool
	lock       sync.Mutex
}

// NewNode creates a Node. Call Init to wire and start it.
func NewNode(
	conf *config.Config,
	key *ecdsa.PrivateKey,
	peerSet *peers.PeerSet,
	trans net.Transport,
	st store.Store,
	logger *logrus.Entry,
) *Node {
	return &Node{
		conf:       conf,
		logger:     logger,
		key:        key,
		pubKeyHex:  keys.PublicKeyHex(&key.PublicKey),
		peerSet:    peerSet,
		trans:      trans,
		store:      st,
		shutdownCh: make(chan struct{}),
	}
}

// Init wires the membership stack, bootstraps the first epoch, and starts
// listening.
func (n *Node) Init() error {
	if n.peerSet.Len() == 0 {
		return fmt.Errorf("empty peer set")
	}

	n.logger.WithFields(logrus.Fields{
		"peers":        n.peerSet.Len(),
		"epoch_height": n.conf.EpochHeight,
		"first_epoch":  n.conf.FirstEpoch,
	}).Debug("Init node")

	static := membership.NewStaticMembership(n.peerSet, n.conf.EpochHeight)

	n.catchup = NewCatchupMembership(static, n.conf.EpochHeight, n.conf.RequestTimeout, n.logger)

	recipientSource := &peerRecipientSource{peerSet: n.peerSet, selfPubKey: n.pubKeyHex}
	dataSource := &membershipDataSource{node: n}

	n.protocol = reqres.NewProtocol(
		reqres.DefaultConfig(),
		n.key,
		n.trans,
		n.trans,
		recipientSource,
		dataSource,
		DecodeEpochRootRequest,
		DecodeEpochRootResponse,
		n.logger,
	)

	n.catchup.SetProtocol(n.protocol)

	coordinator := membership.NewEpochMembershipCoordinator(
		n.catchup, n.conf.EpochHeight, n.store, n.logger)
	coordinator.SetFirstEpoch(membership.Epoch(n.conf.FirstEpoch), membership.DrbResult{})

	n.coordinatorLock.Lock()
	n.coordinator = coordinator
	n.coordinatorLock.Unlock()

	n.trans.Listen()

	return nil
}

// Coordinator returns the epoch membership coordinator, nil before Init.
func (n *Node) Coordinator() *membership.EpochMembershipCoordinator {
	n.coordinatorLock.RLock()
	defer n.coordinatorLock.RUnlock()
	return n.coordinator
}

// PubKeyHex returns the node's public key in hex form.
func (n *Node) PubKeyHex() string {
	return n.pubKeyHex
}

// Shutdown stops the protocol, the transport, and the store. Safe to call
// more than once.
func (n *Node) Shutdown() {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.shutdown {
		return
	}
	n.shutdown = true
	close(n.shutdownCh)

	n.logger.Debug("Shutdown node")

	if n.protocol != nil {
		n.protocol.Close()
	}
	if err := n.trans.Close(); err != nil {
		n.logger.WithError(err).Debug("Failed to close transport")
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.WithError(err).Debug("Failed to close store")
		}
	}
}
