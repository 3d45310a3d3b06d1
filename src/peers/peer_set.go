package peers

import (
	"math/big"
	"sort"
)

// PeerSet is a set of Peers forming a sequencer network.
type PeerSet struct {
	Peers    []*Peer          `json:"peers"`
	ByPubKey map[string]*Peer `json:"-"`
}

// NewPeerSet creates a new PeerSet from a list of Peers. The list is sorted
// by public key for a deterministic iteration order.
func NewPeerSet(peers []*Peer) *PeerSet {
	peerSet := &PeerSet{
		ByPubKey: make(map[string]*Peer),
	}

	sorted := make([]*Peer, len(peers))
	copy(sorted, peers)
	sort.Sort(byPubHex(sorted))

	for _, peer := range sorted {
		peerSet.ByPubKey[peer.PubKeyHex] = peer
	}

	peerSet.Peers = sorted

	return peerSet
}

// WithNewPeer returns a new PeerSet containing the additional peer.
func (p *PeerSet) WithNewPeer(peer *Peer) *PeerSet {
	peers := append([]*Peer{peer}, p.Peers...)
	return NewPeerSet(peers)
}

// WithRemovedPeer returns a new PeerSet without the peer identified by
// pubKeyHex.
func (p *PeerSet) WithRemovedPeer(pubKeyHex string) *PeerSet {
	peers := []*Peer{}
	for _, peer := range p.Peers {
		if peer.PubKeyHex != pubKeyHex {
			peers = append(peers, peer)
		}
	}
	return NewPeerSet(peers)
}

// PubKeys returns the sorted list of public keys in the set.
func (p *PeerSet) PubKeys() []string {
	res := []string{}
	for _, peer := range p.Peers {
		res = append(res, peer.PubKeyHex)
	}
	return res
}

// TotalStake returns the sum of all peers' stake.
func (p *PeerSet) TotalStake() *big.Int {
	total := new(big.Int)
	for _, peer := range p.Peers {
		total.Add(total, peer.Stake)
	}
	return total
}

// Len returns the number of peers in the set.
func (p *PeerSet) Len() int {
	return len(p.Peers)
}

// byPubHex implements sort.Interface for []*Peer based on the PubKeyHex
// field.
type byPubHex []*Peer

func (a byPubHex) Len() int      { return len(a) }
func (a byPubHex) Swap(i, j int) { a[i], a[j] = a[j], a[i] }
func (a byPubHex) Less(i, j int) bool {
	return a[i].PubKeyHex < a[j].PubKeyHex
}
