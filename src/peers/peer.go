package peers

import (
	"math/big"

	"github.com/pelagos-network/pelagos/src/common"
	"github.com/pelagos-network/pelagos/src/crypto/keys"
)

// Peer is a participant in the sequencer network. Its stake determines its
// weight in quorum thresholds and leader election, and DAMember marks
// membership of the data-availability committee.
type Peer struct {
	NetAddr   string   `json:"NetAddr"`
	PubKeyHex string   `json:"PubKeyHex"`
	Moniker   string   `json:"Moniker,omitempty"`
	Stake     *big.Int `json:"Stake"`
	DAMember  bool     `json:"DAMember,omitempty"`

	id uint32
}

// NewPeer instantiates a Peer. A nil stake is treated as a stake of 1.
func NewPeer(pubKeyHex, netAddr, moniker string, stake *big.Int) *Peer {
	if stake == nil {
		stake = big.NewInt(1)
	}

	return &Peer{
		PubKeyHex: pubKeyHex,
		NetAddr:   netAddr,
		Moniker:   moniker,
		Stake:     stake,
	}
}

// PubKeyBytes returns the decoded public key.
func (p *Peer) PubKeyBytes() ([]byte, error) {
	return common.DecodeFromString(p.PubKeyHex)
}

// ID returns a short identifier derived from the public key. It is used in
// logs, not for authentication.
func (p *Peer) ID() uint32 {
	if p.id == 0 {
		pubKey, err := p.PubKeyBytes()
		if err != nil {
			return 0
		}
		p.id = keys.PublicKeyID(pubKey)
	}
	return p.id
}
