package node

import (
	"fmt"

	"github.com/pelagos-network/pelagos/src/peers"
	"github.com/pelagos-network/pelagos/src/reqres"
)

// membershipDataSource answers other peers' epoch catchup requests out of
// locally stored epoch data.
type membershipDataSource struct {
	node *Node
}

// DeriveResponse implements the reqres.DataSource interface. Returning an
// error means this node has no answer and no response is sent.
func (d *membershipDataSource) DeriveResponse(req reqres.Request) (reqres.Response, error) {
	rootReq, ok := req.(*EpochRootRequest)
	if !ok {
		return nil, fmt.Errorf("unexpected request type %T", req)
	}

	catchup := d.node.catchup
	if catchup == nil {
		return nil, fmt.Errorf("node not initialized")
	}

	// Serve only locally stored data. A miss means no answer, never a
	// fetch of our own on a peer's behalf.
	leaf, err := catchup.StaticMembership.GetEpochRoot(rootReq.rootHeight())
	if err != nil {
		return nil, err
	}

	resp := &EpochRootResponse{Leaf: leaf}

	if drb, err := catchup.StaticMembership.GetEpochDrb(rootReq.drbHeight()); err == nil {
		resp.Drb = drb
		resp.HasDrb = true
	}

	return resp, nil
}

// peerRecipientSource resolves expected responders to the peer set minus
// ourselves.
type peerRecipientSource struct {
	peerSet    *peers.PeerSet
	selfPubKey string
}

// Recipients implements the reqres.RecipientSource interface.
func (p *peerRecipientSource) Recipients() []string {
	res := []string{}
	for _, pubKey := range p.peerSet.PubKeys() {
		if pubKey != p.selfPubKey {
			res = append(res, pubKey)
		}
	}
	return res
}
