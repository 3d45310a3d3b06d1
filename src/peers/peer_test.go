package peers

import (
	"io/ioutil"
	"math/big"
	"os"
	"reflect"
	"testing"

	"github.com/pelagos-network/pelagos/src/crypto/keys"
)

func newTestPeers(n int) []*Peer {
	peers := []*Peer{}
	for i := 0; i < n; i++ {
		key, _ := keys.GenerateECDSAKey()
		peers = append(peers, NewPeer(
			keys.PublicKeyHex(&key.PublicKey),
			"127.0.0.1:0",
			"",
			big.NewInt(int64(i+1)),
		))
	}
	return peers
}

func TestPeerSetSorted(t *testing.T) {
	peers := newTestPeers(5)

	peerSet := NewPeerSet(peers)

	if peerSet.Len() != 5 {
		t.Fatalf("expected 5 peers, got %d", peerSet.Len())
	}

	pubKeys := peerSet.PubKeys()
	for i := 1; i < len(pubKeys); i++ {
		if pubKeys[i-1] >= pubKeys[i] {
			t.Fatalf("peers not sorted by public key")
		}
	}
}

func TestPeerSetTotalStake(t *testing.T) {
	peerSet := NewPeerSet(newTestPeers(4))

	// 1+2+3+4
	if peerSet.TotalStake().Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected total stake 10, got %v", peerSet.TotalStake())
	}
}

func TestPeerSetWithRemovedPeer(t *testing.T) {
	peers := newTestPeers(3)
	peerSet := NewPeerSet(peers)

	removed := peerSet.WithRemovedPeer(peers[0].PubKeyHex)

	if removed.Len() != 2 {
		t.Fatalf("expected 2 peers, got %d", removed.Len())
	}
	if _, ok := removed.ByPubKey[peers[0].PubKeyHex]; ok {
		t.Fatalf("peer should have been removed")
	}
}

func TestJSONPeerSet(t *testing.T) {
	dir, err := ioutil.TempDir("", "pelagos")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer os.RemoveAll(dir)

	store := NewJSONPeerSet(dir)

	// Read the peers; should get nothing
	if _, err := store.PeerSet(); err == nil {
		t.Fatalf("PeerSet should generate an error")
	}

	keyA, _ := keys.GenerateECDSAKey()
	keyB, _ := keys.GenerateECDSAKey()

	peers := []*Peer{
		NewPeer(keys.PublicKeyHex(&keyA.PublicKey), "127.0.0.1:3000", "a", big.NewInt(10)),
		NewPeer(keys.PublicKeyHex(&keyB.PublicKey), "127.0.0.1:3001", "b", big.NewInt(20)),
	}

	if err := store.Write(peers); err != nil {
		t.Fatalf("err: %v", err)
	}

	// Try a read, should get the same peers
	peerSet, err := store.PeerSet()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	expected := NewPeerSet(peers)

	if peerSet.Len() != expected.Len() {
		t.Fatalf("expected %d peers, got %d", expected.Len(), peerSet.Len())
	}

	for i, p := range peerSet.Peers {
		if !reflect.DeepEqual(p.PubKeyHex, expected.Peers[i].PubKeyHex) {
			t.Fatalf("peer %d pubkey mismatch", i)
		}
		if p.Stake.Cmp(expected.Peers[i].Stake) != 0 {
			t.Fatalf("peer %d stake mismatch", i)
		}
	}
}
