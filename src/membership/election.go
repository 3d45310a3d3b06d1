package membership

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	pcrypto "github.com/pelagos-network/pelagos/src/crypto"
)

// cdfEntry pairs a stake table entry with the cumulative stake of all
// entries up to and including it.
type cdfEntry struct {
	entry      StakeTableEntry
	cumulative *big.Int
}

// RandomizedCommittee is a stake table reordered by DRB randomness, with a
// cumulative-stake distribution for weighted leader sampling.
type RandomizedCommittee struct {
	cdf        []cdfEntry
	drb        DrbResult
	tableHash  [32]byte
	totalStake *big.Int
}

// cyclicXOR XORs data against the DRB result, repeating the DRB cyclically
// when data is longer.
func cyclicXOR(drb DrbResult, data []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ drb[i%len(drb)]
	}
	return out
}

// GenerateStakeCDF builds the randomized committee for an epoch: entries are
// sorted by the cyclic XOR of their public key against the DRB result, then
// laid out as a cumulative stake distribution.
func GenerateStakeCDF(entries StakeTable, drb DrbResult) *RandomizedCommittee {
	sorted := make(StakeTable, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(
			cyclicXOR(drb, []byte(sorted[i].PubKeyHex)),
			cyclicXOR(drb, []byte(sorted[j].PubKeyHex)),
		) < 0
	})

	cdf := make([]cdfEntry, 0, len(sorted))
	cumulative := new(big.Int)
	for _, entry := range sorted {
		cumulative = new(big.Int).Add(cumulative, entry.Stake)
		cdf = append(cdf, cdfEntry{entry: entry, cumulative: cumulative})
	}

	hashInput := drb[:]
	for _, entry := range sorted {
		hashInput = append(hashInput, []byte(entry.PubKeyHex)...)
		hashInput = append(hashInput, entry.Stake.Bytes()...)
	}

	committee := &RandomizedCommittee{
		cdf:        cdf,
		drb:        drb,
		totalStake: cumulative,
	}
	copy(committee.tableHash[:], pcrypto.SHA256(hashInput))

	return committee
}

// SelectRandomizedLeader picks the view's leader by hashing the DRB result,
// the view number, and the table hash, then sampling the cumulative stake
// distribution with the reduced value. Selection probability is proportional
// to stake.
func (c *RandomizedCommittee) SelectRandomizedLeader(view uint64) (string, error) {
	if len(c.cdf) == 0 || c.totalStake.Sign() == 0 {
		return "", fmt.Errorf("empty randomized committee")
	}

	viewBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(viewBytes, view)

	seed := pcrypto.SHA512(append(append(append([]byte{}, c.drb[:]...), viewBytes...), c.tableHash[:]...))

	breakpoint := new(big.Int).Mod(new(big.Int).SetBytes(seed), c.totalStake)

	for _, e := range c.cdf {
		if e.cumulative.Cmp(breakpoint) > 0 {
			return e.entry.PubKeyHex, nil
		}
	}

	// Unreachable: breakpoint < totalStake = last cumulative value.
	return c.cdf[len(c.cdf)-1].entry.PubKeyHex, nil
}
