package node

import (
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/pelagos-network/pelagos/src/membership"
	"github.com/pelagos-network/pelagos/src/reqres"
)

var nodeJSONHandle = func() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.Canonical = true
	return h
}()

// EpochRootRequest asks peers for everything needed to catch up one epoch:
// the root leaf it derives from and, when the responder already has it, the
// epoch's DRB result. EpochHeight is included so that requester and
// responder agree on block arithmetic.
type EpochRootRequest struct {
	Epoch       membership.Epoch
	EpochHeight uint64
}

// ToBytes implements the reqres.Request interface.
func (r *EpochRootRequest) ToBytes() ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, nodeJSONHandle)
	err := enc.Encode(r)
	return buf, err
}

// Validate implements the reqres.Request interface. The first epoch is
// installed at bootstrap, so only later epochs are ever requested.
func (r *EpochRootRequest) Validate() error {
	if r.Epoch < 2 {
		return fmt.Errorf("epoch %d is never fetched", r.Epoch)
	}
	if r.EpochHeight < 3 {
		return fmt.Errorf("epoch height %d too small", r.EpochHeight)
	}
	return nil
}

// rootHeight is the block height of the requested epoch's root leaf.
func (r *EpochRootRequest) rootHeight() uint64 {
	return membership.RootBlockInEpoch(r.Epoch-1, r.EpochHeight)
}

// drbHeight is the block height carrying the requested epoch's DRB result.
func (r *EpochRootRequest) drbHeight() uint64 {
	return membership.TransitionBlockForEpoch(r.Epoch-1, r.EpochHeight)
}

// EpochRootResponse carries the requested root leaf and, optionally, the
// epoch's DRB result.
type EpochRootResponse struct {
	Leaf   *membership.Leaf
	Drb    membership.DrbResult
	HasDrb bool
}

// ToBytes implements the reqres.Response interface.
func (r *EpochRootResponse) ToBytes() ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, nodeJSONHandle)
	err := enc.Encode(r)
	return buf, err
}

// Validate implements the reqres.Response interface: the leaf must be the
// one the request asked for.
func (r *EpochRootResponse) Validate(req reqres.Request) error {
	rootReq, ok := req.(*EpochRootRequest)
	if !ok {
		return fmt.Errorf("unexpected request type %T", req)
	}

	if r.Leaf == nil {
		return fmt.Errorf("response carries no leaf")
	}
	if r.Leaf.Height != rootReq.rootHeight() {
		return fmt.Errorf("leaf height %d does not match requested root height %d",
			r.Leaf.Height, rootReq.rootHeight())
	}
	if r.Leaf.Epoch != rootReq.Epoch-1 {
		return fmt.Errorf("leaf epoch %d does not match requested epoch %d",
			r.Leaf.Epoch, rootReq.Epoch)
	}
	if len(r.Leaf.QCSignature) == 0 {
		return fmt.Errorf("leaf carries no QC signature")
	}

	return nil
}

// DecodeEpochRootRequest deserializes an EpochRootRequest.
func DecodeEpochRootRequest(data []byte) (reqres.Request, error) {
	req := &EpochRootRequest{}
	dec := codec.NewDecoderBytes(data, nodeJSONHandle)
	err := dec.Decode(req)
	return req, err
}

// DecodeEpochRootResponse deserializes an EpochRootResponse.
func DecodeEpochRootResponse(data []byte) (reqres.Response, error) {
	resp := &EpochRootResponse{}
	dec := codec.NewDecoderBytes(data, nodeJSONHandle)
	err := dec.Decode(resp)
	return resp, err
}
