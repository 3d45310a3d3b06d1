package reqres

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pelagos-network/pelagos/src/common"
	"github.com/pelagos-network/pelagos/src/crypto/keys"
)

type testRequest struct {
	Key string
}

func (r *testRequest) ToBytes() ([]byte, error) { return json.Marshal(r) }

func (r *testRequest) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("empty key")
	}
	return nil
}

type testResponse struct {
	Key   string
	Value string
}

func (r *testResponse) ToBytes() ([]byte, error) { return json.Marshal(r) }

func (r *testResponse) Validate(req Request) error {
	treq, ok := req.(*testRequest)
	if !ok {
		return fmt.Errorf("unexpected request type %T", req)
	}
	if r.Key != treq.Key {
		return fmt.Errorf("response key %q does not match request key %q", r.Key, treq.Key)
	}
	return nil
}

func decodeTestRequest(data []byte) (Request, error) {
	req := &testRequest{}
	err := json.Unmarshal(data, req)
	return req, err
}

func decodeTestResponse(data []byte) (Response, error) {
	resp := &testResponse{}
	err := json.Unmarshal(data, resp)
	return resp, err
}

type recipientsFunc func() []string

func (f recipientsFunc) Recipients() []string { return f() }

type dataFunc func(req Request) (Response, error)

func (f dataFunc) DeriveResponse(req Request) (Response, error) { return f(req) }

// testHub routes messages between in-memory endpoints keyed by public key.
type testHub struct {
	sync.Mutex
	inboxes map[string]chan []byte
}

func newTestHub() *testHub {
	return &testHub{inboxes: make(map[string]chan []byte)}
}

type testEndpoint struct {
	hub       *testHub
	pubKeyHex string
	inbox     chan []byte
	sends     int32
}

func (h *testHub) register(pubKeyHex string) *testEndpoint {
	h.Lock()
	defer h.Unlock()

	inbox := make(chan []byte, 128)
	h.inboxes[pubKeyHex] = inbox

	return &testEndpoint{hub: h, pubKeyHex: pubKeyHex, inbox: inbox}
}

func (e *testEndpoint) Send(to string, data []byte) error {
	atomic.AddInt32(&e.sends, 1)

	e.hub.Lock()
	inbox, ok := e.hub.inboxes[to]
	e.hub.Unlock()

	if !ok {
		return fmt.Errorf("unknown recipient %s", to)
	}

	select {
	case inbox <- data:
	default:
		return fmt.Errorf("inbox full for %s", to)
	}
	return nil
}

func (e *testEndpoint) Receive() ([]byte, error) {
	data, ok := <-e.inbox
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (e *testEndpoint) close() {
	e.hub.Lock()
	defer e.hub.Unlock()
	close(e.inbox)
	delete(e.hub.inboxes, e.pubKeyHex)
}

type testNode struct {
	key      *ecdsa.PrivateKey
	pub      string
	endpoint *testEndpoint
	protocol *Protocol
}

func newTestNode(t *testing.T, hub *testHub, conf *Config, data DataSource) *testNode {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	pub := keys.PublicKeyHex(&key.PublicKey)
	endpoint := hub.register(pub)

	recipients := recipientsFunc(func() []string {
		hub.Lock()
		defer hub.Unlock()
		res := []string{}
		for k := range hub.inboxes {
			if k != pub {
				res = append(res, k)
			}
		}
		return res
	})

	if data == nil {
		data = dataFunc(func(req Request) (Response, error) {
			return nil, fmt.Errorf("no data")
		})
	}

	protocol := NewProtocol(
		conf,
		key,
		endpoint,
		endpoint,
		recipients,
		data,
		decodeTestRequest,
		decodeTestResponse,
		common.NewTestEntry(t),
	)

	return &testNode{key: key, pub: pub, endpoint: endpoint, protocol: protocol}
}

func (n *testNode) stop() {
	n.protocol.Close()
	n.endpoint.close()
}

func kvSource(store map[string]string) DataSource {
	return dataFunc(func(req Request) (Response, error) {
		treq := req.(*testRequest)
		value, ok := store[treq.Key]
		if !ok {
			return nil, fmt.Errorf("no value for %q", treq.Key)
		}
		return &testResponse{Key: treq.Key, Value: value}, nil
	})
}

func TestRequestResponse(t *testing.T) {
	hub := newTestHub()

	requester := newTestNode(t, hub, TestConfig(), nil)
	defer requester.stop()

	responder := newTestNode(t, hub, TestConfig(), kvSource(map[string]string{"alpha": "1"}))
	defer responder.stop()

	resp, err := requester.protocol.Request(context.Background(), &testRequest{Key: "alpha"}, 2*time.Second, Broadcast)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if resp.(*testResponse).Value != "1" {
		t.Fatalf("expected value 1, got %q", resp.(*testResponse).Value)
	}
}

func TestRequestTimeout(t *testing.T) {
	hub := newTestHub()

	requester := newTestNode(t, hub, TestConfig(), nil)
	defer requester.stop()

	// Responder has no data so it never answers.
	responder := newTestNode(t, hub, TestConfig(), nil)
	defer responder.stop()

	_, err := requester.protocol.Request(context.Background(), &testRequest{Key: "missing"}, 200*time.Millisecond, Broadcast)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRequestDeduplication(t *testing.T) {
	hub := newTestHub()

	requester := newTestNode(t, hub, TestConfig(), nil)
	defer requester.stop()

	// Responder answers slowly so the two requests overlap.
	responder := newTestNode(t, hub, TestConfig(), dataFunc(func(req Request) (Response, error) {
		time.Sleep(200 * time.Millisecond)
		return &testResponse{Key: req.(*testRequest).Key, Value: "shared"}, nil
	}))
	defer responder.stop()

	var wg sync.WaitGroup
	results := make([]Response, 2)
	errs := make([]error, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = requester.protocol.Request(
				context.Background(), &testRequest{Key: "dedup"}, 2*time.Second, Broadcast)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d err: %v", i, errs[i])
		}
		if results[i].(*testResponse).Value != "shared" {
			t.Fatalf("request %d got wrong value", i)
		}
	}

	// Only one copy of the request should have gone out to the single
	// recipient.
	if sends := atomic.LoadInt32(&requester.endpoint.sends); sends != 1 {
		t.Fatalf("expected 1 send, got %d", sends)
	}
}

func TestOutgoingRequestCleanup(t *testing.T) {
	hub := newTestHub()

	requester := newTestNode(t, hub, TestConfig(), nil)
	defer requester.stop()

	requester.protocol.Request(context.Background(), &testRequest{Key: "x"}, 100*time.Millisecond, Broadcast)

	if n := requester.protocol.outgoing.len(); n != 0 {
		t.Fatalf("expected 0 in-flight requests, got %d", n)
	}
}

func TestInvalidResponseIgnored(t *testing.T) {
	hub := newTestHub()

	requester := newTestNode(t, hub, TestConfig(), nil)
	defer requester.stop()

	// Responder answers with a response for a different key, which fails
	// validation against the request.
	responder := newTestNode(t, hub, TestConfig(), dataFunc(func(req Request) (Response, error) {
		return &testResponse{Key: "other", Value: "bogus"}, nil
	}))
	defer responder.stop()

	_, err := requester.protocol.Request(context.Background(), &testRequest{Key: "real"}, 300*time.Millisecond, Broadcast)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestBatchedRequest(t *testing.T) {
	hub := newTestHub()

	conf := TestConfig()
	conf.RequestBatchSize = 2

	requester := newTestNode(t, hub, conf, nil)
	defer requester.stop()

	// Several responders; only one holds the data.
	store := map[string]string{"beta": "2"}
	for i := 0; i < 5; i++ {
		var data DataSource
		if i == 0 {
			data = kvSource(store)
		}
		responder := newTestNode(t, hub, TestConfig(), data)
		defer responder.stop()
	}

	resp, err := requester.protocol.Request(context.Background(), &testRequest{Key: "beta"}, 2*time.Second, Batched)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if resp.(*testResponse).Value != "2" {
		t.Fatalf("expected value 2, got %q", resp.(*testResponse).Value)
	}
}

func TestBatchedResend(t *testing.T) {
	hub := newTestHub()

	conf := TestConfig()
	conf.RequestBatchSize = 1

	requester := newTestNode(t, hub, conf, nil)
	defer requester.stop()

	// Neither responder ever answers, so the campaign keeps cycling over
	// them until the request deadline.
	for i := 0; i < 2; i++ {
		responder := newTestNode(t, hub, TestConfig(), nil)
		defer responder.stop()
	}

	_, err := requester.protocol.Request(context.Background(), &testRequest{Key: "silent"}, 300*time.Millisecond, Batched)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// A single pass over two recipients is two sends; the campaign must
	// have gone around the list several times.
	if sends := atomic.LoadInt32(&requester.endpoint.sends); sends < 6 {
		t.Fatalf("expected repeated sends over the campaign, got %d", sends)
	}
}

func TestBatchedCampaignStopsOnResponse(t *testing.T) {
	hub := newTestHub()

	conf := TestConfig()
	conf.RequestBatchSize = 1
	conf.RequestBatchInterval = 50 * time.Millisecond

	requester := newTestNode(t, hub, conf, nil)
	defer requester.stop()

	responder := newTestNode(t, hub, TestConfig(), kvSource(map[string]string{"delta": "4"}))
	defer responder.stop()

	// The deadline is far out; once the response lands, the campaign must
	// stop instead of running the clock down.
	resp, err := requester.protocol.Request(context.Background(), &testRequest{Key: "delta"}, 2*time.Second, Batched)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if resp.(*testResponse).Value != "4" {
		t.Fatalf("expected value 4, got %q", resp.(*testResponse).Value)
	}

	time.Sleep(300 * time.Millisecond)

	if sends := atomic.LoadInt32(&requester.endpoint.sends); sends > 5 {
		t.Fatalf("campaign kept sending after the response: %d sends", sends)
	}
}

func TestRequestAdmissionLimits(t *testing.T) {
	hub := newTestHub()

	conf := TestConfig()
	conf.MaxIncomingRequestsPerKey = 2
	conf.MaxIncomingRequests = 3

	// The responder's data source blocks on the gate, holding each admitted
	// request's permit, and counts how many requests got in.
	gate := make(chan struct{})
	var entered int32
	responder := newTestNode(t, hub, conf, dataFunc(func(req Request) (Response, error) {
		atomic.AddInt32(&entered, 1)
		<-gate
		return &testResponse{Key: req.(*testRequest).Key, Value: "v"}, nil
	}))
	defer responder.stop()

	senderA := newTestNode(t, hub, TestConfig(), nil)
	defer senderA.stop()

	senderB := newTestNode(t, hub, TestConfig(), nil)
	defer senderB.stop()

	errCh := make(chan error, 4)
	request := func(n *testNode, key string) {
		_, err := n.protocol.Request(context.Background(), &testRequest{Key: key}, 2*time.Second, Broadcast)
		errCh <- err
	}

	// Three distinct requests from the same sender: only two fit under the
	// per-key limit, the third is dropped outright rather than queued.
	for i := 0; i < 3; i++ {
		go request(senderA, fmt.Sprintf("a-%d", i))
	}

	time.Sleep(200 * time.Millisecond)

	if got := atomic.LoadInt32(&entered); got != 2 {
		t.Fatalf("expected 2 admitted requests from one sender, got %d", got)
	}

	// A different sender still gets in under the global limit.
	go request(senderB, "b-0")

	time.Sleep(200 * time.Millisecond)

	if got := atomic.LoadInt32(&entered); got != 3 {
		t.Fatalf("expected the other sender to be admitted, got %d", got)
	}

	close(gate)

	timeouts := 0
	for i := 0; i < 4; i++ {
		switch err := <-errCh; err {
		case nil:
		case ErrTimeout:
			timeouts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if timeouts != 1 {
		t.Fatalf("expected exactly the dropped request to time out, got %d timeouts", timeouts)
	}
}

func TestRequestIndefinitely(t *testing.T) {
	hub := newTestHub()

	requester := newTestNode(t, hub, TestConfig(), nil)
	defer requester.stop()

	// Responder only has the data after a delay, so the first attempts
	// time out and the retry loop kicks in.
	var ready int32
	responder := newTestNode(t, hub, TestConfig(), dataFunc(func(req Request) (Response, error) {
		if atomic.LoadInt32(&ready) == 0 {
			return nil, fmt.Errorf("not ready")
		}
		return &testResponse{Key: req.(*testRequest).Key, Value: "late"}, nil
	}))
	defer responder.stop()

	go func() {
		time.Sleep(300 * time.Millisecond)
		atomic.StoreInt32(&ready, 1)
	}()

	resp, err := requester.protocol.RequestIndefinitely(
		context.Background(), &testRequest{Key: "gamma"}, 100*time.Millisecond, Broadcast)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if resp.(*testResponse).Value != "late" {
		t.Fatalf("expected value late, got %q", resp.(*testResponse).Value)
	}
}

func TestRequestIndefinitelyCancel(t *testing.T) {
	hub := newTestHub()

	requester := newTestNode(t, hub, TestConfig(), nil)
	defer requester.stop()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := requester.protocol.RequestIndefinitely(ctx, &testRequest{Key: "nope"}, time.Second, Broadcast)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
