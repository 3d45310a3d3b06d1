package reqres

import (
	"context"
	"crypto/ecdsa"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pelagos-network/pelagos/src/common"
)

// SendStrategy selects how a request fans out to recipients.
type SendStrategy int

const (
	// Broadcast sends the request to every recipient at once.
	Broadcast SendStrategy = iota

	// Batched sends the request to recipients in shuffled batches, pausing
	// between batches and cycling over the list until the request resolves
	// or its deadline passes.
	Batched
)

// Protocol implements signed request/response exchanges over an arbitrary
// byte transport. Concurrent requests for the same data are deduplicated by
// content hash, incoming traffic is bounded by keyed semaphores, and batched
// sends are tracked so that stale ones get cancelled.
type Protocol struct {
	conf   *Config
	logger *logrus.Entry

	privKey *ecdsa.PrivateKey

	sender     Sender
	recipients RecipientSource
	data       DataSource

	decodeRequest  DecodeRequestFn
	decodeResponse DecodeResponseFn

	outgoing *outgoingRequests

	requestSem  *common.NamedSemaphore[string]
	responseSem *common.NamedSemaphore[string]

	sendLock  sync.Mutex
	sendTasks *common.BoundedDeque[context.CancelFunc]

	shutdownCh   chan struct{}
	shutdown     bool
	shutdownLock sync.Mutex

	wg sync.WaitGroup
}

// NewProtocol creates a Protocol and starts its receive loop on the given
// receiver. The loop runs until the receiver returns an error, which it does
// when its transport closes.
func NewProtocol(
	conf *Config,
	privKey *ecdsa.PrivateKey,
	sender Sender,
	receiver Receiver,
	recipients RecipientSource,
	data DataSource,
	decodeRequest DecodeRequestFn,
	decodeResponse DecodeResponseFn,
	logger *logrus.Entry,
) *Protocol {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	p := &Protocol{
		conf:           conf,
		logger:         logger,
		privKey:        privKey,
		sender:         sender,
		recipients:     recipients,
		data:           data,
		decodeRequest:  decodeRequest,
		decodeResponse: decodeResponse,
		outgoing:       newOutgoingRequests(logger),
		requestSem:     common.NewNamedSemaphore[string](conf.MaxIncomingRequestsPerKey, conf.MaxIncomingRequests),
		responseSem:    common.NewNamedSemaphore[string](conf.MaxIncomingResponses, conf.MaxIncomingResponses),
		shutdownCh:     make(chan struct{}),
	}

	p.sendTasks = common.NewBoundedDeque[context.CancelFunc](conf.MaxOutstandingSends, func(cancel context.CancelFunc) {
		cancel()
	})

	p.wg.Add(1)
	go p.receiveLoop(receiver)

	return p
}

// Close cancels outstanding batched sends and stops accepting new requests.
// It does not close the underlying transport; the receive loop ends when the
// caller closes the transport and the receiver errors out.
func (p *Protocol) Close() {
	p.shutdownLock.Lock()
	defer p.shutdownLock.Unlock()

	if p.shutdown {
		return
	}
	p.shutdown = true
	close(p.shutdownCh)

	p.sendLock.Lock()
	p.sendTasks.Drain()
	p.sendLock.Unlock()
}

// Request sends req to the recipient set and waits up to timeout for a
// validated response. If an identical request is already in flight, the call
// joins it instead of sending again. Returns ErrTimeout when the deadline
// passes without an answer.
func (p *Protocol) Request(ctx context.Context, req Request, timeout time.Duration, strategy SendStrategy) (Response, error) {
	select {
	case <-p.shutdownCh:
		return nil, ErrShutdown
	default:
	}

	if err := req.Validate(); err != nil {
		return nil, NewInvalidRequestError(err.Error())
	}

	payload, err := req.ToBytes()
	if err != nil {
		return nil, err
	}

	hash := HashRequest(payload)

	entry, created := p.outgoing.join(hash, func(resp Response) error {
		return resp.Validate(req)
	})
	defer p.outgoing.release(hash)

	if created {
		msg, err := NewSignedRequestMessage(p.privKey, payload)
		if err != nil {
			return nil, err
		}

		data, err := EncodeMessage(msg)
		if err != nil {
			return nil, err
		}

		p.logger.WithFields(logrus.Fields{
			"request":  hash.String(),
			"strategy": strategy,
		}).Debug("Sending request")

		cancelSend := p.send(data, strategy, timeout)
		if cancelSend != nil {
			defer cancelSend()
		}
	} else {
		p.logger.WithField("request", hash.String()).
			Debug("Joining in-flight request")
	}

	select {
	case <-entry.done:
		return entry.response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.shutdownCh:
		return nil, ErrShutdown
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// RequestIndefinitely keeps re-issuing req until it gets a response, the
// context is cancelled, or a non-timeout error occurs. Each attempt sends a
// freshly signed message so receivers never see a stale timestamp.
func (p *Protocol) RequestIndefinitely(ctx context.Context, req Request, timeout time.Duration, strategy SendStrategy) (Response, error) {
	for {
		resp, err := p.Request(ctx, req, timeout, strategy)
		if err == ErrTimeout {
			p.logger.Debug("Request timed out, retrying")
			continue
		}
		return resp, err
	}
}

// send fans the serialized message out according to the strategy. For a
// batched campaign it returns a cancel func that the caller invokes when the
// request resolves, so a campaign never outlives the request it serves.
func (p *Protocol) send(data []byte, strategy SendStrategy, timeout time.Duration) context.CancelFunc {
	recipients := p.recipients.Recipients()

	if strategy == Broadcast {
		for _, to := range recipients {
			if err := p.sender.Send(to, data); err != nil {
				p.logger.WithField("to", to).WithError(err).
					Debug("Failed to send request")
			}
		}
		return nil
	}

	// Shuffle so repeated requests do not always hammer the same peers
	// first.
	shuffled := make([]string, len(recipients))
	copy(shuffled, recipients)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	p.sendLock.Lock()
	p.sendTasks.Push(cancel)
	p.sendLock.Unlock()

	p.wg.Add(1)
	go p.sendBatches(ctx, shuffled, data)

	return cancel
}

// sendBatches contacts recipients a batch at a time, pausing between
// batches, and keeps cycling over the recipient list until the campaign
// context expires. Unanswered recipients get the request again on the next
// pass, covering dropped frames and peers that acquire the data mid-flight.
// The context is cancelled when the request resolves, when the task is
// evicted, or at the campaign deadline.
func (p *Protocol) sendBatches(ctx context.Context, recipients []string, data []byte) {
	defer p.wg.Done()

	if len(recipients) == 0 {
		return
	}

	batchSize := p.conf.RequestBatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	for {
		for start := 0; start < len(recipients); start += batchSize {
			end := start + batchSize
			if end > len(recipients) {
				end = len(recipients)
			}

			for _, to := range recipients[start:end] {
				if err := p.sender.Send(to, data); err != nil {
					p.logger.WithField("to", to).WithError(err).
						Debug("Failed to send request")
				}
			}

			select {
			case <-time.After(p.conf.RequestBatchInterval):
			case <-ctx.Done():
				return
			case <-p.shutdownCh:
				return
			}
		}
	}
}

// receiveLoop pulls messages off the receiver until it errors out. Each
// message is handled on its own bounded goroutine; handler errors are logged
// and swallowed so one bad message never stalls the loop.
func (p *Protocol) receiveLoop(receiver Receiver) {
	defer p.wg.Done()

	for {
		data, err := receiver.Receive()
		if err != nil {
			p.logger.WithError(err).Debug("Receiver closed, ending receive loop")
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			p.logger.WithError(err).Debug("Dropping undecodable message")
			continue
		}

		switch m := msg.(type) {
		case *RequestMessage:
			p.handleRequestMessage(m)
		case *ResponseMessage:
			p.handleResponseMessage(m)
		}
	}
}

// handleRequestMessage admits an incoming request through the keyed
// semaphore and answers it on a separate goroutine. Requests over the
// per-sender or global limit are dropped.
func (p *Protocol) handleRequestMessage(msg *RequestMessage) {
	permit, err := p.requestSem.TryAcquire(msg.PubKeyHex)
	if err != nil {
		p.logger.WithField("from", msg.PubKeyHex).WithError(err).
			Debug("Dropping incoming request")
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer permit.Release()

		if err := p.answerRequest(msg); err != nil {
			p.logger.WithField("request", msg.Hash().String()).WithError(err).
				Debug("Failed to answer request")
		}
	}()
}

// answerRequest validates the message, derives a response from the data
// source, and sends it back to the requester. The whole exchange is bounded
// by ResponseSendTimeout.
func (p *Protocol) answerRequest(msg *RequestMessage) error {
	req, err := msg.Validate(p.conf.IncomingRequestTTL, p.decodeRequest)
	if err != nil {
		return err
	}

	type result struct {
		resp Response
		err  error
	}

	resCh := make(chan result, 1)
	go func() {
		resp, err := p.data.DeriveResponse(req)
		resCh <- result{resp, err}
	}()

	var resp Response
	select {
	case res := <-resCh:
		if res.err != nil {
			return res.err
		}
		resp = res.resp
	case <-time.After(p.conf.ResponseSendTimeout):
		return ErrTimeout
	case <-p.shutdownCh:
		return ErrShutdown
	}

	payload, err := resp.ToBytes()
	if err != nil {
		return err
	}

	hash := msg.Hash()
	data, err := EncodeMessage(&ResponseMessage{
		RequestHash: hash[:],
		Payload:     payload,
	})
	if err != nil {
		return err
	}

	return p.sender.Send(msg.PubKeyHex, data)
}

// handleResponseMessage admits an incoming response through the global
// semaphore and matches it to an in-flight request on a separate goroutine.
func (p *Protocol) handleResponseMessage(msg *ResponseMessage) {
	permit, err := p.responseSem.TryAcquire(msg.Hash().String())
	if err != nil {
		p.logger.WithField("request", msg.Hash().String()).WithError(err).
			Debug("Dropping incoming response")
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer permit.Release()

		done := make(chan struct{})
		go func() {
			defer close(done)

			resp, err := p.decodeResponse(msg.Payload)
			if err != nil {
				p.logger.WithField("request", msg.Hash().String()).WithError(err).
					Debug("Dropping undecodable response")
				return
			}

			p.outgoing.respond(msg.Hash(), resp)
		}()

		select {
		case <-done:
		case <-time.After(p.conf.IncomingResponseTimeout):
			p.logger.WithField("request", msg.Hash().String()).
				Debug("Response handling timed out")
		}
	}()
}
