package reqres

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// outgoingRequest tracks one in-flight request that one or more callers are
// waiting on. The done channel is closed exactly once, when a validated
// response arrives.
type outgoingRequest struct {
	refs     int
	done     chan struct{}
	response Response
	validate func(Response) error
}

// outgoingRequests indexes in-flight requests by hash so that callers asking
// for the same data share a single request. Entries remove themselves when
// the last caller releases them.
type outgoingRequests struct {
	sync.Mutex
	entries map[RequestHash]*outgoingRequest
	logger  *logrus.Entry
}

func newOutgoingRequests(logger *logrus.Entry) *outgoingRequests {
	return &outgoingRequests{
		entries: make(map[RequestHash]*outgoingRequest),
		logger:  logger,
	}
}

// join returns the entry for the given hash, creating it if absent, and
// increments its reference count. The second return value is true if the
// entry was created, meaning the caller is responsible for actually sending
// the request.
func (o *outgoingRequests) join(hash RequestHash, validate func(Response) error) (*outgoingRequest, bool) {
	o.Lock()
	defer o.Unlock()

	if entry, ok := o.entries[hash]; ok {
		entry.refs++
		return entry, false
	}

	entry := &outgoingRequest{
		refs:     1,
		done:     make(chan struct{}),
		validate: validate,
	}
	o.entries[hash] = entry

	return entry, true
}

// release decrements the entry's reference count and removes it from the map
// when no caller is waiting on it anymore.
func (o *outgoingRequests) release(hash RequestHash) {
	o.Lock()
	defer o.Unlock()

	entry, ok := o.entries[hash]
	if !ok {
		return
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(o.entries, hash)
	}
}

// respond validates a received response against the in-flight request it
// claims to answer and, if it passes, resolves the entry and wakes all
// waiters. Responses for unknown or already resolved requests are dropped.
func (o *outgoingRequests) respond(hash RequestHash, resp Response) bool {
	o.Lock()
	defer o.Unlock()

	entry, ok := o.entries[hash]
	if !ok {
		o.logger.WithField("request", hash.String()).
			Debug("Response for unknown request")
		return false
	}

	select {
	case <-entry.done:
		o.logger.WithField("request", hash.String()).
			Debug("Response for already resolved request")
		return false
	default:
	}

	if err := entry.validate(resp); err != nil {
		o.logger.WithField("request", hash.String()).WithError(err).
			Debug("Dropping invalid response")
		return false
	}

	entry.response = resp
	close(entry.done)

	return true
}

// len returns the number of in-flight requests. Used by tests.
func (o *outgoingRequests) len() int {
	o.Lock()
	defer o.Unlock()
	return len(o.entries)
}
