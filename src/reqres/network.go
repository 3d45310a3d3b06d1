package reqres

// Sender pushes a serialized message to a peer identified by its hex public
// key. Implementations decide how the key maps to a network address.
type Sender interface {
	Send(to string, data []byte) error
}

// Receiver blocks until a serialized message arrives. A non-nil error means
// the underlying stream is closed and no further messages will be delivered.
type Receiver interface {
	Receive() ([]byte, error)
}

// RecipientSource supplies the set of peers that requests fan out to.
type RecipientSource interface {
	Recipients() []string
}

// DataSource derives responses to validated incoming requests. Returning an
// error means this node has no answer, in which case no response is sent.
type DataSource interface {
	DeriveResponse(req Request) (Response, error)
}
