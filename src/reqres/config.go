package reqres

import "time"

// Config holds the tuning knobs of the request/response protocol.
type Config struct {
	// IncomingRequestTTL is how far an incoming request's timestamp may
	// deviate from the local clock before the request is rejected.
	IncomingRequestTTL time.Duration `mapstructure:"incoming-request-ttl"`

	// ResponseSendTimeout bounds how long deriving and sending a response
	// to an incoming request may take.
	ResponseSendTimeout time.Duration `mapstructure:"response-send-timeout"`

	// RequestBatchSize is the number of recipients contacted per batch
	// when sending with the Batched strategy.
	RequestBatchSize int `mapstructure:"request-batch-size"`

	// RequestBatchInterval is the pause between successive batches.
	RequestBatchInterval time.Duration `mapstructure:"request-batch-interval"`

	// MaxIncomingRequestsPerKey bounds concurrent request handling per
	// sender. Requests over the limit are dropped, not queued.
	MaxIncomingRequestsPerKey int `mapstructure:"max-incoming-requests-per-key"`

	// MaxIncomingRequests bounds concurrent request handling across all
	// senders. 0 disables the global bound.
	MaxIncomingRequests int `mapstructure:"max-incoming-requests"`

	// MaxIncomingResponses bounds concurrent response handling.
	MaxIncomingResponses int `mapstructure:"max-incoming-responses"`

	// IncomingResponseTimeout bounds how long handling one incoming
	// response may take.
	IncomingResponseTimeout time.Duration `mapstructure:"incoming-response-timeout"`

	// MaxOutstandingSends is the number of in-flight batched send tasks
	// kept alive at once. Starting a send past the limit cancels the
	// oldest one.
	MaxOutstandingSends int `mapstructure:"max-outstanding-sends"`
}

// DefaultConfig returns the default protocol configuration.
func DefaultConfig() *Config {
	return &Config{
		IncomingRequestTTL:        40 * time.Second,
		ResponseSendTimeout:       5 * time.Second,
		RequestBatchSize:          4,
		RequestBatchInterval:      250 * time.Millisecond,
		MaxIncomingRequestsPerKey: 2,
		MaxIncomingRequests:       20,
		MaxIncomingResponses:      20,
		IncomingResponseTimeout:   5 * time.Second,
		MaxOutstandingSends:       10,
	}
}

// TestConfig returns a configuration with short intervals, suitable for
// tests.
func TestConfig() *Config {
	conf := DefaultConfig()
	conf.RequestBatchInterval = 10 * time.Millisecond
	conf.ResponseSendTimeout = time.Second
	conf.IncomingResponseTimeout = time.Second
	return conf
}
