package ldconn

import (
	"errors"
	"fmt"
	"time"

	"github.com/march-github/LogDevice/ldproto"
)

// Settings configures connections.
// Start from [DefaultSettings] and override individual fields.
type Settings struct {
	// Highest protocol version this side offers or accepts.
	MaxProtocol ldproto.ProtocolVersion

	// Sent in HELLO and checked against incoming HELLOs.
	ClusterName string
	// Sent in HELLO; interpretation is up to the server's [Authorizer].
	Credentials string

	// New non-handshake messages are refused with [ErrNoBufs]
	// once this many bytes are pending on the connection.
	OutbufOverflowBytes int

	// Bytes a connection may always queue,
	// regardless of any sender-wide limit.
	OutbufSocketMinBytes int

	// Timeout of the first connect attempt.
	// Zero disables the connect timer.
	ConnectTimeout time.Duration

	// Number of additional connect attempts after the first times out.
	ConnectionRetries int

	// Each retry's timeout is ConnectTimeout
	// multiplied by this raised to the retry number.
	ConnectTimeoutRetryMultiplier float64

	// Time allowed between transport connect and handshake completion.
	// Zero disables the handshake timer.
	HandshakeTimeout time.Duration

	// Messages processed per executor turn before yielding.
	IncomingMessagesMaxPerSocket int

	ChecksummingEnabled bool

	// Types never checksummed even when checksumming is enabled.
	ChecksumExemptTypes ldproto.TypeSet

	// A connection with more buffered bytes than this is "active"
	// for health accounting.
	SocketIdleThreshold int

	// Health check window. Zero disables classification.
	SocketHealthCheckPeriod time.Duration

	// Percent of the window a connection must be active
	// for its throughput to be judged.
	MinSocketIdleThresholdPercent int

	// Active connections draining slower than this are slow.
	MinBytesToDrainPerSecond int

	// A connection whose oldest in-flight message is older than this
	// is stalled.
	MaxTimeToAllowSocketDrain time.Duration

	ErrorInjection ErrorInjection

	// Passed through to transports when they are created by the caller.
	ReadBufferSize int
}

// ErrorInjection fails a fraction of outgoing messages for testing.
type ErrorInjection struct {
	// Chance in percent, 0 to 100, that a released message
	// starts a rewind. Zero disables injection.
	ChancePercent float64

	// Completion error of every message failed by a rewind.
	Status error
}

// DefaultSettings returns the settings used in production.
func DefaultSettings() Settings {
	return Settings{
		MaxProtocol: ldproto.MaxSupportedProtocol,

		OutbufOverflowBytes:  32 << 20,
		OutbufSocketMinBytes: 1 << 20,

		ConnectTimeout:                100 * time.Millisecond,
		ConnectionRetries:             4,
		ConnectTimeoutRetryMultiplier: 3,
		HandshakeTimeout:              time.Second,

		IncomingMessagesMaxPerSocket: 128,

		ChecksummingEnabled: true,
		ChecksumExemptTypes: ldproto.NewTypeSet(),

		SocketIdleThreshold:           16 << 10,
		SocketHealthCheckPeriod:       time.Minute,
		MinSocketIdleThresholdPercent: 50,
		MinBytesToDrainPerSecond:      1 << 20,
		MaxTimeToAllowSocketDrain:     3 * time.Minute,
	}
}

// validate panics if s cannot be used.
func (s Settings) validate() {
	var err error

	if !s.MaxProtocol.Supported() {
		err = errors.Join(err, fmt.Errorf(
			"MaxProtocol %d outside supported range [%d, %d]",
			s.MaxProtocol, ldproto.MinSupportedProtocol, ldproto.MaxSupportedProtocol,
		))
	}

	if s.OutbufOverflowBytes <= 0 {
		err = errors.Join(err, errors.New("OutbufOverflowBytes must be positive"))
	}

	if s.ConnectTimeout < 0 || s.HandshakeTimeout < 0 {
		err = errors.Join(err, errors.New("timeouts must not be negative"))
	}
	if s.ConnectionRetries < 0 {
		err = errors.Join(err, errors.New("ConnectionRetries must not be negative"))
	}
	if s.ConnectTimeoutRetryMultiplier < 1 {
		err = errors.Join(err, fmt.Errorf(
			"ConnectTimeoutRetryMultiplier must be at least 1 (got %v)", s.ConnectTimeoutRetryMultiplier,
		))
	}

	if s.IncomingMessagesMaxPerSocket <= 0 {
		err = errors.Join(err, errors.New("IncomingMessagesMaxPerSocket must be positive"))
	}

	if p := s.MinSocketIdleThresholdPercent; p < 0 || p > 100 {
		err = errors.Join(err, fmt.Errorf("MinSocketIdleThresholdPercent must be in [0, 100] (got %d)", p))
	}

	if p := s.ErrorInjection.ChancePercent; p < 0 || p > 100 {
		err = errors.Join(err, fmt.Errorf("ErrorInjection.ChancePercent must be in [0, 100] (got %v)", p))
	} else if p > 0 && s.ErrorInjection.Status == nil {
		err = errors.Join(err, errors.New("ErrorInjection.Status must be set when injection is enabled"))
	}

	if err != nil {
		panic(fmt.Errorf("invalid connection settings: %w", err))
	}
}

// checksummed reports whether outgoing messages of type t carry a checksum
// and incoming ones are verified.
func (s Settings) checksummed(t ldproto.MessageType) bool {
	return s.ChecksummingEnabled && !s.ChecksumExemptTypes.Contains(t)
}
