package ldmsg

import (
	"fmt"
	"sync/atomic"

	"github.com/golang/snappy"
	"github.com/march-github/LogDevice/ldproto"
)

// Payloads at least this large are snappy-compressed
// when [Append.Compress] is set.
const CompressThreshold = 4 << 10

const appendFlagCompressed uint8 = 1 << 0

// Append carries one record for a log.
type Append struct {
	LogID     uint64
	RequestID uint64

	Payload []byte

	// Traffic class for the record. The zero value is [ldproto.PriorityMax],
	// so callers normally set this explicitly.
	Pri ldproto.Priority

	// Compress large payloads with snappy.
	Compress bool

	// Lazily computed wire form of Payload, so that
	// EncodedSize and AppendBody agree without compressing twice.
	wire       []byte
	compressed bool

	cancelled atomic.Bool
}

func (*Append) Type() ldproto.MessageType { return ldproto.AppendType }

func (*Append) MinProtocol() ldproto.ProtocolVersion { return ldproto.MinSupportedProtocol }

func (a *Append) Priority() ldproto.Priority { return a.Pri }

// Cancel withdraws the append.
// If it has not been written yet, it completes with a cancellation error.
func (a *Append) Cancel() { a.cancelled.Store(true) }

func (a *Append) Cancelled() bool { return a.cancelled.Load() }

func (a *Append) wirePayload() []byte {
	if a.wire != nil {
		return a.wire
	}

	a.wire = a.Payload
	if a.Compress && len(a.Payload) >= CompressThreshold {
		enc := snappy.Encode(nil, a.Payload)
		// Incompressible data is sent as is.
		if len(enc) < len(a.Payload) {
			a.wire = enc
			a.compressed = true
		}
	}
	if a.wire == nil {
		a.wire = []byte{}
	}
	return a.wire
}

func (a *Append) EncodedSize(ldproto.ProtocolVersion) int {
	return 8 + 8 + 1 + 1 + ldproto.BytesSize(len(a.wirePayload()))
}

func (a *Append) AppendBody(dst []byte, _ ldproto.ProtocolVersion) ([]byte, error) {
	w := a.wirePayload()

	var flags uint8
	if a.compressed {
		flags |= appendFlagCompressed
	}

	dst = ldproto.AppendUint64(dst, a.LogID)
	dst = ldproto.AppendUint64(dst, a.RequestID)
	dst = ldproto.AppendUint8(dst, flags)
	dst = ldproto.AppendUint8(dst, uint8(a.Pri))
	return ldproto.AppendBytes(dst, w), nil
}

func decodeAppend(body []byte, _ ldproto.ProtocolVersion) (ldproto.Message, error) {
	r := ldproto.NewReader(body)
	a := &Append{
		LogID:     r.Uint64(),
		RequestID: r.Uint64(),
	}
	flags := r.Uint8()
	a.Pri = ldproto.Priority(r.Uint8())
	payload := r.Bytes()
	if err := r.Finish(); err != nil {
		return nil, err
	}

	if !a.Pri.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %d", ldproto.ErrBadMessage, a.Pri)
	}

	if flags&appendFlagCompressed == 0 {
		a.Payload = payload
		return a, nil
	}

	n, err := snappy.DecodedLen(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt compressed payload: %v", ldproto.ErrBadMessage, err)
	}
	if n > ldproto.MaxMessageLen {
		return nil, fmt.Errorf("%w: decompressed payload would be %d bytes", ldproto.ErrTooBig, n)
	}
	a.Payload, err = snappy.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decompress payload: %v", ldproto.ErrBadMessage, err)
	}
	a.Compress = true
	return a, nil
}

// AppendedStatus is the outcome of an [Append].
type AppendedStatus uint8

const (
	AppendedOK       AppendedStatus = 0
	AppendedNoSpace  AppendedStatus = 1
	AppendedOverload AppendedStatus = 2
	AppendedRejected AppendedStatus = 3
)

// Appended acknowledges an [Append].
type Appended struct {
	LogID     uint64
	RequestID uint64

	// Sequence number assigned to the record; zero unless Status is OK.
	LSN uint64

	Status AppendedStatus
}

func (*Appended) Type() ldproto.MessageType { return ldproto.AppendedType }

func (*Appended) MinProtocol() ldproto.ProtocolVersion { return ldproto.MinSupportedProtocol }

func (*Appended) Priority() ldproto.Priority { return ldproto.PriorityClientHigh }

func (*Appended) EncodedSize(ldproto.ProtocolVersion) int { return 8 + 8 + 8 + 1 }

func (a *Appended) AppendBody(dst []byte, _ ldproto.ProtocolVersion) ([]byte, error) {
	dst = ldproto.AppendUint64(dst, a.LogID)
	dst = ldproto.AppendUint64(dst, a.RequestID)
	dst = ldproto.AppendUint64(dst, a.LSN)
	return ldproto.AppendUint8(dst, uint8(a.Status)), nil
}

func decodeAppended(body []byte, _ ldproto.ProtocolVersion) (ldproto.Message, error) {
	r := ldproto.NewReader(body)
	a := &Appended{
		LogID:     r.Uint64(),
		RequestID: r.Uint64(),
		LSN:       r.Uint64(),
		Status:    AppendedStatus(r.Uint8()),
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return a, nil
}
