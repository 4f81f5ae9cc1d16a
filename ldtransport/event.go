package ldtransport

import "fmt"

// Handler receives events from a [Transport].
// It is always invoked on the connection's executor.
type Handler func(Event)

// Event is one of [Connected], [DataReceived], [Written], [Failed] or [EOF].
type Event interface {
	isEvent()
}

// Connected reports that an outgoing [Transport.Connect] succeeded.
type Connected struct{}

// DataReceived carries bytes read from the peer.
// The handler owns Data.
type DataReceived struct {
	Data []byte
}

// Written reports that N more bytes were accepted by the network stack.
type Written struct {
	N int
}

// Failed reports a connect, read or write failure.
// The transport is unusable afterwards.
type Failed struct {
	Err error
}

// EOF reports that the peer closed its side of the stream.
type EOF struct{}

func (Connected) isEvent()    {}
func (DataReceived) isEvent() {}
func (Written) isEvent()      {}
func (Failed) isEvent()       {}
func (EOF) isEvent()          {}

func (Connected) String() string      { return "Connected" }
func (e DataReceived) String() string { return fmt.Sprintf("DataReceived(%d)", len(e.Data)) }
func (e Written) String() string      { return fmt.Sprintf("Written(%d)", e.N) }
func (e Failed) String() string       { return fmt.Sprintf("Failed(%v)", e.Err) }
func (EOF) String() string            { return "EOF" }
