package session

import "time"

// Event is a protocol event pushed by the transport. Events are delivered
// on a single channel and consumed by exactly one goroutine, so handlers
// never run concurrently for the same session.
type Event interface {
	event()
}

type AuthSuccess struct {
	Identity string
}

type AuthFailure struct {
	Identity string
	Reason   string
}

type Disconnected struct {
	Reason string
}

type MessageReceived struct {
	ID           string
	Source       string // JID of the sender
	Body         string
	Timestamp    time.Time
	WantsReceipt bool
	DisplayName  string
	Broadcast    bool
}

type GroupMessageReceived struct {
	ID           string
	GroupID      string // JID of the group
	Author       string // JID of the member who wrote the message
	Body         string
	Timestamp    time.Time
	WantsReceipt bool
	DisplayName  string
}

type DeliveryReceipt struct {
	Source string
	ID     string
}

type ImageReceived struct {
	ID           string
	Source       string
	Preview      []byte
	URL          string
	Size         int64
	WantsReceipt bool
	Broadcast    bool
}

func (AuthSuccess) event()          {}
func (AuthFailure) event()          {}
func (Disconnected) event()         {}
func (MessageReceived) event()      {}
func (GroupMessageReceived) event() {}
func (DeliveryReceipt) event()      {}
func (ImageReceived) event()        {}
