// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usbd holds the small vocabulary shared between a USB device
// controller driver (DCD) and the class drivers built on top of it: endpoint
// addresses, setup packets, transfer completion events and the event queue
// that decouples interrupt context from task context.
//
// The package intentionally does not implement enumeration, descriptor
// parsing or control transfer dispatch - that belongs to the device core
// that owns a DCD instance.
package usbd

import "fmt"

// EndpointAddress is a USB endpoint address as it appears on the wire: the
// low nibble is the endpoint number, bit 7 is set for IN endpoints.
type EndpointAddress uint8

const dirIn EndpointAddress = 0x80

// Number returns the endpoint number (0-15) with the direction bit masked off.
func (a EndpointAddress) Number() uint8 {
	return uint8(a &^ dirIn)
}

// IsIn reports whether the address denotes an IN (device-to-host) endpoint.
func (a EndpointAddress) IsIn() bool {
	return a&dirIn != 0
}

func (a EndpointAddress) String() string {
	dir := "OUT"
	if a.IsIn() {
		dir = "IN"
	}
	return fmt.Sprintf("EP%d %s", a.Number(), dir)
}

// EndpointType mirrors the four USB transfer types a DCD endpoint can be
// configured for.
type EndpointType int

const (
	EndpointControl EndpointType = iota
	EndpointIsochronous
	EndpointBulk
	EndpointInterrupt
)

// EndpointDescriptor is the subset of a USB endpoint descriptor a DCD needs
// in order to open an endpoint.
type EndpointDescriptor struct {
	Address       EndpointAddress
	Type          EndpointType
	MaxPacketSize uint16
}

// SetupPacket is the 8-byte control transfer header delivered on EP0.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// EventKind identifies what happened on the wire.
type EventKind int

const (
	EventXferComplete EventKind = iota
	EventSetupReceived
	EventBusReset
	EventSuspend
	EventResume
	EventSOF
)

// Event is posted by the interrupt-context side of a DCD and consumed by the
// task-context dispatcher. Only one of Setup/Bytes is meaningful, depending
// on Kind.
type Event struct {
	Kind     EventKind
	Endpoint EndpointAddress
	Bytes    int
	Setup    SetupPacket
	InISR    bool
}

// EventQueue decouples a DCD's interrupt-context producer from a single
// task-context consumer, the same role usbd_defer_func/the TinyUSB event
// queue plays in the reference driver. It is a thin wrapper over a buffered
// channel: Post never blocks the caller once capacity allows it, matching
// the requirement that ISR work stay minimal.
type EventQueue struct {
	events chan Event
}

// NewEventQueue allocates a queue with room for `depth` pending events.
func NewEventQueue(depth int) *EventQueue {
	return &EventQueue{events: make(chan Event, depth)}
}

// Post enqueues ev, blocking only if the queue is full - a full queue means
// the task-context dispatcher has fallen behind the hardware, which is
// itself a bug worth blocking on rather than silently dropping events.
func (q *EventQueue) Post(ev Event) {
	q.events <- ev
}

// Next blocks until an event is available.
func (q *EventQueue) Next() Event {
	return <-q.events
}

// Controller is the downward interface a class driver uses to talk to the
// DCD beneath it. It names the operations listed in usbd_edpt_xfer /
// usbd_edpt_stall / usbd_edpt_clear_stall / usbd_edpt_stalled /
// usbd_edpt_ready / usbd_open_edpt_pair from the reference driver.
type Controller interface {
	OpenEndpointPair(out, in EndpointDescriptor) error
	Transfer(ep EndpointAddress, buf []byte, total int) error
	Stall(ep EndpointAddress)
	ClearStall(ep EndpointAddress)
	Stalled(ep EndpointAddress) bool
	Ready(ep EndpointAddress) bool
}

// DeferFunc schedules fn to run on the task-context dispatcher rather than
// in the caller's context. A real core backs this with its task event loop;
// tests may run fn synchronously.
type DeferFunc func(fn func(), inISR bool)
