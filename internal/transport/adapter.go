// ============================================================================
// FEP Transport - Transmission Adapter
// ============================================================================
//
// Package: internal/transport
// File: adapter.go
// Purpose: Defines the transmission surface the timing core publishes and
//          receives signals, commands and notifications through.
//
// Implementations:
//   - Bus/Endpoint: in-process federation, several participants in one process
//   - GrpcAdapter:  one participant per process, peers reached over gRPC
//
// Delivery:
//   Every receiving participant owns one ordered inbox drained by a single
//   goroutine, so samples from one sender arrive in send order. A participant
//   receives its own samples when it listens to a signal it also publishes
//   (the timing master and its co-located client share one adapter).
//
// ============================================================================

package transport

import (
	"fmt"
	"sync"

	"github.com/audi/fep-participant-sub001/pkg/types"
)

// Direction of a registered signal.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

// Broadcast addresses every participant.
const Broadcast = "*"

// Message kinds used by the timing protocol.
const (
	KindGetSchedule = "get_schedule"
	KindSchedule    = "schedule"
)

// Signal describes a signal at registration.
type Signal struct {
	Name      string
	Type      string
	Size      int // fixed payload size for raw signals, 0 for variable
	Direction Direction
	Raw       bool
	Reliable  bool
}

// Handle identifies a registered signal.
type Handle struct {
	id     uint64
	signal Signal
}

// Signal returns the descriptor the handle was registered with.
func (h *Handle) Signal() Signal {
	return h.signal
}

// Name returns the signal name.
func (h *Handle) Name() string {
	return h.signal.Name
}

// Sample is one received data sample.
type Sample struct {
	Signal string
	Sender string
	Time   int64
	Data   []byte
}

// Message is a command or notification.
type Message struct {
	Kind     string `json:"kind"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Body     []byte `json:"body"`
}

// ListenerID identifies a registered listener.
type ListenerID uint64

// DataListener receives samples of one signal.
type DataListener func(Sample)

// MessageListener receives commands or notifications.
type MessageListener func(Message)

// Adapter is the transmission surface consumed by the timing core.
type Adapter interface {
	Name() string

	RegisterSignal(sig Signal) (*Handle, error)
	UnregisterSignal(h *Handle) error

	RegisterDataListener(h *Handle, fn DataListener) (ListenerID, error)
	UnregisterDataListener(h *Handle, id ListenerID) error
	TransmitData(h *Handle, data []byte, simTime int64) error

	RegisterCommandListener(fn MessageListener) ListenerID
	UnregisterCommandListener(id ListenerID)
	TransmitCommand(msg Message) error

	RegisterNotificationListener(fn MessageListener) ListenerID
	UnregisterNotificationListener(id ListenerID)
	TransmitNotification(msg Message) error
}

type kind int

const (
	kindData kind = iota
	kindCommand
	kindNotification
)

type envelope struct {
	kind   kind
	sample Sample
	msg    Message
}

type handleKey struct {
	name      string
	direction Direction
}

// core implements the participant-local half of Adapter. The publish
// function hands an envelope to the federation.
type core struct {
	name    string
	publish func(env envelope) error

	mu         sync.Mutex
	handles    map[handleKey]*Handle
	nextHandle uint64

	d *dispatcher
}

func newCore(name string, publish func(env envelope) error) *core {
	return &core{
		name:    name,
		publish: publish,
		handles: make(map[handleKey]*Handle),
		d:       newDispatcher(),
	}
}

func (c *core) Name() string {
	return c.name
}

func (c *core) RegisterSignal(sig Signal) (*Handle, error) {
	if sig.Name == "" {
		return nil, fmt.Errorf("%w: signal name is empty", types.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := handleKey{sig.Name, sig.Direction}
	if _, ok := c.handles[key]; ok {
		return nil, fmt.Errorf("%w: %s signal %q already registered", types.ErrResourceInUse, sig.Direction, sig.Name)
	}
	c.nextHandle++
	h := &Handle{id: c.nextHandle, signal: sig}
	c.handles[key] = h
	return h, nil
}

func (c *core) UnregisterSignal(h *Handle) error {
	if h == nil {
		return fmt.Errorf("%w: nil handle", types.ErrInvalidArgument)
	}
	c.mu.Lock()
	key := handleKey{h.signal.Name, h.signal.Direction}
	registered, ok := c.handles[key]
	if !ok || registered != h {
		c.mu.Unlock()
		return fmt.Errorf("%w: signal %q is not registered", types.ErrNotFound, h.signal.Name)
	}
	delete(c.handles, key)
	c.mu.Unlock()

	if h.signal.Direction == Input {
		c.d.dropData(h.signal.Name, h.id)
	}
	return nil
}

func (c *core) owns(h *Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	registered, ok := c.handles[handleKey{h.signal.Name, h.signal.Direction}]
	return ok && registered == h
}

func (c *core) RegisterDataListener(h *Handle, fn DataListener) (ListenerID, error) {
	if h == nil || fn == nil {
		return 0, fmt.Errorf("%w: nil handle or listener", types.ErrInvalidArgument)
	}
	if h.signal.Direction != Input {
		return 0, fmt.Errorf("%w: signal %q is not an input", types.ErrInvalidArgument, h.signal.Name)
	}
	if !c.owns(h) {
		return 0, fmt.Errorf("%w: signal %q is not registered", types.ErrNotFound, h.signal.Name)
	}
	return c.d.addData(h.signal.Name, h.id, fn), nil
}

func (c *core) UnregisterDataListener(h *Handle, id ListenerID) error {
	if h == nil {
		return fmt.Errorf("%w: nil handle", types.ErrInvalidArgument)
	}
	if !c.d.removeData(h.signal.Name, id) {
		return fmt.Errorf("%w: listener %d for %q", types.ErrNotFound, id, h.signal.Name)
	}
	return nil
}

func (c *core) TransmitData(h *Handle, data []byte, simTime int64) error {
	if h == nil {
		return fmt.Errorf("%w: nil handle", types.ErrInvalidArgument)
	}
	if h.signal.Direction != Output {
		return fmt.Errorf("%w: signal %q is not an output", types.ErrInvalidArgument, h.signal.Name)
	}
	if h.signal.Raw && h.signal.Size > 0 && len(data) != h.signal.Size {
		return fmt.Errorf("%w: raw signal %q expects %d bytes, got %d", types.ErrInvalidArgument, h.signal.Name, h.signal.Size, len(data))
	}
	if !c.owns(h) {
		return fmt.Errorf("%w: signal %q is not registered", types.ErrNotFound, h.signal.Name)
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	return c.publish(envelope{
		kind:   kindData,
		sample: Sample{Signal: h.signal.Name, Sender: c.name, Time: simTime, Data: payload},
	})
}

func (c *core) RegisterCommandListener(fn MessageListener) ListenerID {
	return c.d.addMessage(kindCommand, fn)
}

func (c *core) UnregisterCommandListener(id ListenerID) {
	c.d.removeMessage(kindCommand, id)
}

func (c *core) TransmitCommand(msg Message) error {
	msg.Sender = c.name
	return c.publish(envelope{kind: kindCommand, msg: msg})
}

func (c *core) RegisterNotificationListener(fn MessageListener) ListenerID {
	return c.d.addMessage(kindNotification, fn)
}

func (c *core) UnregisterNotificationListener(id ListenerID) {
	c.d.removeMessage(kindNotification, id)
}

func (c *core) TransmitNotification(msg Message) error {
	msg.Sender = c.name
	return c.publish(envelope{kind: kindNotification, msg: msg})
}

// accepts reports whether a message addressed to receiver is for this
// participant.
func (c *core) accepts(receiver string) bool {
	return receiver == Broadcast || receiver == c.name
}

// receive queues an envelope that arrived from the federation.
func (c *core) receive(env envelope) {
	if env.kind != kindData && !c.accepts(env.msg.Receiver) {
		return
	}
	c.d.enqueue(env)
}
