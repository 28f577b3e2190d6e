package tp

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// State enumerates the positions of the cooperative state machine.
type State uint8

const (
	StateDisabled State = iota
	StateIdle
	StateCheckRead
	StateRead
	StateParseWhich
	StateCheckSend
	StateSendSingle
	StateSendFirst
	StateSendConsecutive
	StateCheckCollision
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "DISABLED"
	case StateIdle:
		return "IDLE"
	case StateCheckRead:
		return "CHECK_READ"
	case StateRead:
		return "READ"
	case StateParseWhich:
		return "PARSE_WHICH"
	case StateCheckSend:
		return "CHECK_SEND"
	case StateSendSingle:
		return "SEND_SINGLE"
	case StateSendFirst:
		return "SEND_FIRST"
	case StateSendConsecutive:
		return "SEND_CONSECUTIVE"
	case StateCheckCollision:
		return "CHECK_COLLISION"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// Engine carries variable-length messages over a frame bus whose payload is
// limited to eight bytes per frame, segmenting outbound messages and
// reassembling inbound ones. All progress happens inside Tick; the engine
// owns no goroutines and must be driven from a single goroutine, never
// reentrantly.
//
// At most one inbound and one outbound transfer exist at any time.
// Collisions between the two are resolved by address priority: the lower
// 29-bit address wins, matching the bus arbitration order.
type Engine struct {
	address uint32
	bus     Bus
	handler MessageHandler
	params  Params
	log     zerolog.Logger

	state State
	// timer records the clock value at entry into the current state; zero
	// while idle. The state machine forces itself back to idle when a
	// state outlives Params.StateTimeout.
	timer uint32

	// delayStart/delayMS gate progress while an inter-frame or holdoff
	// pause is pending. Tick returns without advancing until the deadline
	// elapses; it never sleeps.
	delayStart uint32
	delayMS    uint32

	rx transfer
	tx transfer
}

// New builds an engine around the given bus adapter. address is this node's
// frame identifier, used for outbound frames and for collision arbitration.
// handler receives completed inbound messages and may be nil. params may be
// nil for defaults.
func New(address uint32, bus Bus, handler MessageHandler, params *Params) (*Engine, error) {
	if bus == nil {
		return nil, InvalidArgumentError{NewTransportError("bus adapter must be provided")}
	}
	p := NewParams()
	if params != nil {
		p = *params
	}
	if err := p.Validate(); err != nil {
		return nil, InvalidArgumentError{NewTransportError(err.Error())}
	}

	return &Engine{
		address: address,
		bus:     bus,
		handler: handler,
		params:  p,
		log:     p.Logger,
		state:   StateDisabled,
	}, nil
}

// Begin moves the machine from DISABLED to IDLE. Calling it again is a
// no-op; the machine stays in its current state with its buffers intact.
func (e *Engine) Begin() {
	if e.state != StateDisabled {
		return
	}
	e.rx.clear()
	e.tx.clear()
	e.delayMS = 0
	e.changeState(StateIdle)
}

// State returns the machine's current state.
func (e *Engine) State() State {
	return e.state
}

// Busy reports whether the machine is doing anything besides waiting.
func (e *Engine) Busy() bool {
	return e.state != StateIdle
}

// Address returns the engine's own frame identifier.
func (e *Engine) Address() uint32 {
	return e.address
}

func (e *Engine) changeState(s State) {
	e.state = s
	if s == StateIdle {
		e.timer = 0
	} else {
		e.timer = e.params.Clock.Millis()
	}
}

// Tick advances the state machine one step. It never blocks: inter-frame
// and holdoff pauses are deadlines checked against the clock. It must be
// called regularly by the host.
func (e *Engine) Tick() {
	if e.state == StateDisabled {
		return
	}

	now := e.params.Clock.Millis()
	if e.timer > now {
		// The millisecond counter wrapped; restart the obligation from
		// here rather than aborting the transfer.
		e.timer = now
	}
	if e.timer > 0 && now-e.timer > e.params.StateTimeout {
		e.triggerError(StateTimeoutError{NewTransportError(fmt.Sprintf("state %s held for more than %d ms", e.state, e.params.StateTimeout))})
		e.rx.clear()
		e.tx.clear()
		e.delayMS = 0
		e.changeState(StateIdle)
	}

	if e.delayMS > 0 {
		if e.delayStart > now {
			e.delayStart = now
		}
		if now-e.delayStart < e.delayMS {
			return
		}
		e.delayMS = 0
	}

	switch e.state {
	case StateIdle, StateCheckRead:
		if e.bus.Available() {
			e.changeState(StateRead)
		} else if e.state == StateIdle && !e.rx.pending() && e.tx.pending() {
			e.changeState(StateCheckSend)
		}

	case StateCheckSend:
		switch {
		case !e.tx.pending():
			e.changeState(StateIdle)
		case e.tx.size <= singleFrameMax:
			e.changeState(StateSendSingle)
		case !e.tx.started():
			e.changeState(StateSendFirst)
		default:
			e.changeState(StateSendConsecutive)
		}

	case StateRead:
		if err := e.readFrame(); err != nil {
			e.changeState(StateCheckRead)
			return
		}
		e.changeState(StateParseWhich)
		if e.tx.pending() {
			// Inbound traffic with a transmission pending: the frames met
			// on the shared bus. Rewind our transfer and arbitrate.
			e.tx.rewind()
			if e.rx.frame.Address() > e.ownAddress() {
				// We hold priority; the peer will retry.
				e.rx.clear()
			} else {
				e.startDelay(e.params.HoldoffDelay)
			}
			e.changeState(StateCheckRead)
		}

	case StateParseWhich:
		e.parseFrame()

	case StateSendSingle:
		if err := e.sendSingle(); err != nil {
			e.abortTx(err)
			return
		}
		e.tx.clear()
		e.changeState(StateIdle)

	case StateSendFirst:
		if err := e.sendFirst(); err != nil {
			e.abortTx(err)
			return
		}
		e.changeState(StateCheckCollision)

	case StateSendConsecutive:
		if err := e.sendConsecutive(); err != nil {
			e.abortTx(err)
			return
		}
		if e.tx.pos >= e.tx.size {
			e.tx.clear()
			e.changeState(StateIdle)
		} else {
			e.startDelay(e.params.WaitTime)
			e.changeState(StateCheckCollision)
		}

	case StateCheckCollision:
		e.checkCollision()
	}
}

// startDelay schedules a pause before the machine advances again. The
// deadline is tracked against the injected clock; Tick polls it and never
// sleeps.
func (e *Engine) startDelay(d time.Duration) {
	ms := uint32(d / time.Millisecond)
	if ms == 0 {
		return
	}
	e.delayStart = e.params.Clock.Millis()
	e.delayMS = ms
}

// ownAddress is the engine identifier with the flag bits stripped, the
// value collision arbitration compares against.
func (e *Engine) ownAddress() uint32 {
	return e.address & AddressMask
}

func (e *Engine) readFrame() error {
	e.rx.frame = Frame{}
	if err := e.bus.Read(&e.rx.frame); err != nil {
		return BusReadError{NewTransportError(fmt.Sprintf("read frame: %v", err))}
	}
	e.rx.address = e.rx.frame.ID
	return nil
}

func (e *Engine) parseFrame() {
	parsed, err := ParseFrame(&e.rx.frame)
	if err != nil {
		// Malformed frames are dropped silently.
		e.log.Debug().Err(err).Msg("dropping malformed frame")
		e.changeState(StateCheckRead)
		return
	}

	switch pdu := parsed.(type) {
	case *SingleFrame:
		// A single frame is complete by itself and leaves any in-progress
		// reassembly untouched.
		e.deliver(e.rx.frame.ID, pdu.Data)
		e.changeState(StateIdle)

	case *FirstFrame:
		e.acceptFirst(pdu)
		e.changeState(StateCheckRead)

	case *ConsecutiveFrame:
		if e.acceptConsecutive(pdu) {
			e.changeState(StateIdle)
		} else {
			e.changeState(StateCheckRead)
		}

	default:
		// Flow control: recognized in the grammar, not acted upon.
		e.changeState(StateCheckRead)
	}
}

func (e *Engine) acceptFirst(pdu *FirstFrame) {
	if e.rx.pending() {
		// A new first frame replaces the reassembly in progress; the
		// earlier message is lost and the host is told.
		e.triggerError(ReceptionInterruptedError{NewTransportError(fmt.Sprintf("first frame from %#x replaced reassembly of %d bytes at offset %d", e.rx.frame.Address(), e.rx.size, e.rx.pos))})
	}
	e.rx.size = pdu.TotalSize
	copy(e.rx.payload[:firstFrameChunk], pdu.Data)
	e.rx.pos = firstFrameChunk
	e.rx.counter = 1
}

// acceptConsecutive folds one consecutive frame into the reassembly and
// reports whether the transfer completed.
func (e *Engine) acceptConsecutive(pdu *ConsecutiveFrame) bool {
	if !e.rx.pending() {
		// No reassembly in progress; stray frame.
		return false
	}
	if pdu.Index != e.rx.counter&classMask {
		e.triggerError(SequenceError{NewTransportError(fmt.Sprintf("expected index %d, got %d", e.rx.counter&classMask, pdu.Index))})
		e.rx.clear()
		return false
	}

	n := e.rx.size - e.rx.pos
	if n > len(pdu.Data) {
		n = len(pdu.Data)
	}
	copy(e.rx.payload[e.rx.pos:], pdu.Data[:n])
	e.rx.pos += n
	e.rx.counter++

	if e.rx.pos >= e.rx.size {
		e.deliver(e.rx.address, e.rx.payload[:e.rx.size])
		e.rx.clear()
		return true
	}
	return false
}

func (e *Engine) deliver(addr uint32, payload []byte) {
	if e.handler == nil {
		return
	}
	e.handler(addr, payload)
}

func (e *Engine) sendSingle() error {
	if err := EncodeSingleFrame(&e.tx.frame, e.tx.address, e.tx.payload[:e.tx.size]); err != nil {
		return err
	}
	if err := e.bus.Send(&e.tx.frame); err != nil {
		return BusSendError{NewTransportError(fmt.Sprintf("single frame to %#x: %v", e.tx.address&AddressMask, err))}
	}
	return nil
}

func (e *Engine) sendFirst() error {
	if err := EncodeFirstFrame(&e.tx.frame, e.tx.address, e.tx.size, e.tx.payload[:e.tx.size]); err != nil {
		return err
	}
	if err := e.bus.Send(&e.tx.frame); err != nil {
		return BusSendError{NewTransportError(fmt.Sprintf("first frame to %#x: %v", e.tx.address&AddressMask, err))}
	}
	e.tx.pos = firstFrameChunk
	e.tx.counter = 1
	return nil
}

func (e *Engine) sendConsecutive() error {
	k := e.tx.size - e.tx.pos
	if k > consecutiveChunk {
		k = consecutiveChunk
	}
	if err := EncodeConsecutiveFrame(&e.tx.frame, e.tx.address, e.tx.counter, e.tx.payload[e.tx.pos:e.tx.pos+k]); err != nil {
		return err
	}
	if err := e.bus.Send(&e.tx.frame); err != nil {
		return BusSendError{NewTransportError(fmt.Sprintf("consecutive frame %d to %#x: %v", e.tx.counter&classMask, e.tx.address&AddressMask, err))}
	}
	e.tx.pos += k
	e.tx.counter++
	return nil
}

// checkCollision looks for inbound traffic between consecutive frames of
// our own transfer. A first or consecutive frame from a peer means both
// transfers are interleaving on the bus; the lower address proceeds.
func (e *Engine) checkCollision() {
	if !e.bus.Available() {
		e.changeState(StateSendConsecutive)
		return
	}
	if err := e.readFrame(); err != nil {
		// Unrecoverable for both transfers in flight.
		e.triggerError(err)
		e.rx.clear()
		e.tx.clear()
		e.changeState(StateIdle)
		return
	}

	switch Classify(e.rx.frame.Data[0]) {
	case ClassFirst, ClassConsecutive:
		e.tx.rewind()
		if e.rx.frame.Address() > e.ownAddress() {
			// We hold priority; restart our transfer from the first frame.
			e.changeState(StateSendFirst)
		} else {
			// The peer holds priority; service its transfer first.
			e.changeState(StateCheckRead)
		}
	default:
		// Single or flow control traffic does not contend with ours.
		e.changeState(StateSendConsecutive)
	}
}

func (e *Engine) abortTx(err error) {
	e.triggerError(err)
	e.tx.clear()
	e.changeState(StateIdle)
}

func (e *Engine) triggerError(err error) {
	e.log.Debug().Err(err).Stringer("state", e.state).Msg("transfer fault")
	if e.params.ErrorHandler != nil {
		e.params.ErrorHandler(err)
	}
}

// Send transmits payload to the engine's own address, the convention for
// undirected broadcast traffic. See SendTo.
func (e *Engine) Send(payload []byte) error {
	return e.SendTo(e.address, payload)
}

// SendTo validates payload, waits for the machine to become idle (driving
// Tick while it waits, for at most Params.SendTimeout), then commits the
// message for transmission. The payload is copied before SendTo returns;
// transmission itself proceeds across subsequent ticks. Later bus faults
// reach the ErrorHandler, not this return value.
func (e *Engine) SendTo(addr uint32, payload []byte) error {
	if err := validatePayload(payload); err != nil {
		return err
	}
	if err := e.waitUntilIdle(); err != nil {
		return err
	}
	e.commitTx(addr, payload)
	return nil
}

// TrySend is the non-blocking variant of Send: if the machine is not idle
// it returns a BusyError immediately and the caller retries.
func (e *Engine) TrySend(payload []byte) error {
	return e.TrySendTo(e.address, payload)
}

// TrySendTo is the non-blocking variant of SendTo.
func (e *Engine) TrySendTo(addr uint32, payload []byte) error {
	if err := validatePayload(payload); err != nil {
		return err
	}
	if e.state == StateDisabled {
		return DisabledError{}
	}
	if e.state != StateIdle {
		return BusyError{NewTransportError("engine busy")}
	}
	e.commitTx(addr, payload)
	return nil
}

func validatePayload(payload []byte) error {
	if payload == nil {
		return InvalidArgumentError{NewTransportError("payload must not be nil")}
	}
	if len(payload) == 0 || len(payload) > MaxTransferSize {
		return InvalidArgumentError{NewTransportError(fmt.Sprintf("payload length must be 1..%d, got %d", MaxTransferSize, len(payload)))}
	}
	return nil
}

func (e *Engine) commitTx(addr uint32, payload []byte) {
	e.tx.clear()
	e.tx.address = addr
	e.tx.size = len(payload)
	copy(e.tx.payload[:], payload)
	e.changeState(StateCheckSend)
}

func (e *Engine) waitUntilIdle() error {
	if e.state == StateDisabled {
		return DisabledError{}
	}
	start := e.params.Clock.Millis()
	for e.state != StateIdle {
		now := e.params.Clock.Millis()
		if now < start {
			// Counter wrapped mid-wait; bail rather than extend the wait.
			return BusyError{}
		}
		if start+e.params.SendTimeout < now {
			return BusyError{}
		}
		e.Tick()
	}
	return nil
}
