package tp

// Bus is the adapter the host implements around the physical medium. All
// three operations are non-blocking from the engine's point of view: Read
// and Send act on exactly one frame and report failure synchronously, with
// no implicit retry.
type Bus interface {
	// Available reports whether at least one inbound frame is ready.
	Available() bool
	// Read consumes one frame into f.
	Read(f *Frame) error
	// Send transmits one frame.
	Send(f *Frame) error
}

// MessageHandler receives completed inbound messages: addr is the sender's
// frame identifier forwarded verbatim (flag bits included), payload is only
// valid for the duration of the call. Handlers must not call back into the
// engine's Send or Publish.
type MessageHandler func(addr uint32, payload []byte)

// AvailableFunc, ReadFunc and SendFunc mirror the three bus hooks for hosts
// that inject bare functions instead of implementing Bus.
type (
	AvailableFunc func() bool
	ReadFunc      func(f *Frame) error
	SendFunc      func(f *Frame) error
)

// BusFuncs adapts three hook functions to the Bus interface.
type BusFuncs struct {
	AvailableFn AvailableFunc
	ReadFn      ReadFunc
	SendFn      SendFunc
}

func (b BusFuncs) Available() bool {
	if b.AvailableFn == nil {
		return false
	}
	return b.AvailableFn()
}

func (b BusFuncs) Read(f *Frame) error {
	if b.ReadFn == nil {
		return BusReadError{NewTransportError("no read hook installed")}
	}
	return b.ReadFn(f)
}

func (b BusFuncs) Send(f *Frame) error {
	if b.SendFn == nil {
		return BusSendError{NewTransportError("no send hook installed")}
	}
	return b.SendFn(f)
}
