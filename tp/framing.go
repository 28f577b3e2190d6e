package tp

import "fmt"

// FrameClass is the frame class tag carried in the high nibble of byte 0.
type FrameClass byte

const (
	ClassSingle FrameClass = iota
	ClassFirst
	ClassConsecutive
	ClassFlow
)

func (c FrameClass) String() string {
	switch c {
	case ClassSingle:
		return "SINGLE_FRAME"
	case ClassFirst:
		return "FIRST_FRAME"
	case ClassConsecutive:
		return "CONSECUTIVE_FRAME"
	case ClassFlow:
		return "FLOW_CONTROL"
	default:
		return "[None]"
	}
}

// Flow control status values. The state machine decodes these but does not
// act on them; the handshake is not used to pace transmission.
const (
	FlowClear byte = 0
	FlowWait  byte = 1
	FlowAbort byte = 2
)

const (
	// MaxTransferSize is the largest payload the 12-bit first-frame length
	// field can declare, and therefore the largest message the engine will
	// segment or reassemble.
	MaxTransferSize = 4095

	// singleFrameMax is the largest payload carried by a single frame.
	singleFrameMax = 7
	// firstFrameChunk is the payload carried by a first frame.
	firstFrameChunk = 6
	// consecutiveChunk is the largest payload carried by a consecutive frame.
	consecutiveChunk = 7

	classMask = 0x0F
)

// Classify extracts the frame class tag from byte 0 of a frame.
func Classify(b byte) FrameClass {
	return FrameClass(b >> 4)
}

// SingleFrame is a complete message in one frame.
type SingleFrame struct {
	Data []byte
}

// FirstFrame opens a multi-frame transfer and carries the first six bytes.
type FirstFrame struct {
	TotalSize int
	Data      []byte
}

// ConsecutiveFrame continues a multi-frame transfer.
type ConsecutiveFrame struct {
	Index int
	Data  []byte
}

// FlowControlFrame is recognized on the wire but carries no protocol effect.
type FlowControlFrame struct {
	Status         byte
	BlockSize      byte
	SeparationTime byte
}

// ParseFrame decodes one bus frame into its typed representation. The
// returned value is one of *SingleFrame, *FirstFrame, *ConsecutiveFrame or
// *FlowControlFrame. Malformed frames yield a MalformedFrameError; callers
// drop them silently.
func ParseFrame(f *Frame) (interface{}, error) {
	if f.Len == 0 {
		return nil, MalformedFrameError{NewTransportError("empty frame")}
	}

	switch Classify(f.Data[0]) {
	case ClassSingle:
		size := int(f.Data[0] & classMask)
		if size < 1 || size > singleFrameMax {
			return nil, MalformedFrameError{NewTransportError(fmt.Sprintf("single frame size %d out of range", size))}
		}
		if size != int(f.Len)-1 {
			return nil, MalformedFrameError{NewTransportError(fmt.Sprintf("single frame size %d does not match frame length %d", size, f.Len))}
		}
		return &SingleFrame{Data: f.Data[1 : 1+size]}, nil

	case ClassFirst:
		if f.Len < 2 {
			return nil, MalformedFrameError{NewTransportError("first frame shorter than 2 bytes")}
		}
		size := (int(f.Data[0]&classMask) << 8) | int(f.Data[1])
		if size < FrameDataSize || size > MaxTransferSize {
			return nil, MalformedFrameError{NewTransportError(fmt.Sprintf("first frame declares %d bytes", size))}
		}
		return &FirstFrame{TotalSize: size, Data: f.Data[2:FrameDataSize]}, nil

	case ClassConsecutive:
		if f.Len < 1 {
			return nil, MalformedFrameError{NewTransportError("consecutive frame missing header")}
		}
		return &ConsecutiveFrame{Index: int(f.Data[0] & classMask), Data: f.Data[1:f.Len]}, nil

	case ClassFlow:
		if f.Len < 3 {
			return nil, MalformedFrameError{NewTransportError("flow control frame shorter than 3 bytes")}
		}
		status := f.Data[0] & classMask
		if status > FlowAbort {
			return nil, MalformedFrameError{NewTransportError(fmt.Sprintf("unknown flow status %d", status))}
		}
		return &FlowControlFrame{Status: status, BlockSize: f.Data[1], SeparationTime: f.Data[2]}, nil

	default:
		return nil, MalformedFrameError{NewTransportError(fmt.Sprintf("unknown frame class %d", Classify(f.Data[0])))}
	}
}

// EncodeSingleFrame writes a single frame for payload into f.
// len(payload) must be 1..7.
func EncodeSingleFrame(f *Frame, id uint32, payload []byte) error {
	if len(payload) < 1 || len(payload) > singleFrameMax {
		return InvalidArgumentError{NewTransportError(fmt.Sprintf("single frame payload must be 1..%d bytes, got %d", singleFrameMax, len(payload)))}
	}
	f.ID = id
	f.Data = [FrameDataSize]byte{}
	f.Data[0] = byte(ClassSingle)<<4 | byte(len(payload))
	copy(f.Data[1:], payload)
	f.Len = uint8(1 + len(payload))
	return nil
}

// EncodeFirstFrame writes the opening frame of a multi-frame transfer into
// f: the 12-bit total size and the first six payload bytes.
func EncodeFirstFrame(f *Frame, id uint32, totalSize int, payload []byte) error {
	if totalSize <= singleFrameMax || totalSize > MaxTransferSize {
		return InvalidArgumentError{NewTransportError(fmt.Sprintf("first frame total size must be %d..%d, got %d", singleFrameMax+1, MaxTransferSize, totalSize))}
	}
	if len(payload) < firstFrameChunk {
		return InvalidArgumentError{NewTransportError("first frame needs at least 6 payload bytes")}
	}
	f.ID = id
	f.Data = [FrameDataSize]byte{}
	f.Data[0] = byte(ClassFirst)<<4 | byte(totalSize>>8)&classMask
	f.Data[1] = byte(totalSize)
	copy(f.Data[2:], payload[:firstFrameChunk])
	f.Len = FrameDataSize
	return nil
}

// EncodeConsecutiveFrame writes the next chunk of a multi-frame transfer
// into f. The counter wraps modulo 16; chunk carries up to 7 bytes.
func EncodeConsecutiveFrame(f *Frame, id uint32, counter int, chunk []byte) error {
	if len(chunk) < 1 || len(chunk) > consecutiveChunk {
		return InvalidArgumentError{NewTransportError(fmt.Sprintf("consecutive frame chunk must be 1..%d bytes, got %d", consecutiveChunk, len(chunk)))}
	}
	f.ID = id
	f.Data = [FrameDataSize]byte{}
	f.Data[0] = byte(ClassConsecutive)<<4 | byte(counter&classMask)
	copy(f.Data[1:], chunk)
	f.Len = uint8(1 + len(chunk))
	return nil
}

// EncodeFlowControlFrame writes a flow control frame into f. Provided for
// wire-grammar completeness; the engine never emits one.
func EncodeFlowControlFrame(f *Frame, id uint32, status, blockSize, separationTime byte) error {
	if status > FlowAbort {
		return InvalidArgumentError{NewTransportError(fmt.Sprintf("unknown flow status %d", status))}
	}
	f.ID = id
	f.Data = [FrameDataSize]byte{}
	f.Data[0] = byte(ClassFlow)<<4 | status
	f.Data[1] = blockSize
	f.Data[2] = separationTime
	f.Len = 3
	return nil
}
