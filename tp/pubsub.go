package tp

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/chmike/cmac-go"
)

// KindPublish tags a publish record in the message codec.
const KindPublish = 0x03

// publishOverhead is the kind byte plus the two little-endian u16 length
// prefixes.
const publishOverhead = 5

// Publication is a decoded publish record: a topic and an opaque payload.
type Publication struct {
	Topic   []byte
	Payload []byte
}

// EncodePublish builds the wire form of a publish record:
//
//	byte 0     kind (0x03)
//	bytes 1..2 topic length, little endian
//	topic bytes
//	2 bytes    payload length, little endian
//	payload bytes
//
// The encoded record must fit a single transport message.
func EncodePublish(topic, payload []byte) ([]byte, error) {
	if len(topic) > 0xFFFF || len(payload) > 0xFFFF {
		return nil, InvalidArgumentError{NewTransportError("topic or payload exceeds 65535 bytes")}
	}
	total := publishOverhead + len(topic) + len(payload)
	if total > MaxTransferSize {
		return nil, InvalidArgumentError{NewTransportError(fmt.Sprintf("encoded publish of %d bytes exceeds %d", total, MaxTransferSize))}
	}

	buf := make([]byte, 0, total)
	buf = append(buf, KindPublish)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(topic)))
	buf = append(buf, topic...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

// DecodePublish parses the wire form produced by EncodePublish. The
// returned slices alias data.
func DecodePublish(data []byte) (*Publication, error) {
	if len(data) < publishOverhead {
		return nil, CodecError{NewTransportError(fmt.Sprintf("publish record shorter than %d bytes", publishOverhead))}
	}
	if data[0] != KindPublish {
		return nil, CodecError{NewTransportError(fmt.Sprintf("unknown message kind %#02x", data[0]))}
	}
	topicLen := int(binary.LittleEndian.Uint16(data[1:3]))
	if len(data) < 3+topicLen+2 {
		return nil, CodecError{NewTransportError("publish record truncated inside topic")}
	}
	topic := data[3 : 3+topicLen]
	payloadLen := int(binary.LittleEndian.Uint16(data[3+topicLen:]))
	rest := data[3+topicLen+2:]
	if len(rest) < payloadLen {
		return nil, CodecError{NewTransportError("publish record truncated inside payload")}
	}
	return &Publication{Topic: topic, Payload: rest[:payloadLen]}, nil
}

// Publish encodes topic and payload as a publish record and transmits it to
// the engine's own address.
func (e *Engine) Publish(topic, payload []byte) error {
	return e.PublishTo(e.address, topic, payload)
}

// PublishTo encodes topic and payload as a publish record and transmits it
// to addr via SendTo.
func (e *Engine) PublishTo(addr uint32, topic, payload []byte) error {
	msg, err := EncodePublish(topic, payload)
	if err != nil {
		return err
	}
	return e.SendTo(addr, msg)
}

// PublicationHandler receives decoded publish records along with the
// sender's frame identifier.
type PublicationHandler func(addr uint32, p *Publication)

// Mux routes decoded publish records to handlers by exact topic match. Its
// Handler method plugs directly into an engine; messages that do not decode
// as publish records are ignored.
type Mux struct {
	handlers map[string]PublicationHandler
	fallback PublicationHandler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]PublicationHandler)}
}

// Handle registers h for an exact topic.
func (m *Mux) Handle(topic string, h PublicationHandler) {
	m.handlers[topic] = h
}

// Default registers the handler for topics with no exact match.
func (m *Mux) Default(h PublicationHandler) {
	m.fallback = h
}

// Dispatch decodes one transport message and routes it. Non-publish
// messages return a CodecError and are otherwise ignored.
func (m *Mux) Dispatch(addr uint32, data []byte) error {
	p, err := DecodePublish(data)
	if err != nil {
		return err
	}
	if h, ok := m.handlers[string(p.Topic)]; ok {
		h(addr, p)
		return nil
	}
	if m.fallback != nil {
		m.fallback(addr, p)
	}
	return nil
}

// Handler adapts the mux to the engine's completion callback.
func (m *Mux) Handler() MessageHandler {
	return func(addr uint32, payload []byte) {
		_ = m.Dispatch(addr, payload)
	}
}

// TagSize is the length of the truncated AES-CMAC tag an Authenticator
// appends to sealed messages.
const TagSize = 8

// Authenticator seals and opens transport payloads with a truncated
// AES-CMAC tag. The transport treats sealed payloads as opaque bytes, so
// authenticated and plain nodes share the same wire grammar; an opened
// payload is typically handed on to DecodePublish.
type Authenticator struct {
	mac hash.Hash
}

// NewAuthenticator builds an authenticator from an AES key (16, 24 or 32
// bytes).
func NewAuthenticator(key []byte) (*Authenticator, error) {
	mac, err := cmac.New(aes.NewCipher, key)
	if err != nil {
		return nil, InvalidArgumentError{NewTransportError(fmt.Sprintf("cmac key: %v", err))}
	}
	return &Authenticator{mac: mac}, nil
}

// Seal appends the truncated tag over msg. The result must still fit a
// transport message when handed to Send.
func (a *Authenticator) Seal(msg []byte) ([]byte, error) {
	if len(msg)+TagSize > MaxTransferSize {
		return nil, InvalidArgumentError{NewTransportError(fmt.Sprintf("sealed message of %d bytes exceeds %d", len(msg)+TagSize, MaxTransferSize))}
	}
	out := make([]byte, 0, len(msg)+TagSize)
	out = append(out, msg...)
	return append(out, a.tag(msg)...), nil
}

// Open verifies and strips the tag, returning the original message. The
// returned slice aliases sealed.
func (a *Authenticator) Open(sealed []byte) ([]byte, error) {
	if len(sealed) <= TagSize {
		return nil, AuthenticationError{NewTransportError("sealed message shorter than its tag")}
	}
	msg := sealed[:len(sealed)-TagSize]
	want := sealed[len(sealed)-TagSize:]
	if subtle.ConstantTimeCompare(a.tag(msg), want) != 1 {
		return nil, AuthenticationError{}
	}
	return msg, nil
}

func (a *Authenticator) tag(msg []byte) []byte {
	a.mac.Reset()
	a.mac.Write(msg)
	return a.mac.Sum(nil)[:TagSize]
}
