package tp

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodePublishWire(t *testing.T) {
	msg, err := EncodePublish([]byte("t"), []byte("hi"))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	want := []byte{0x03, 0x01, 0x00, 't', 0x02, 0x00, 'h', 'i'}
	if !bytes.Equal(msg, want) {
		t.Fatalf("unexpected encoding:\ngot  %x\nwant %x", msg, want)
	}
}

func TestDecodePublishRoundTrip(t *testing.T) {
	topic := []byte("sensors/temperature")
	payload := []byte{0x01, 0x02, 0x03, 0x00, 0xFF}
	msg, err := EncodePublish(topic, payload)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	p, err := DecodePublish(msg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !bytes.Equal(p.Topic, topic) || !bytes.Equal(p.Payload, payload) {
		t.Fatalf("round trip mismatch: topic=%q payload=%x", p.Topic, p.Payload)
	}
}

func TestDecodePublishMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x03, 0x01},                              // shorter than the fixed overhead
		{0x04, 0x01, 0x00, 't', 0x00, 0x00},       // unknown kind
		{0x03, 0x10, 0x00, 't'},                   // truncated inside topic
		{0x03, 0x01, 0x00, 't', 0x05, 0x00, 'h'}, // truncated inside payload
	}
	for i, data := range cases {
		if _, err := DecodePublish(data); err == nil {
			t.Errorf("case %d: expected decode error", i)
		}
	}
}

func TestEncodePublishOversize(t *testing.T) {
	topic := make([]byte, 100)
	payload := make([]byte, MaxTransferSize-100)
	var ia InvalidArgumentError
	if _, err := EncodePublish(topic, payload); !errors.As(err, &ia) {
		t.Fatalf("expected InvalidArgumentError, got %v", err)
	}
	// Exactly at the bound is fine.
	payload = make([]byte, MaxTransferSize-100-publishOverhead)
	if _, err := EncodePublish(topic, payload); err != nil {
		t.Fatalf("bound-sized publish rejected: %v", err)
	}
}

func TestPublishEmitsTwoFrames(t *testing.T) {
	// The 8-byte encoded record no longer fits a single frame.
	bus := &scriptedBus{}
	e := newTestEngine(t, 0x100, bus, nil, nil)

	if err := e.PublishTo(0x200, []byte("t"), []byte("hi")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	pump(e, 8)

	if len(bus.sent) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(bus.sent))
	}
	wantFF := []byte{0x10, 0x08, 0x03, 0x01, 0x00, 't', 0x02, 0x00}
	if !bytes.Equal(bus.sent[0].Data[:], wantFF) {
		t.Fatalf("unexpected first frame: %x", bus.sent[0].Data)
	}
	cf := bus.sent[1]
	if cf.Len != 3 || !bytes.Equal(cf.Data[:3], []byte{0x21, 'h', 'i'}) {
		t.Fatalf("unexpected consecutive frame: len=%d data=%x", cf.Len, cf.Data[:3])
	}
}

func TestMuxDispatch(t *testing.T) {
	m := NewMux()
	var gotTemp, gotOther *Publication
	var gotAddr uint32
	m.Handle("temp", func(addr uint32, p *Publication) {
		gotAddr = addr
		gotTemp = p
	})
	m.Default(func(addr uint32, p *Publication) {
		gotOther = p
	})

	msg, _ := EncodePublish([]byte("temp"), []byte("21.5"))
	if err := m.Dispatch(0x050, msg); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if gotTemp == nil || !bytes.Equal(gotTemp.Payload, []byte("21.5")) {
		t.Fatalf("registered handler did not fire: %+v", gotTemp)
	}
	if gotAddr != 0x050 {
		t.Fatalf("unexpected sender address %#x", gotAddr)
	}

	msg, _ = EncodePublish([]byte("humidity"), []byte("40"))
	if err := m.Dispatch(0x051, msg); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if gotOther == nil || string(gotOther.Topic) != "humidity" {
		t.Fatalf("default handler did not fire: %+v", gotOther)
	}
}

func TestMuxIgnoresNonPublish(t *testing.T) {
	m := NewMux()
	fired := false
	m.Default(func(addr uint32, p *Publication) { fired = true })

	handler := m.Handler()
	handler(0x050, []byte{0x01, 0x02, 0x03})
	if fired {
		t.Fatal("non-publish message must not reach handlers")
	}
}

func TestEngineToMuxEndToEnd(t *testing.T) {
	bus := &scriptedBus{}
	m := NewMux()
	var got *Publication
	m.Handle("t", func(addr uint32, p *Publication) {
		got = &Publication{
			Topic:   append([]byte{}, p.Topic...),
			Payload: append([]byte{}, p.Payload...),
		}
	})
	e := newTestEngine(t, 0x100, bus, m.Handler(), nil)

	// The two frames of scenario: publish("t", "hi") from peer 0x200.
	bus.push(0x200, 0x10, 0x08, 0x03, 0x01, 0x00, 't', 0x02, 0x00)
	bus.push(0x200, 0x21, 'h', 'i')
	pump(e, 8)

	if got == nil {
		t.Fatal("publication not delivered")
	}
	if string(got.Topic) != "t" || string(got.Payload) != "hi" {
		t.Fatalf("unexpected publication: topic=%q payload=%q", got.Topic, got.Payload)
	}
}

func TestAuthenticatorSealOpen(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	a, err := NewAuthenticator(key)
	if err != nil {
		t.Fatalf("NewAuthenticator failed: %v", err)
	}

	msg, _ := EncodePublish([]byte("t"), []byte("hi"))
	sealed, err := a.Seal(msg)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if len(sealed) != len(msg)+TagSize {
		t.Fatalf("expected %d sealed bytes, got %d", len(msg)+TagSize, len(sealed))
	}

	opened, err := a.Open(sealed)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(opened, msg) {
		t.Fatalf("open returned different message: %x", opened)
	}
}

func TestAuthenticatorRejectsTamper(t *testing.T) {
	a, err := NewAuthenticator(bytes.Repeat([]byte{0x42}, 16))
	if err != nil {
		t.Fatalf("NewAuthenticator failed: %v", err)
	}
	sealed, err := a.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	sealed[0] ^= 0x01
	var authErr AuthenticationError
	if _, err := a.Open(sealed); !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}

	if _, err := a.Open([]byte{0x01}); !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError for short input, got %v", err)
	}
}

func TestAuthenticatorRejectsBadKey(t *testing.T) {
	if _, err := NewAuthenticator([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for 2-byte key")
	}
}
