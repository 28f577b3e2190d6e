package driver

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/LoveWonYoung/cantt/tp"
)

func startBridgePair(t *testing.T) (*Bridge, *Bridge) {
	t.Helper()
	server, err := NewBridge(BridgeConfig{Address: "127.0.0.1:0", IsServer: true})
	if err != nil {
		t.Fatalf("server bridge failed: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	client, err := NewBridge(BridgeConfig{Address: server.Addr().String()})
	if err != nil {
		t.Fatalf("client bridge failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	// The server only sees the stream once the first record arrives, so
	// connection checks happen after the first send.
	return server, client
}

func TestBridgeCarriesFrames(t *testing.T) {
	server, client := startBridgePair(t)

	f := tp.Frame{ID: tp.FlagExtended | 0x18DAF110, Len: 5, Data: [8]byte{0x04, 0xDE, 0xAD, 0xBE, 0xEF}}
	if err := client.Send(&f); err != nil {
		t.Fatalf("client send failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !server.Available() {
		if time.Now().After(deadline) {
			t.Fatal("frame never arrived at the server")
		}
		time.Sleep(5 * time.Millisecond)
	}
	var got tp.Frame
	if err := server.Read(&got); err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if got != f {
		t.Fatalf("frame mismatch: %v != %v", got, f)
	}
	if !server.Connected() {
		t.Fatal("server should report the peer connected after the first record")
	}

	// And back the other way.
	f2 := tp.Frame{ID: 0x321, Len: 2, Data: [8]byte{0x01, 0x42}}
	if err := server.Send(&f2); err != nil {
		t.Fatalf("server send failed: %v", err)
	}
	deadline = time.Now().Add(5 * time.Second)
	for !client.Available() {
		if time.Now().After(deadline) {
			t.Fatal("frame never arrived at the client")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := client.Read(&got); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if got != f2 {
		t.Fatalf("frame mismatch: %v != %v", got, f2)
	}
}

func TestBridgeSendWithoutPeer(t *testing.T) {
	server, err := NewBridge(BridgeConfig{Address: "127.0.0.1:0", IsServer: true})
	if err != nil {
		t.Fatalf("server bridge failed: %v", err)
	}
	defer server.Close()

	f := tp.Frame{ID: 0x100, Len: 1, Data: [8]byte{0x01}}
	if err := server.Send(&f); err == nil {
		t.Fatal("expected send failure with no peer attached")
	}
}

func TestEnginesAcrossBridge(t *testing.T) {
	server, client := startBridgePair(t)

	params := tp.NewParams()
	params.StateTimeout = 2000
	params.WaitTime = 0

	var got []byte
	rxParams := params
	receiver, err := tp.New(0x200, server, func(from uint32, payload []byte) {
		got = append([]byte{}, payload...)
	}, &rxParams)
	if err != nil {
		t.Fatalf("receiver engine failed: %v", err)
	}
	receiver.Begin()

	txParams := params
	sender, err := tp.New(0x100, client, nil, &txParams)
	if err != nil {
		t.Fatalf("sender engine failed: %v", err)
	}
	sender.Begin()

	payload := make([]byte, 33)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	if err := sender.Send(payload); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for got == nil && time.Now().Before(deadline) {
		sender.Tick()
		receiver.Tick()
		time.Sleep(time.Millisecond)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("delivery mismatch: %d bytes delivered", len(got))
	}
}

func TestBridgeAddr(t *testing.T) {
	server, err := NewBridge(BridgeConfig{Address: "127.0.0.1:0", IsServer: true})
	if err != nil {
		t.Fatalf("server bridge failed: %v", err)
	}
	defer server.Close()
	if _, ok := server.Addr().(*net.UDPAddr); !ok {
		t.Fatalf("expected a UDP listen address, got %T", server.Addr())
	}
}
