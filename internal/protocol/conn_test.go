package protocol

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func pipePair() (*Conn, *Conn) {
	a, b := net.Pipe()
	return NewConn(a), NewConn(b)
}

func TestJSONFrameRoundTrip(t *testing.T) {
	client, server := pipePair()
	defer client.Close()
	defer server.Close()

	go func() {
		client.WriteJSON(Command{Command: CmdPing, Sleep: 5})
	}()

	var cmd Command
	if err := server.ReadJSON(&cmd); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if cmd.Command != CmdPing || cmd.Sleep != 5 {
		t.Errorf("cmd = %+v", cmd)
	}
}

func TestFrameWithPayload(t *testing.T) {
	client, server := pipePair()
	defer client.Close()
	defer server.Close()

	payload := []byte("hello world")
	go func() {
		opid := uint64(1)
		client.WriteFrame(Command{Command: CmdAdd, Group: "foo", Timestamp: 172800, Size: uint64(len(payload)), Opid: &opid}, payload)
		client.WriteJSON(Command{Command: CmdResults})
	}()

	var cmd Command
	if err := server.ReadJSON(&cmd); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	got, err := server.ReadPayload(cmd.Size)
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q", got)
	}

	// The next JSON frame parses cleanly after the payload.
	var next Command
	if err := server.ReadJSON(&next); err != nil {
		t.Fatalf("ReadJSON after payload: %v", err)
	}
	if next.Command != CmdResults {
		t.Errorf("next = %+v", next)
	}
}

func TestInvalidJSON(t *testing.T) {
	a, b := net.Pipe()
	server := NewConn(b)
	defer a.Close()
	defer server.Close()

	go a.Write([]byte("{not json}\n"))

	var cmd Command
	if err := server.ReadJSON(&cmd); !errors.Is(err, ErrInvalidJSON) {
		t.Errorf("err = %v, want ErrInvalidJSON", err)
	}
}

func TestTruncatedPayload(t *testing.T) {
	a, b := net.Pipe()
	server := NewConn(b)
	defer server.Close()

	go func() {
		a.Write([]byte(`{"command":"add","size":10}` + "\n" + "only4"))
		a.Close()
	}()

	var cmd Command
	if err := server.ReadJSON(&cmd); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if _, err := server.ReadPayload(cmd.Size); !errors.Is(err, ErrTruncated) {
		t.Errorf("err = %v, want ErrTruncated", err)
	}
}

func TestOpidAbsentVsZero(t *testing.T) {
	client, server := pipePair()
	defer client.Close()
	defer server.Close()

	go func() {
		zero := uint64(0)
		client.WriteJSON(Command{Command: CmdAdd, Opid: &zero})
		client.WriteJSON(Command{Command: CmdGetToc})
	}()

	var withZero, without Command
	if err := server.ReadJSON(&withZero); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if withZero.Opid == nil || *withZero.Opid != 0 {
		t.Error("opid 0 did not survive the wire")
	}
	if err := server.ReadJSON(&without); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if without.Opid != nil {
		t.Error("absent opid decoded as present")
	}
}
