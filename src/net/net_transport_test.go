package net

import (
	"bufio"
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/dag"
)

func TestDecodeRejectsUnknownTags(t *testing.T) {
	if _, err := Decode(nil); err != ErrEmptyMessage {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := Decode([]byte{0x42, 0xa0}); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}

	data, err := Encode(&AdminGossip{Rank: 3})
	if err != nil {
		t.Fatal(err)
	}
	if MessageType(data[0]) != TypeAdminGossip {
		t.Fatalf("tag byte should be %d, not %d", TypeAdminGossip, data[0])
	}
	// Trailing garbage is not a valid CBOR item.
	if _, err := Decode(append(data, 0xff)); err == nil {
		t.Fatalf("Decode should reject trailing bytes")
	}
}

func TestFrameLimit(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeFrame(w, make([]byte, 100)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	raw := buf.Bytes()
	if _, err := readFrame(bufio.NewReader(bytes.NewReader(raw)), 99); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	data, err := readFrame(bufio.NewReader(bytes.NewReader(raw)), 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(data))
	}
}

func TestNetworkTransport_PooledConn(t *testing.T) {
	conf := TCPConfig{
		BindAddr:    "127.0.0.1:0",
		MaxPool:     2,
		Timeout:     time.Second,
		JoinTimeout: time.Second,
	}

	// Transport 1 is consumer
	trans1, err := NewTCPTransport(conf, common.NewTestEntry(t, "net"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer trans1.Close()
	go trans1.Listen()
	rpcCh := trans1.Consumer()

	args := &FetchRequest{
		Conversation: testHash("conversation"),
		Hashes:       []dag.Hash{testHash("a")},
	}
	resp := &FetchResponse{
		Conversation: testHash("conversation"),
		Nodes:        testNodes(),
	}

	// Listen for requests
	go func() {
		for {
			select {
			case rpc := <-rpcCh:
				rpc.Respond(resp, nil)
			case <-time.After(time.Second):
				return
			}
		}
	}()

	// Transport 2 makes outbound requests
	trans2, err := NewTCPTransport(conf, common.NewTestEntry(t, "net"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer trans2.Close()

	// Create wait group
	wg := &sync.WaitGroup{}
	wg.Add(5)

	appendFunc := func() {
		defer wg.Done()
		out, err := trans2.Send(trans1.AdvertiseAddr(), args)
		if err != nil {
			t.Errorf("err: %v", err)
			return
		}
		fr, ok := out.(*FetchResponse)
		if !ok || len(fr.Nodes) != len(resp.Nodes) {
			t.Errorf("response mismatch: %#v", out)
		}
	}

	// Try to do parallel appends, should stress the conn pool
	for i := 0; i < 5; i++ {
		go appendFunc()
	}

	// Wait for the routines to finish
	wg.Wait()

	// Check the conn pool size
	addr := trans1.AdvertiseAddr()
	trans2.connPoolLock.Lock()
	pooled := len(trans2.connPool[addr])
	trans2.connPoolLock.Unlock()
	if pooled != 2 {
		t.Fatalf("Expected 2 pooled conns, got %d", pooled)
	}
}
