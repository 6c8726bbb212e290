package net

import (
	"testing"

	"github.com/mosaicnetworks/murmur/src/common"
)

func TestTCPTransport_BadAddr(t *testing.T) {
	_, err := NewTCPTransport(TCPConfig{BindAddr: "0.0.0.0:0", MaxPool: 1}, common.NewTestEntry(t, "net"))
	if err != errNotAdvertisable {
		t.Fatalf("err: %v", err)
	}
}

func TestTCPTransport_WithAdvertise(t *testing.T) {
	trans, err := NewTCPTransport(TCPConfig{
		BindAddr:      "0.0.0.0:0",
		AdvertiseAddr: "127.0.0.1:12345",
		MaxPool:       1,
	}, common.NewTestEntry(t, "net"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer trans.Close()
	if trans.AdvertiseAddr() != "127.0.0.1:12345" {
		t.Fatalf("bad: %v", trans.AdvertiseAddr())
	}
}
