package net

import (
	"time"

	"github.com/sirupsen/logrus"
)

// TCPConfig holds the NetworkTransport parameters for a TCP transport.
type TCPConfig struct {
	BindAddr      string
	AdvertiseAddr string
	// MaxPool is the number of idle connections kept per peer.
	MaxPool int
	// Timeout applies to announce and fetch exchanges.
	Timeout time.Duration
	// JoinTimeout applies to exchanges that carry a proof of work.
	JoinTimeout time.Duration
	// MaxFrame bounds a single frame. Zero means DefaultMaxFrame.
	MaxFrame int
}

// NewTCPTransport returns a NetworkTransport that is built on top of
// a TCP streaming transport layer, with log output going to the supplied Logger
func NewTCPTransport(conf TCPConfig, logger *logrus.Entry) (*NetworkTransport, error) {
	stream, err := newTCPStreamLayer(conf.BindAddr, conf.AdvertiseAddr)
	if err != nil {
		return nil, err
	}

	trans := NewNetworkTransport(stream, conf.MaxPool, conf.Timeout, conf.JoinTimeout, logger)
	if conf.MaxFrame > 0 {
		trans.maxFrame = conf.MaxFrame
	}
	return trans, nil
}
