// Package net implements the synchronization protocol messages and the
// transports that carry them between peers.
//
// Every message is one tag byte followed by the Core Deterministic CBOR
// encoding of the message struct (see Encode and Decode):
//
//	1 Announce        heads and earliest verified admin anchor
//	2 FetchRequest    nodes wanted by hash
//	3 FetchResponse   the nodes
//	4 SketchExchange  an IBLT over a rank range, with its proof of work
//	5 DecodeFailure   the sketch difference did not peel
//	6 PoWChallenge    request or issue a challenge
//	7 PoWSolution     answer a join challenge
//	8 AdminGossip     push the hash of a new admin node
//	9 SketchResult    the peeled difference of a SketchExchange
//
// There are two implementations of the Transport interface:
//
// - Inmem: in-memory transport used for tests and single-process simulations.
// Messages still go through the wire codec so peers never share memory.
//
// - TCP: a NetworkTransport over plain TCP with pooled connections. Requests
// and replies are length-prefixed frames.
package net
