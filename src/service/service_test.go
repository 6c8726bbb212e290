package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/crypto/keys"
	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/mosaicnetworks/murmur/src/net"
	"github.com/mosaicnetworks/murmur/src/node"
	"github.com/mosaicnetworks/murmur/src/peers"
)

// newTestService builds a Service without registering its handlers on the
// DefaultServeMux, so that several tests can run in the same process.
func newTestService(t *testing.T) (*Service, dag.Hash) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	addr, trans := net.NewInmemTransport("", time.Second)
	n := node.NewNode(node.TestConfig(t),
		dag.NewDevice(key, "root"),
		peers.NewPeerSet([]*peers.Peer{peers.NewPeer(addr, "self")}),
		trans,
		nil)
	t.Cleanup(n.Shutdown)

	secret, err := crypto.NewSecret()
	if err != nil {
		t.Fatal(err)
	}
	c, err := n.CreateConversation(context.Background(), "service", node.InmemStores(), secret)
	if err != nil {
		t.Fatal(err)
	}

	return &Service{
		node:   n,
		graph:  node.NewGraph(n),
		logger: common.NewTestEntry(t, "service"),
	}, c.ID()
}

func get(s *Service, fn func(http.ResponseWriter, *http.Request), path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.makeHandler(fn)(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestGetConversations(t *testing.T) {
	s, id := newTestService(t)

	rec := get(s, s.GetConversations, "/conversations")
	if rec.Code != http.StatusOK {
		t.Fatalf("status should be 200, not %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("CORS header should be set")
	}

	var ids []string
	if err := json.NewDecoder(rec.Body).Decode(&ids); err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id.String() {
		t.Fatalf("conversations should be [%s], not %v", id, ids)
	}
}

func TestGetGraph(t *testing.T) {
	s, id := newTestService(t)

	rec := get(s, s.GetGraph, "/graph/"+id.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("status should be 200, not %d: %s", rec.Code, rec.Body.String())
	}

	var infos node.Infos
	if err := json.NewDecoder(rec.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	if infos.ID != id.String() {
		t.Fatalf("infos should describe %s, not %s", id, infos.ID)
	}
	if len(infos.AdminHeads) != 1 || infos.AdminHeads[0] != id.String() {
		t.Fatalf("the genesis should be the only admin head, got %v", infos.AdminHeads)
	}
	if len(infos.Devices) != 1 {
		t.Fatalf("the root device should be listed, got %v", infos.Devices)
	}

	if rec := get(s, s.GetGraph, "/graph/nothex"); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed id should give 400, not %d", rec.Code)
	}
	if rec := get(s, s.GetGraph, "/graph/"+dag.Hash{9}.String()); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown conversation should give 404, not %d", rec.Code)
	}
}

func TestGetStats(t *testing.T) {
	s, _ := newTestService(t)

	rec := get(s, s.GetStats, "/stats")

	var stats map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats["conversations"] != "1" {
		t.Fatalf("stats should count 1 conversation, got %v", stats)
	}
}
