package murmur

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/mosaicnetworks/murmur/src/config"
	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/mosaicnetworks/murmur/src/net"
	"github.com/mosaicnetworks/murmur/src/peers"
	"github.com/sirupsen/logrus"
)

func newTestMurmur(t *testing.T, dataDir string) *Murmur {
	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.SetDataDir(dataDir)
	conf.Store = true
	conf.NoService = true

	m := NewMurmur(conf)
	_, m.Transport = net.NewInmemTransport("", time.Second)

	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m
}

func TestInitCreatesKey(t *testing.T) {
	dir := t.TempDir()

	m := newTestMurmur(t, dir)
	defer m.Shutdown()

	if _, err := os.Stat(filepath.Join(dir, config.DefaultKeyfile)); err != nil {
		t.Fatalf("a key should have been written: %v", err)
	}
	if m.Device == nil || m.Device.Author != config.DefaultAuthor {
		t.Fatalf("the node should act for the default author")
	}
	if m.Peers.Len() != 0 {
		t.Fatalf("no peers.json should give an empty peer set")
	}

	if _, err := Keygen(m.Config.Keyfile()); err == nil {
		t.Fatalf("Keygen should not overwrite an existing key")
	}
}

func TestInitPeers(t *testing.T) {
	dir := t.TempDir()
	peerList := []*peers.Peer{peers.NewPeer("addr1", "one"), peers.NewPeer("addr2", "two")}
	if err := peers.NewJSONPeerSet(dir).Write(peerList); err != nil {
		t.Fatal(err)
	}

	m := newTestMurmur(t, dir)
	defer m.Shutdown()

	if !reflect.DeepEqual(m.Peers.Addrs(), []string{"addr1", "addr2"}) {
		t.Fatalf("peers should be loaded from peers.json, got %v", m.Peers.Addrs())
	}
}

func TestConversationsSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	m := newTestMurmur(t, dir)
	c, err := m.CreateConversation("general")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	id := c.ID()
	if _, err := c.AuthorContent(dag.TextPayload("hello")); err != nil {
		t.Fatal(err)
	}
	history := c.History()

	entries, err := m.Conversations.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != id || entries[0].Title != "general" {
		t.Fatalf("conversation should be recorded, got %v", entries)
	}
	m.Shutdown()

	m2 := newTestMurmur(t, dir)
	defer m2.Shutdown()

	c2, ok := m2.Node.Conversation(id)
	if !ok {
		t.Fatalf("conversation should be reopened")
	}
	if !reflect.DeepEqual(c2.History(), history) {
		t.Fatalf("history should be reloaded from the database")
	}
}

func TestJoinConversation(t *testing.T) {
	m := newTestMurmur(t, t.TempDir())
	defer m.Shutdown()

	secret, err := crypto.NewSecret()
	if err != nil {
		t.Fatal(err)
	}
	id := dag.Hash{1, 2, 3}

	if _, err := m.JoinConversation(id, "remote", secret); err != nil {
		t.Fatalf("JoinConversation: %v", err)
	}

	entries, err := m.Conversations.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("joined conversation should be recorded")
	}
	got, err := entries[0].SecretBytes()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, secret) {
		t.Fatalf("secret should round trip through conversations.json")
	}

	if _, err := m.JoinConversation(id, "remote", secret); err == nil {
		t.Fatalf("joining twice should fail")
	}
}
