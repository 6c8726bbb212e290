package murmur

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mosaicnetworks/murmur/src/config"
	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/crypto/keys"
	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/mosaicnetworks/murmur/src/net"
	"github.com/mosaicnetworks/murmur/src/node"
	"github.com/mosaicnetworks/murmur/src/peers"
	"github.com/mosaicnetworks/murmur/src/service"
	"github.com/sirupsen/logrus"
)

// Murmur is a struct containing the key parts of a murmur node
type Murmur struct {
	Config        *config.Config
	Node          *node.Node
	Transport     net.Transport
	Peers         *peers.PeerSet
	Device        *dag.Device
	Service       *service.Service
	Conversations *JSONConversations
	logger        *logrus.Entry
}

// NewMurmur is a factory method to produce a Murmur instance.
func NewMurmur(c *config.Config) *Murmur {
	engine := &Murmur{
		Config: c,
		logger: c.Logger(),
	}

	return engine
}

// Init initialises the murmur engine
func (m *Murmur) Init() error {
	m.logger.Debug("murmur.Init")

	if err := m.initKey(); err != nil {
		m.logger.WithError(err).Error("murmur.go:Init() initKey")
		return err
	}

	if err := m.initPeers(); err != nil {
		m.logger.WithError(err).Error("murmur.go:Init() initPeers")
		return err
	}

	if err := m.initTransport(); err != nil {
		m.logger.WithError(err).Error("murmur.go:Init() initTransport")
		return err
	}

	if err := m.initNode(); err != nil {
		m.logger.WithError(err).Error("murmur.go:Init() initNode")
		return err
	}

	if err := m.initConversations(); err != nil {
		m.logger.WithError(err).Error("murmur.go:Init() initConversations")
		return err
	}

	if err := m.initService(); err != nil {
		m.logger.WithError(err).Error("murmur.go:Init() initService")
		return err
	}

	return nil
}

// Run starts the service, if any, and the gossip routines. This is a blocking
// call.
func (m *Murmur) Run() {
	if m.Service != nil {
		go m.Service.Serve()
	}

	m.Node.Run(true)
}

// Shutdown stops the node and closes its conversations.
func (m *Murmur) Shutdown() {
	if m.Node != nil {
		m.Node.Shutdown()
	}
}

func (m *Murmur) initKey() error {
	if m.Config.Key == nil {
		simpleKeyfile := keys.NewSimpleKeyfile(m.Config.Keyfile())

		privKey, err := simpleKeyfile.ReadKey()
		if err != nil {
			m.logger.WithError(err).Warn("Cannot read private key from file")

			privKey, err = Keygen(m.Config.Keyfile())
			if err != nil {
				m.logger.WithError(err).Error("Cannot generate a new private key")
				return err
			}

			m.logger.WithField("device", keys.DeviceID(&privKey.PublicKey)).Info("Created a new key")
		}

		m.Config.Key = privKey
	}
	return nil
}

func (m *Murmur) initPeers() error {
	if m.Peers != nil {
		return nil
	}

	peerSet, err := peers.NewJSONPeerSet(m.Config.DataDir).PeerSet()
	if os.IsNotExist(err) {
		m.logger.Warn("No peers.json, waiting for incoming connections")
		peerSet, err = peers.NewPeerSet(nil), nil
	}
	if err != nil {
		return err
	}

	m.Peers = peerSet

	return nil
}

func (m *Murmur) initTransport() error {
	if m.Transport != nil {
		return nil
	}

	transport, err := net.NewTCPTransport(net.TCPConfig{
		BindAddr:      m.Config.BindAddr,
		AdvertiseAddr: m.Config.AdvertiseAddr,
		MaxPool:       m.Config.MaxPool,
		Timeout:       m.Config.TCPTimeout,
		JoinTimeout:   m.Config.JoinTimeout,
	}, m.logger)
	if err != nil {
		return err
	}

	m.Transport = transport

	return nil
}

// initNode creates the node. An empty author runs a relay, which stores and
// forwards conversations without authoring.
func (m *Murmur) initNode() error {
	if m.Config.Author != "" {
		m.Device = dag.NewDevice(m.Config.Key, dag.AuthorID(m.Config.Author))
	}

	m.logger.WithFields(logrus.Fields{
		"peers":  m.Peers.Len(),
		"author": m.Config.Author,
	}).Debug("PARTICIPANTS")

	m.Node = node.NewNode(
		m.Config.NodeConfig(),
		m.Device,
		m.Peers,
		m.Transport,
		nil,
	)

	return nil
}

// initConversations reopens the conversations listed in conversations.json.
func (m *Murmur) initConversations() error {
	m.Conversations = NewJSONConversations(m.Config.DataDir)

	entries, err := m.Conversations.Entries()
	if err != nil {
		return err
	}

	for _, e := range entries {
		secret, err := e.SecretBytes()
		if err != nil {
			return fmt.Errorf("conversation %s: %v", e.ID.Short(), err)
		}
		if _, err := m.openConversation(e.ID, secret, e.Path); err != nil {
			return fmt.Errorf("conversation %s: %v", e.ID.Short(), err)
		}
	}

	return nil
}

func (m *Murmur) initService() error {
	if !m.Config.NoService {
		m.Service = service.NewService(m.Config.ServiceAddr, m.Node, m.logger)
	}
	return nil
}

//==============================================================================
//Conversations

// stores opens the persistence layer of a conversation. Without the Store
// option everything lives in memory and path is ignored.
func (m *Murmur) stores(path string) (node.Stores, error) {
	if !m.Config.Store {
		m.logger.Debug("created new in-mem stores")
		return node.InmemStores(), nil
	}

	m.logger.WithField("path", path).Debug("Attempting to load or create database")

	return node.BadgerStores(m.Config.CacheSize, path, m.logger)
}

// databasePath names the database of a conversation after its secret, which
// is known before the conversation id.
func (m *Murmur) databasePath(secret []byte) string {
	if !m.Config.Store {
		return ""
	}
	return filepath.Join(m.Config.DatabaseDir, dag.Hash(crypto.Hash256(secret)).Short())
}

// CreateConversation starts a conversation rooted at the local device with a
// fresh bootstrap secret, and records it in conversations.json.
func (m *Murmur) CreateConversation(title string) (*node.Conversation, error) {
	secret, err := crypto.NewSecret()
	if err != nil {
		return nil, err
	}

	path := m.databasePath(secret)
	stores, err := m.stores(path)
	if err != nil {
		return nil, err
	}

	c, err := m.Node.CreateConversation(context.Background(), title, stores, secret)
	if err != nil {
		stores.Close()
		return nil, err
	}

	if err := m.Conversations.Add(NewConversationEntry(c.ID(), title, secret, path)); err != nil {
		return nil, err
	}

	return c, nil
}

// JoinConversation opens a conversation created elsewhere, whose id and
// bootstrap secret were shared out of band, and records it in
// conversations.json.
func (m *Murmur) JoinConversation(id dag.Hash, title string, secret []byte) (*node.Conversation, error) {
	path := m.databasePath(secret)

	c, err := m.openConversation(id, secret, path)
	if err != nil {
		return nil, err
	}

	if err := m.Conversations.Add(NewConversationEntry(id, title, secret, path)); err != nil {
		return nil, err
	}

	return c, nil
}

func (m *Murmur) openConversation(id dag.Hash, secret []byte, path string) (*node.Conversation, error) {
	ring, err := crypto.NewKeyRing(secret)
	if err != nil {
		return nil, err
	}

	stores, err := m.stores(path)
	if err != nil {
		return nil, err
	}

	c, err := m.Node.OpenConversation(context.Background(), id, stores, ring)
	if err != nil {
		stores.Close()
		return nil, err
	}

	return c, nil
}

// Keygen generates a new key and writes it to keyfile, unless another key
// already lives there.
func Keygen(keyfile string) (*ecdsa.PrivateKey, error) {
	simpleKeyfile := keys.NewSimpleKeyfile(keyfile)

	if _, err := simpleKeyfile.ReadKey(); err == nil {
		return nil, fmt.Errorf("Another key already lives under %s", keyfile)
	}

	privKey, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}

	if err := simpleKeyfile.WriteKey(privKey); err != nil {
		return nil, err
	}

	return privKey, nil
}
