package service

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/mosaicnetworks/murmur/src/node"
	"github.com/sirupsen/logrus"
)

// Service exposes read-only information about a node over HTTP.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	graph       *node.Graph
	logger      *logrus.Entry
}

// NewService creates a Service and registers its handlers.
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		graph:       node.NewGraph(n),
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of the
// http package. It is possible that another server in the same process is
// simultaneously using the DefaultServerMux. In which case, the handlers will
// be accessible from both servers. This is usefull when murmur is embedded in
// an application and expected to share its endpoint.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering murmur API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/conversations", s.makeHandler(s.GetConversations))
	http.HandleFunc("/graph/", s.makeHandler(s.GetGraph))
	http.HandleFunc("/peers", s.makeHandler(s.GetPeers))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary to
// call Serve when another server has already been started with the
// DefaultServerMux and the same address:port combination.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving murmur API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.GetStats())
}

// GetConversations returns the ids of the open conversations.
func (s *Service) GetConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.graph.GetConversations())
}

// GetGraph returns the heads, devices and opaque buffer of the conversation
// named in the path.
func (s *Service) GetGraph(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Path[len("/graph/"):]

	id, err := dag.ParseHash(param)
	if err != nil {
		s.logger.WithError(err).Errorf("Parsing conversation parameter %s", param)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.graph.GetInfos(id)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving conversation %s", param)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSON(w, res)
}

// GetPeers ...
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.GetPeers())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)

	encoder.Encode(v)
}
