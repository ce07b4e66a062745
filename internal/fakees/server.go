// Package fakees is an in-process stand-in for the Elasticsearch HTTP API surface that escluster consumes.
// It keeps a tiny amount of state (health, indices, templates) so that lifecycle code can be exercised
// without a JVM.
package fakees

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
)

// Server is a fake node API. All fields are guarded by the server's lock; use the setters.
type Server struct {
	mut         sync.Mutex
	clusterName string
	status      string
	nodes       int
	pids        []int
	indices     map[string]map[string]any
	templates   map[string]json.RawMessage
	shutdowns   int
	down        bool
	up          func() bool
	onShutdown  func()

	listener   net.Listener
	httpServer *http.Server
}

type Option func(s *Server)

func WithClusterName(name string) Option {
	return func(s *Server) { s.clusterName = name }
}

func WithStatus(status string, nodes int) Option {
	return func(s *Server) {
		s.status = status
		s.nodes = nodes
	}
}

// WithOnShutdown sets a hook run (in its own goroutine) when /_shutdown is received.
func WithOnShutdown(f func()) Option {
	return func(s *Server) { s.onShutdown = f }
}

// WithUp makes the server answer only while f reports true, as a real API is only there while its node runs.
// A shutdown request then leaves availability to f.
func WithUp(f func() bool) Option {
	return func(s *Server) { s.up = f }
}

// New starts a fake server listening on localhost:port. Port 0 picks a free port.
func New(port int, opts ...Option) (*Server, error) {
	s := &Server{
		clusterName: "elasticsearch_test",
		status:      "green",
		nodes:       1,
		indices:     map[string]map[string]any{},
		templates:   map[string]json.RawMessage{},
	}
	for _, o := range opts {
		o(s)
	}

	l, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listening TCP: %w", err)
	}
	s.listener = l

	router := httprouter.New()
	router.GET("/_cluster/health", s.health)
	router.GET("/_cluster/state", s.state)
	router.GET("/_nodes/:filter", s.nodesInfo)
	router.POST("/_shutdown", s.shutdown)
	router.PUT("/*path", s.put)
	router.DELETE("/:index", s.deleteIndex)
	router.HEAD("/:index", s.indexExists)

	s.httpServer = &http.Server{Handler: router}
	go func() {
		err := s.httpServer.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(err)
		}
	}()
	return s, nil
}

// Port returns the port the server listens on.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *Server) Close() error {
	return s.httpServer.Close()
}

func (s *Server) SetStatus(status string, nodes int) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.status = status
	s.nodes = nodes
}

// SetDown makes every endpoint answer 503, as a node does while it is starting or stopping.
func (s *Server) SetDown(down bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.down = down
}

// SetPIDs sets the process ids reported by /_nodes/process.
func (s *Server) SetPIDs(pids ...int) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.pids = pids
}

func (s *Server) CreateIndex(name string) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.indices[name] = map[string]any{}
}

// Indices returns the current index names, sorted.
func (s *Server) Indices() []string {
	s.mut.Lock()
	defer s.mut.Unlock()
	var names []string
	for name := range s.indices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Template returns the raw body of a stored template.
func (s *Server) Template(name string) (json.RawMessage, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	t, ok := s.templates[name]
	return t, ok
}

// Shutdowns returns how many shutdown requests were received.
func (s *Server) Shutdowns() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.shutdowns
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, map[string]any{"error": reason, "status": code})
}

// unavailable writes a 503 if the server is down. Must be called with the lock held.
func (s *Server) unavailable(w http.ResponseWriter) bool {
	if s.down || (s.up != nil && !s.up()) {
		writeError(w, http.StatusServiceUnavailable, "node is not available")
		return true
	}
	return false
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.unavailable(w) {
		return
	}
	code := http.StatusOK
	timedOut := false
	if want := r.URL.Query().Get("wait_for_status"); want != "" && want != s.status {
		timedOut = true
		code = http.StatusRequestTimeout
	}
	writeJSON(w, code, map[string]any{
		"cluster_name":         s.clusterName,
		"status":               s.status,
		"timed_out":            timedOut,
		"number_of_nodes":      s.nodes,
		"number_of_data_nodes": s.nodes,
	})
}

func (s *Server) state(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.unavailable(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cluster_name": s.clusterName,
		"master_node":  "node-1-id",
	})
}

func (s *Server) nodesInfo(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.unavailable(w) {
		return
	}
	nodes := map[string]any{}
	for i, pid := range s.pids {
		node := map[string]any{"name": fmt.Sprintf("node-%d", i+1)}
		if params.ByName("filter") == "process" {
			node["process"] = map[string]any{"id": pid}
		}
		nodes[fmt.Sprintf("node-%d-id", i+1)] = node
	}
	writeJSON(w, http.StatusOK, map[string]any{"cluster_name": s.clusterName, "nodes": nodes})
}

func (s *Server) shutdown(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.unavailable(w) {
		return
	}
	s.shutdowns++
	if s.up == nil {
		s.down = true
	}
	writeJSON(w, http.StatusOK, map[string]any{"cluster_name": s.clusterName})
	if s.onShutdown != nil {
		go s.onShutdown()
	}
}

// put serves both PUT /_template/{name} and PUT /{index}; httprouter cannot register
// a named parameter next to a static segment at the same level.
func (s *Server) put(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	path := strings.Trim(params.ByName("path"), "/")
	if name, ok := strings.CutPrefix(path, "_template/"); ok {
		s.putTemplate(w, r, name)
		return
	}
	s.createIndex(w, path)
}

func (s *Server) putTemplate(w http.ResponseWriter, r *http.Request, name string) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.unavailable(w) {
		return
	}
	s.templates[name] = body
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *Server) createIndex(w http.ResponseWriter, name string) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.unavailable(w) {
		return
	}
	if name == "" || strings.HasPrefix(name, "_") || strings.Contains(name, "/") {
		writeError(w, http.StatusBadRequest, "invalid index name")
		return
	}
	s.indices[name] = map[string]any{}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *Server) deleteIndex(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.unavailable(w) {
		return
	}
	name := params.ByName("index")
	if name == "_all" {
		s.indices = map[string]map[string]any{}
		writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
		return
	}
	if _, ok := s.indices[name]; !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("IndexMissingException[[%s] missing]", name))
		return
	}
	delete(s.indices, name)
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *Server) indexExists(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.unavailable(w) {
		return
	}
	if _, ok := s.indices[params.ByName("index")]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
