// Package testapi implements a small in-process REST API used by the
// integration tests: clusters with nested nodes, flavors, and a status
// singleton. Listings of clusters are paginated with a cursor envelope,
// flavors are served as a bare array, and error responses carry a JSON
// body with a detail field.
package testapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/riandyrn/otelchi"
	"github.com/rs/cors"
)

const DefaultPageSize = 2

type Server struct {
	server *httptest.Server

	mu           sync.Mutex
	requestCount int
	pageSize     int

	nextClusterID int
	clusterIDs    []string
	clusters      map[string]map[string]any

	nextNodeID int
	nodeIDs    map[string][]int
	nodes      map[string]map[int]map[string]any

	flavorIDs []string
	flavors   map[string]map[string]any
}

func NewServer() *Server {
	s := &Server{
		pageSize:      DefaultPageSize,
		nextClusterID: 1,
		clusters:      map[string]map[string]any{},
		nextNodeID:    1,
		nodeIDs:       map[string][]int{},
		nodes:         map[string]map[int]map[string]any{},
		flavors:       map[string]map[string]any{},
	}

	r := chi.NewRouter()

	r.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	}).Handler)

	r.Use(otelchi.Middleware("testapi", otelchi.WithChiRoutes(r)))
	r.Use(s.countRequests)

	r.Get("/clusters/", s.listClusters)
	r.Post("/clusters/", s.createCluster)
	r.Get("/clusters/{clusterID}/", s.getCluster)
	r.Patch("/clusters/{clusterID}/", s.updateCluster)
	r.Put("/clusters/{clusterID}/", s.updateCluster)
	r.Delete("/clusters/{clusterID}/", s.deleteCluster)
	r.Post("/clusters/{clusterID}/restart/", s.restartCluster)

	r.Get("/clusters/{clusterID}/nodes/", s.listNodes)
	r.Post("/clusters/{clusterID}/nodes/", s.createNode)
	r.Get("/clusters/{clusterID}/nodes/{nodeID}/", s.getNode)
	r.Post("/clusters/{clusterID}/nodes/{nodeID}/evacuate/", s.evacuateNode)

	r.Get("/flavors", s.listFlavors)
	r.Get("/flavors/{flavorID}", s.getFlavor)

	r.Get("/status", s.getStatus)

	s.server = httptest.NewServer(r)
	return s
}

func (s *Server) URL() string {
	return s.server.URL
}

func (s *Server) Close() {
	s.server.Close()
}

func (s *Server) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestCount
}

func (s *Server) SetPageSize(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = size
}

// AddCluster seeds a cluster and returns its assigned id.
func (s *Server) AddCluster(fields map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := fmt.Sprintf("c-%d", s.nextClusterID)
	s.nextClusterID++

	cluster := map[string]any{"id": id, "status": "ACTIVE"}
	for key, value := range fields {
		cluster[key] = value
	}

	s.clusterIDs = append(s.clusterIDs, id)
	s.clusters[id] = cluster

	return id
}

// AddNode seeds a node under a cluster and returns its numeric id.
func (s *Server) AddNode(clusterID string, fields map[string]any) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextNodeID
	s.nextNodeID++

	node := map[string]any{"id": id, "status": "READY"}
	for key, value := range fields {
		node[key] = value
	}

	if s.nodes[clusterID] == nil {
		s.nodes[clusterID] = map[int]map[string]any{}
	}

	s.nodeIDs[clusterID] = append(s.nodeIDs[clusterID], id)
	s.nodes[clusterID][id] = node

	return id
}

func (s *Server) AddFlavor(id string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flavor := map[string]any{"id": id}
	for key, value := range fields {
		flavor[key] = value
	}

	s.flavorIDs = append(s.flavorIDs, id)
	s.flavors[id] = flavor
}

// Cluster returns a copy of the stored state for inspection in tests.
func (s *Server) Cluster(id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	cluster, ok := s.clusters[id]
	if !ok {
		return nil
	}

	copied := map[string]any{}
	for key, value := range cluster {
		copied[key] = value
	}

	return copied
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requestCount++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listClusters(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matching := []map[string]any{}
	for _, id := range s.clusterIDs {
		cluster := s.clusters[id]
		if name := r.URL.Query().Get("name"); name != "" && cluster["name"] != name {
			continue
		}
		matching = append(matching, cluster)
	}

	offset := 0
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		offset, _ = strconv.Atoi(cursor)
	}
	if offset > len(matching) {
		offset = len(matching)
	}

	end := offset + s.pageSize
	if end > len(matching) {
		end = len(matching)
	}

	page := matching[offset:end]

	envelope := map[string]any{"items": page}
	if end < len(matching) {
		query := r.URL.Query()
		query.Set("cursor", strconv.Itoa(end))
		envelope["next"] = r.URL.Path + "?" + query.Encode()
	}

	writeJSON(w, http.StatusOK, envelope)
}

func (s *Server) createCluster(w http.ResponseWriter, r *http.Request) {
	params := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeProblem(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	name, _ := params["name"].(string)
	if name == "" {
		writeProblem(w, http.StatusUnprocessableEntity, "a cluster requires a name")
		return
	}

	s.mu.Lock()
	for _, existing := range s.clusters {
		if existing["name"] == name {
			s.mu.Unlock()
			writeProblem(w, http.StatusConflict, fmt.Sprintf("a cluster named %q already exists", name))
			return
		}
	}
	s.mu.Unlock()

	id := s.AddCluster(params)

	// Created clusters echo a reduced payload, the way many provisioning
	// APIs do while the resource is still being built.
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "name": name, "status": "BUILDING"})
}

func (s *Server) getCluster(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cluster, ok := s.clusters[chi.URLParam(r, "clusterID")]
	if !ok {
		writeProblem(w, http.StatusNotFound, "no such cluster")
		return
	}

	writeJSON(w, http.StatusOK, cluster)
}

func (s *Server) updateCluster(w http.ResponseWriter, r *http.Request) {
	params := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeProblem(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cluster, ok := s.clusters[chi.URLParam(r, "clusterID")]
	if !ok {
		writeProblem(w, http.StatusNotFound, "no such cluster")
		return
	}

	for key, value := range params {
		cluster[key] = value
	}

	writeJSON(w, http.StatusOK, cluster)
}

func (s *Server) deleteCluster(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := chi.URLParam(r, "clusterID")
	if _, ok := s.clusters[id]; !ok {
		writeProblem(w, http.StatusNotFound, "no such cluster")
		return
	}

	delete(s.clusters, id)
	for i, existing := range s.clusterIDs {
		if existing == id {
			s.clusterIDs = append(s.clusterIDs[:i], s.clusterIDs[i+1:]...)
			break
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) restartCluster(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cluster, ok := s.clusters[chi.URLParam(r, "clusterID")]
	if !ok {
		writeProblem(w, http.StatusNotFound, "no such cluster")
		return
	}

	cluster["status"] = "RESTARTING"

	// Action endpoints answer with an empty body.
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clusterID := chi.URLParam(r, "clusterID")
	if _, ok := s.clusters[clusterID]; !ok {
		writeProblem(w, http.StatusNotFound, "no such cluster")
		return
	}

	// Node listings are sparse: only id and name, the rest is fetched per
	// node.
	items := []map[string]any{}
	for _, id := range s.nodeIDs[clusterID] {
		node := s.nodes[clusterID][id]
		items = append(items, map[string]any{"id": node["id"], "name": node["name"]})
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) createNode(w http.ResponseWriter, r *http.Request) {
	params := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeProblem(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	clusterID := chi.URLParam(r, "clusterID")

	s.mu.Lock()
	_, ok := s.clusters[clusterID]
	s.mu.Unlock()
	if !ok {
		writeProblem(w, http.StatusNotFound, "no such cluster")
		return
	}

	id := s.AddNode(clusterID, params)

	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusCreated, s.nodes[clusterID][id])
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clusterID := chi.URLParam(r, "clusterID")
	nodeID, err := strconv.Atoi(chi.URLParam(r, "nodeID"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "node ids are numeric")
		return
	}

	node, ok := s.nodes[clusterID][nodeID]
	if !ok {
		writeProblem(w, http.StatusNotFound, "no such node")
		return
	}

	writeJSON(w, http.StatusOK, node)
}

func (s *Server) evacuateNode(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clusterID := chi.URLParam(r, "clusterID")
	nodeID, _ := strconv.Atoi(chi.URLParam(r, "nodeID"))

	node, ok := s.nodes[clusterID][nodeID]
	if !ok {
		writeProblem(w, http.StatusNotFound, "no such node")
		return
	}

	node["status"] = "EVACUATING"
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) listFlavors(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := []map[string]any{}
	for _, id := range s.flavorIDs {
		items = append(items, s.flavors[id])
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i]["id"].(string) < items[j]["id"].(string)
	})

	writeJSON(w, http.StatusOK, items)
}

func (s *Server) getFlavor(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flavor, ok := s.flavors[chi.URLParam(r, "flavorID")]
	if !ok {
		writeProblem(w, http.StatusNotFound, "no such flavor")
		return
	}

	writeJSON(w, http.StatusOK, flavor)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "2.4.1",
		"clusters": len(s.clusters),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeProblem(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}
