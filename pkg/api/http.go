// Package api exposes the node's HTTP and WebSocket surfaces: the REST
// endpoints for submitting messages and querying blocks/certificates, and
// the WS bridge fanning out delivered blocks to subscribers.
package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/andrussal/ephemera-go/pkg/broadcast"
	"github.com/andrussal/ephemera-go/pkg/ephtypes"
	"github.com/andrussal/ephemera-go/pkg/logging"
	"github.com/andrussal/ephemera-go/pkg/membership"
	"github.com/andrussal/ephemera-go/pkg/storage"
)

// SubmitRequest is the body of POST /ephemera/submit_message.
type SubmitRequest struct {
	CustomMessageID string `json:"custom_message_id"`
	Payload         []byte `json:"payload"`
}

// SubmitResponse echoes back the digest assigned to the submitted message,
// which the caller can later correlate against a block's certificates.
type SubmitResponse struct {
	Digest string `json:"digest"`
}

// Server wires the REST paths onto a gorilla/mux router. Storage reads
// here share the same handle the block manager writes through, with no
// extra locking: BoltStorage serializes access through bbolt transactions,
// while MemoryStorage does not lock internally.
type Server struct {
	router      *mux.Router
	store       storage.Storage
	broadcaster *broadcast.Broadcaster
	membership  membership.Provider
	self        membership.PeerInfo
	log         logging.Logger
}

// NewServer builds the router. Call Router() to obtain an http.Handler.
func NewServer(store storage.Storage, broadcaster *broadcast.Broadcaster, prov membership.Provider, self membership.PeerInfo, log logging.Logger) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		store:       store,
		broadcaster: broadcaster,
		membership:  prov,
		self:        self,
		log:         log,
	}
	s.router.HandleFunc("/ephemera/submit_message", s.handleSubmit).Methods(http.MethodPost)
	s.router.HandleFunc("/ephemera/block/hash/{hash}", s.handleBlockByHash).Methods(http.MethodGet)
	s.router.HandleFunc("/ephemera/block/height/{height}", s.handleBlockByHeight).Methods(http.MethodGet)
	s.router.HandleFunc("/ephemera/block/certificates/{hash}", s.handleBlockCertificates).Methods(http.MethodGet)
	s.router.HandleFunc("/ephemera/peers", s.handlePeers).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return s
}

// Router returns the http.Handler to mount on an http.Server.
func (s *Server) Router() http.Handler { return s.router }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	digest, err := s.broadcaster.Originate(req.CustomMessageID, req.Payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{Digest: digest.String()})
}

func parseDigest(hexStr string) (ephtypes.Digest, error) {
	var d ephtypes.Digest
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != len(d) {
		return d, storage.ErrNotFound
	}
	copy(d[:], raw)
	return d, nil
}

func (s *Server) handleBlockByHash(w http.ResponseWriter, r *http.Request) {
	hash, err := parseDigest(mux.Vars(r)["hash"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed hash")
		return
	}
	b, err := s.store.GetBlockByHash(hash)
	if err == storage.ErrNotFound {
		writeError(w, http.StatusNotFound, "block not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBlockByHeight(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed height")
		return
	}
	b, err := s.store.GetBlockByHeight(height)
	if err == storage.ErrNotFound {
		writeError(w, http.StatusNotFound, "block not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBlockCertificates(w http.ResponseWriter, r *http.Request) {
	hash, err := parseDigest(mux.Vars(r)["hash"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed hash")
		return
	}
	cert, err := s.store.GetBlockCertificates(hash)
	if err == storage.ErrNotFound {
		writeError(w, http.StatusNotFound, "certificate not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

type peerView struct {
	PeerID    string `json:"peer_id"`
	Multiaddr string `json:"multiaddr"`
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	current := s.membership.Current()
	out := make([]peerView, 0, len(current)+1)
	for _, p := range current {
		out = append(out, peerView{PeerID: p.PeerID.String(), Multiaddr: p.Multiaddr})
	}
	out = append(out, peerView{PeerID: s.self.PeerID.String(), Multiaddr: s.self.Multiaddr})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
