// Package httpapi serves a node's operational HTTP API.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"Distributed-Consensus/internal/raft"
	"Distributed-Consensus/internal/store"
)

const maxBodySize = 2 * 1024 * 1024

// Node is the part of raft.Node the API uses.
type Node interface {
	Status() raft.Status
	CommittedEntries() []raft.LogEntry
	AppendCommand(command []byte) (index, term uint64, ok bool)
}

// WALSizer is implemented by storage that can report its log size.
type WALSizer interface {
	WALSize() int64
}

// Server serves the HTTP API backed by a raft node and its KV store.
type Server struct {
	node   Node
	kv     *store.KVStore
	wal    WALSizer
	logger logrus.FieldLogger
}

type Option func(*Server)

func WithWAL(w WALSizer) Option {
	return func(s *Server) { s.wal = w }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.logger = l }
}

func New(node Node, kv *store.KVStore, opts ...Option) *Server {
	s := &Server{node: node, kv: kv, logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router with all routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	sr := r.PathPrefix("/api").Subrouter()
	sr.Path("/status").Methods(http.MethodGet).HandlerFunc(s.Status)
	sr.Path("/entries").Methods(http.MethodGet).HandlerFunc(s.Entries)
	sr.Path("/kv/{key}").Methods(http.MethodGet).HandlerFunc(s.GetKey)
	sr.Path("/commands").Methods(http.MethodPost).HandlerFunc(s.Submit)
	return r
}

type statusResponse struct {
	ID           string `json:"id"`
	Role         string `json:"role"`
	Term         uint64 `json:"term"`
	VotedFor     string `json:"voted_for,omitempty"`
	Leader       string `json:"leader,omitempty"`
	CommitIndex  uint64 `json:"commit_index"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
	AppliedIndex uint64 `json:"applied_index"`
	Keys         int    `json:"keys"`
	Duplicates   uint64 `json:"duplicates"`
	WALBytes     *int64 `json:"wal_bytes,omitempty"`
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	st := s.node.Status()
	resp := statusResponse{
		ID:           string(st.ID),
		Role:         st.Role.String(),
		Term:         st.Term,
		VotedFor:     string(st.VotedFor),
		Leader:       string(st.Leader),
		CommitIndex:  st.CommitIndex,
		LastLogIndex: st.LastLogIndex,
		LastLogTerm:  st.LastLogTerm,
		AppliedIndex: s.kv.AppliedIndex(),
		Keys:         s.kv.Len(),
		Duplicates:   s.kv.Duplicates(),
	}
	if s.wal != nil {
		size := s.wal.WALSize()
		resp.WALBytes = &size
	}
	writeJSON(w, http.StatusOK, resp)
}

type entry struct {
	Index   uint64          `json:"index"`
	Term    uint64          `json:"term"`
	Command json.RawMessage `json:"command,omitempty"`
	Raw     []byte          `json:"raw,omitempty"`
}

// Entries lists committed entries, starting at the optional "from" index.
func (s *Server) Entries(w http.ResponseWriter, r *http.Request) {
	from := uint64(1)
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "from must be a positive integer")
			return
		}
		from = n
	}

	committed := s.node.CommittedEntries()
	out := make([]entry, 0)
	for _, e := range committed {
		if e.Index < from {
			continue
		}
		item := entry{Index: e.Index, Term: e.Term}
		if json.Valid(e.Command) {
			item.Command = json.RawMessage(e.Command)
		} else {
			item.Raw = e.Command
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out})
}

func (s *Server) GetKey(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	v, ok := s.kv.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":           key,
		"value":         v,
		"applied_index": s.kv.AppliedIndex(),
	})
}

type submitResponse struct {
	ID    string `json:"id"`
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
}

// Submit appends a KV command to the log. The response only means the entry
// was accepted by the leader, not that it has committed.
func (s *Server) Submit(w http.ResponseWriter, r *http.Request) {
	var cmd store.Command
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	if cmd.ID == "" {
		cmd.ID = store.NewCommand(cmd.Op, cmd.Key, cmd.Value).ID
	}
	data, err := cmd.Encode()
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, store.ErrInvalidCommand) {
			code = http.StatusBadRequest
		}
		writeError(w, code, "invalid_command", err.Error())
		return
	}

	index, term, ok := s.node.AppendCommand(data)
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":       "not_leader",
			"leader_hint": string(s.node.Status().Leader),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		ID:    cmd.ID,
		Index: index,
		Term:  term,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
