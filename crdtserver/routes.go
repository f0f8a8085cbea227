package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crdtrelay/common"
	"crdtrelay/crdt"
)

// maxBodySize limits mutation request bodies.
const maxBodySize = 1 << 20

type valueRequest struct {
	Value *string `json:"value"`
}

type incrementRequest struct {
	Amount *int64 `json:"amount"`
}

type keyResponse struct {
	Key   string      `json:"key"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

type operationResponse struct {
	ID        string      `json:"id"`
	Key       string      `json:"key"`
	Type      string      `json:"type"`
	Timestamp uint64      `json:"timestamp"`
	Author    string      `json:"author"`
	Value     interface{} `json:"value"`
}

func (s *Server) setupRoutes() {
	s.mux = http.NewServeMux()

	corsMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /peers", s.handlePeers)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /crdt", s.handleListKeys)
	s.mux.HandleFunc("GET /crdt/{key}", s.handleGet)
	s.mux.HandleFunc("POST /crdt/{key}/set", s.handleSet)
	s.mux.HandleFunc("POST /crdt/{key}/increment", s.handleIncrement)
	s.mux.HandleFunc("POST /crdt/{key}/add", s.handleAdd)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Node.HTTPPort),
		Handler:           corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeOpError maps manager errors to HTTP statuses.
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case common.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case common.IsTypeMismatch(err):
		writeError(w, http.StatusConflict, err.Error())
	case common.IsInvalidOperation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Errorf("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "ok",
		"author":    s.manager.Author(),
		"identity":  s.cipher.Identity(),
		"topic":     s.manager.Topic(),
		"transport": s.config.Transport.Kind,
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.p2p != nil {
		response["peerId"] = s.p2p.ID().String()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"recipients": s.manager.Recipients(),
	}
	if s.p2p != nil {
		addrs := []string{}
		for _, addr := range s.p2p.Addrs() {
			addrs = append(addrs, addr.String())
		}
		response["peerId"] = s.p2p.ID().String()
		response["peerAddrs"] = addrs
	}
	if s.registry != nil {
		peers, err := s.registry.Peers(r.Context())
		if err != nil {
			writeOpError(w, err)
			return
		}
		response["registry"] = peers
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	entries := []keyResponse{}
	for _, key := range s.manager.Keys() {
		state, err := s.manager.Snapshot(key)
		if err != nil {
			continue
		}
		entries = append(entries, keyResponse{Key: key, Type: state.Type().String(), Value: state.Value()})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	state, err := s.manager.Snapshot(key)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Key: key, Type: state.Type().String(), Value: state.Value()})
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	op, err := s.manager.UpdateLWWRegister(r.Context(), r.PathValue("key"), *req.Value)
	s.writeOperation(w, op, err)
}

func (s *Server) handleIncrement(w http.ResponseWriter, r *http.Request) {
	var req incrementRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount := int64(1)
	if req.Amount != nil {
		amount = *req.Amount
	}

	op, err := s.manager.IncrementCounter(r.Context(), r.PathValue("key"), amount)
	s.writeOperation(w, op, err)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	op, err := s.manager.AddToSet(r.Context(), r.PathValue("key"), *req.Value)
	s.writeOperation(w, op, err)
}

func (s *Server) writeOperation(w http.ResponseWriter, op crdt.Operation, err error) {
	if err != nil {
		writeOpError(w, err)
		return
	}

	value, _ := s.manager.Read(op.Key)

	writeJSON(w, http.StatusOK, operationResponse{
		ID:        op.ID.String(),
		Key:       op.Key,
		Type:      op.Type.String(),
		Timestamp: op.Timestamp,
		Author:    op.Author.String(),
		Value:     value,
	})
}
