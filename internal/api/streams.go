package api

import (
	"fmt"
	"net/http"
	"strconv"

	"crypto-ohlcv/internal/model"
)

type streamRequest struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
}

func (r streamRequest) key() (model.StreamKey, error) {
	return model.NewStreamKey(r.Symbol, r.Interval)
}

type updateRequest struct {
	OldSymbol   string `json:"old_symbol"`
	OldInterval string `json:"old_interval"`
	NewSymbol   string `json:"new_symbol"`
	NewInterval string `json:"new_interval"`
}

func (s *server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	key, err := req.key()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Streams.Start(key); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{Message: "Started streaming for " + key.String()})
}

func (s *server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	key, err := req.key()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Streams.Stop(key); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{Message: "Stopped streaming for " + key.String()})
}

func (s *server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	oldKey, err := model.NewStreamKey(req.OldSymbol, req.OldInterval)
	if err != nil {
		writeError(w, r, err)
		return
	}
	newKey, err := model.NewStreamKey(req.NewSymbol, req.NewInterval)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Streams.Update(oldKey, newKey); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{
		Message: fmt.Sprintf("Updated stream from %s to %s", oldKey, newKey),
	})
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, streamsBody{ActiveStreams: s.Streams.List()})
}

func (s *server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []streamRequest
	if err := decode(r, &reqs); err != nil {
		writeError(w, r, err)
		return
	}
	keys := make([]model.StreamKey, 0, len(reqs))
	for _, req := range reqs {
		key, err := req.key()
		if err != nil {
			writeError(w, r, err)
			return
		}
		keys = append(keys, key)
	}

	started, err := s.Streams.StartBatch(keys)
	if err != nil {
		writeError(w, r, err)
		return
	}
	names := make([]string, len(started))
	for i, k := range started {
		names[i] = k.String()
	}
	writeJSON(w, http.StatusOK, streamsBody{ActiveStreams: names})
}

func (s *server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	confirm := false
	if v := r.URL.Query().Get("confirm"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: confirm=%q", errBadRequest, v))
			return
		}
		confirm = b
	}
	if _, err := s.Streams.StopAll(confirm); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, streamsBody{ActiveStreams: []string{}})
}
