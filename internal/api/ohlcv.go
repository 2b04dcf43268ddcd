package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"crypto-ohlcv/internal/model"
	"crypto-ohlcv/internal/query"
)

type fetchRequest struct {
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	StartTime json.RawMessage `json:"start_time"`
	EndTime   json.RawMessage `json:"end_time"`
}

type fetchResponse struct {
	Source string         `json:"source"`
	Data   []model.Candle `json:"data"`
}

// ingestItem is one uploaded candle. The timestamp may be sent as
// "timestamp" or "start_time".
type ingestItem struct {
	Symbol    string          `json:"symbol"`
	Timestamp json.RawMessage `json:"timestamp"`
	StartTime json.RawMessage `json:"start_time"`
	Open      float64         `json:"open"`
	High      float64         `json:"high"`
	Low       float64         `json:"low"`
	Close     float64         `json:"close"`
	Volume    float64         `json:"volume"`
}

type ingestResponse struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// parseRange reads a [start, end] pair of millisecond timestamps.
func parseRange(startRaw, endRaw json.RawMessage) (int64, int64, error) {
	start, err := query.ParseTimestamp(startRaw)
	if err != nil {
		return 0, 0, fmt.Errorf("start_time: %w", err)
	}
	end, err := query.ParseTimestamp(endRaw)
	if err != nil {
		return 0, 0, fmt.Errorf("end_time: %w", err)
	}
	if start > end {
		return 0, 0, fmt.Errorf("%w: start_time %d after end_time %d", model.ErrInvalidRange, start, end)
	}
	return start, end, nil
}

func (s *server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	start, end, err := parseRange(req.StartTime, req.EndTime)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cs, source, err := s.Query.Range(r.Context(), req.Symbol, req.Interval, start, end)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cs == nil {
		cs = []model.Candle{}
	}
	writeJSON(w, http.StatusOK, fetchResponse{Source: source, Data: cs})
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var items []ingestItem
	if err := decode(r, &items); err != nil {
		writeError(w, r, err)
		return
	}
	if len(items) == 0 || items[0].Symbol == "" {
		writeError(w, r, fmt.Errorf("%w: symbol missing in data", errBadRequest))
		return
	}

	cs := make([]model.Candle, len(items))
	for i, it := range items {
		raw := it.Timestamp
		if len(raw) == 0 {
			raw = it.StartTime
		}
		ts, err := query.ParseTimestamp(raw)
		if err != nil {
			writeError(w, r, fmt.Errorf("item %d: %w", i, err))
			return
		}
		cs[i] = model.Candle{
			Timestamp: ts,
			Open:      it.Open,
			High:      it.High,
			Low:       it.Low,
			Close:     it.Close,
			Volume:    it.Volume,
		}
	}

	n, err := s.Query.Ingest(r.Context(), items[0].Symbol, s.DefaultInterval, cs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{Message: "OHLCV data stored", Count: n})
}

func (s *server) handleLatest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol, interval := q.Get("symbol"), q.Get("interval")
	if interval == "" {
		interval = s.DefaultInterval
	}
	c, ok, err := s.Query.Latest(r.Context(), symbol, interval)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, fmt.Errorf("%w: no candles for %s@%s", model.ErrNotFound, symbol, interval))
		return
	}
	writeJSON(w, http.StatusOK, c)
}
