// Package api provides the HTTP handlers for stream lifecycle, OHLCV reads
// and indicator calculation.
package api

import (
	"net/http"

	"crypto-ohlcv/internal/metrics"
	"crypto-ohlcv/internal/model"
	"crypto-ohlcv/internal/query"
)

// StreamController is the lifecycle surface the handlers drive.
type StreamController interface {
	Start(key model.StreamKey) error
	Stop(key model.StreamKey) error
	Update(oldKey, newKey model.StreamKey) error
	StartBatch(keys []model.StreamKey) ([]model.StreamKey, error)
	StopAll(confirm bool) ([]string, error)
	List() []string
}

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Streams StreamController
	Query   *query.Service
	Health  http.Handler     // optional, served on /healthz
	Feed    http.Handler     // optional, live candle WebSocket on /ws/candles
	Metrics *metrics.Metrics // optional

	// DefaultInterval is used by /ohlcv/ingest.
	DefaultInterval string
}

type server struct {
	Deps
}

// NewRouter sets up HTTP routes for the API server.
func NewRouter(d Deps) http.Handler {
	s := &server{Deps: d}
	mux := http.NewServeMux()

	// Stream lifecycle
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("POST /update", s.handleUpdate)
	mux.HandleFunc("GET /streams", s.handleList)
	mux.HandleFunc("POST /start/batch", s.handleStartBatch)
	mux.HandleFunc("DELETE /stop/all", s.handleStopAll)

	// OHLCV
	mux.HandleFunc("POST /ohlcv/fetch", s.handleFetch)
	mux.HandleFunc("POST /ohlcv/ingest", s.handleIngest)
	mux.HandleFunc("GET /ohlcv/latest", s.handleLatest)

	// Indicators
	mux.HandleFunc("GET /indicators", s.handleIndicatorList)
	mux.HandleFunc("POST /indicators/calculate", s.handleCalculate)

	if d.Feed != nil {
		mux.Handle("GET /ws/candles", d.Feed)
	}
	if d.Health != nil {
		mux.Handle("GET /healthz", d.Health)
	}

	return chain(mux, recoverPanics, withCORS, withRequestID, logRequests)
}
