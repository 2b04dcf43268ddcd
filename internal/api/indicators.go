package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"crypto-ohlcv/internal/indicator"
	"crypto-ohlcv/internal/model"
)

type indicatorRequest struct {
	StartTime json.RawMessage  `json:"start_time"`
	EndTime   json.RawMessage  `json:"end_time"`
	Params    indicator.Params `json:"params"`
}

type calculateRequest struct {
	Symbol     string                      `json:"symbol"`
	Interval   string                      `json:"interval"`
	Indicators map[string]indicatorRequest `json:"indicators"`
}

type indicatorJob struct {
	name       string
	start, end int64
	params     indicator.Params
}

func (s *server) handleIndicatorList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"indicators": indicator.Names()})
}

func (s *server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	jobs, err := planIndicators(req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var (
		mu  sync.Mutex
		out = make(map[string]indicator.Result, len(jobs))
	)
	g, ctx := errgroup.WithContext(r.Context())
	for _, job := range jobs {
		g.Go(func() error {
			cs, _, err := s.Query.Range(ctx, req.Symbol, req.Interval, job.start, job.end)
			if err != nil {
				return fmt.Errorf("%s: %w", job.name, err)
			}
			if len(cs) == 0 {
				return fmt.Errorf("%w: no OHLCV data for %s in [%d, %d]", model.ErrNotFound, job.name, job.start, job.end)
			}

			began := time.Now()
			res, err := indicator.Compute(job.name, cs, job.params)
			if s.Metrics != nil {
				s.Metrics.IndicatorComputeDur.WithLabelValues(job.name).Observe(time.Since(began).Seconds())
			}
			if err != nil {
				return err
			}

			mu.Lock()
			out[job.name] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// planIndicators validates the whole request before any range is read.
func planIndicators(req calculateRequest) ([]indicatorJob, error) {
	if req.Interval == "" {
		return nil, fmt.Errorf("%w: interval is required", errBadRequest)
	}
	if len(req.Indicators) == 0 {
		return nil, fmt.Errorf("%w: no indicators provided", errBadRequest)
	}
	if _, err := model.NewStreamKey(req.Symbol, req.Interval); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(req.Indicators))
	for name := range req.Indicators {
		if !indicator.Supported(name) {
			return nil, fmt.Errorf("%w: %q", indicator.ErrUnsupported, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	jobs := make([]indicatorJob, 0, len(names))
	for _, name := range names {
		in := req.Indicators[name]
		start, end, err := parseRange(in.StartTime, in.EndTime)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		jobs = append(jobs, indicatorJob{name: name, start: start, end: end, params: in.Params})
	}
	return jobs, nil
}
