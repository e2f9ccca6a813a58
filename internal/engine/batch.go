package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/defiscope/riskengine/internal/anomaly"
	"github.com/defiscope/riskengine/internal/metrics"
	"github.com/defiscope/riskengine/internal/predictor"
	"github.com/defiscope/riskengine/internal/traces"
)

// BatchError is one protocol's failure inside a batch operation.
type BatchError struct {
	ProtocolID string `json:"protocol_id"`
	Err        string `json:"error"`
}

// BatchResult collects batch prediction outcomes. A failing protocol lands
// in Errors without affecting any other item.
type BatchResult struct {
	Predictions []*predictor.RiskPrediction `json:"predictions"`
	Errors      []BatchError                `json:"errors,omitempty"`
}

// ScanSummary collects a population-wide anomaly scan.
type ScanSummary struct {
	Total             int               `json:"total"`
	AnomaliesDetected int               `json:"anomalies_detected"`
	Results           []*anomaly.Result `json:"results"`
	Errors            []BatchError      `json:"errors,omitempty"`
}

// PredictBatch scores many protocols concurrently against the published
// model. A nil or empty ids slice means every active protocol. Results are
// ordered by protocol id.
func (s *Service) PredictBatch(ctx context.Context, ids []string) (*BatchResult, error) {
	if _, ok := s.riskReg.Current(); !ok {
		return nil, ErrModelNotAvailable
	}
	ids, err := s.resolveIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "engine.PredictBatch", traces.BatchSize(len(ids)))
	defer span.End()

	res := &BatchResult{}
	var mu sync.Mutex
	s.fanOut(ctx, ids, func(ctx context.Context, id string) {
		pred, err := s.Predict(ctx, id)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			metrics.BatchItemsTotal.WithLabelValues("predict", "error").Inc()
			res.Errors = append(res.Errors, BatchError{ProtocolID: id, Err: err.Error()})
			return
		}
		metrics.BatchItemsTotal.WithLabelValues("predict", "ok").Inc()
		res.Predictions = append(res.Predictions, pred)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(res.Predictions, func(i, j int) bool {
		return res.Predictions[i].ProtocolID < res.Predictions[j].ProtocolID
	})
	sort.Slice(res.Errors, func(i, j int) bool {
		return res.Errors[i].ProtocolID < res.Errors[j].ProtocolID
	})
	return res, nil
}

// ScanAnomalies runs the published detector over every active protocol.
func (s *Service) ScanAnomalies(ctx context.Context) (*ScanSummary, error) {
	if _, ok := s.anomalyReg.Current(); !ok {
		return nil, ErrDetectorNotAvailable
	}
	ids, err := s.resolveIDs(ctx, nil)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "engine.ScanAnomalies", traces.BatchSize(len(ids)))
	defer span.End()

	sum := &ScanSummary{Total: len(ids)}
	var mu sync.Mutex
	s.fanOut(ctx, ids, func(ctx context.Context, id string) {
		result, err := s.DetectAnomaly(ctx, id)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			metrics.BatchItemsTotal.WithLabelValues("scan", "error").Inc()
			sum.Errors = append(sum.Errors, BatchError{ProtocolID: id, Err: err.Error()})
			return
		}
		metrics.BatchItemsTotal.WithLabelValues("scan", "ok").Inc()
		sum.Results = append(sum.Results, result)
		if result.IsAnomaly {
			sum.AnomaliesDetected++
		}
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(sum.Results, func(i, j int) bool {
		return sum.Results[i].ProtocolID < sum.Results[j].ProtocolID
	})
	sort.Slice(sum.Errors, func(i, j int) bool {
		return sum.Errors[i].ProtocolID < sum.Errors[j].ProtocolID
	})
	return sum, nil
}

// fanOut runs fn for every id on a bounded pool of workers. Workers stop
// picking up new items once ctx is cancelled; items already running finish.
func (s *Service) fanOut(ctx context.Context, ids []string, fn func(context.Context, string)) {
	jobs := make(chan string)
	var wg sync.WaitGroup

	workers := s.cfg.Workers
	if workers > len(ids) {
		workers = len(ids)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id, ok := <-jobs:
					if !ok {
						return
					}
					fn(ctx, id)
				}
			}
		}()
	}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case jobs <- id:
		}
	}
	close(jobs)
	wg.Wait()
}

// resolveIDs expands a nil id list to every active protocol.
func (s *Service) resolveIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) > 0 {
		return ids, nil
	}
	protocols, err := s.registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(protocols))
	for i, p := range protocols {
		out[i] = p.ID
	}
	return out, nil
}
