package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/defiscope/riskengine/internal/anomaly"
	"github.com/defiscope/riskengine/internal/engine"
	"github.com/defiscope/riskengine/internal/logging"
	"github.com/defiscope/riskengine/internal/modelstore"
	"github.com/defiscope/riskengine/internal/training"
)

// fakeEngine counts scheduler calls and reports configurable versions.
type fakeEngine struct {
	mu            sync.Mutex
	trains        int
	detectorRuns  int
	scans         int
	modelOK       bool
	detectorOK    bool
	detectorError error
}

func (f *fakeEngine) Train(ctx context.Context) (*training.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trains++
	f.modelOK = true
	return &training.Result{Bundle: &modelstore.Bundle{VersionID: "rm_test"}}, nil
}

func (f *fakeEngine) TrainDetector(ctx context.Context) (*anomaly.TrainResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detectorRuns++
	f.detectorOK = true
	return &anomaly.TrainResult{Bundle: &anomaly.DetectorBundle{VersionID: "ad_test"}}, nil
}

func (f *fakeEngine) ScanAnomalies(ctx context.Context) (*engine.ScanSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detectorError != nil {
		return nil, f.detectorError
	}
	f.scans++
	return &engine.ScanSummary{Total: 3}, nil
}

func (f *fakeEngine) ModelVersion() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modelOK {
		return "rm_test", true
	}
	return "", false
}

func (f *fakeEngine) DetectorVersion() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detectorOK {
		return "ad_test", true
	}
	return "", false
}

func (f *fakeEngine) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trains, f.detectorRuns, f.scans
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.TrainInterval == 0 {
		t.Error("Expected non-zero train interval")
	}
	if cfg.ScanInterval == 0 {
		t.Error("Expected non-zero scan interval")
	}
	if !cfg.TrainOnStart {
		t.Error("Expected TrainOnStart by default")
	}
}

func TestScheduler_TrainsOnStartWhenEmpty(t *testing.T) {
	eng := &fakeEngine{}
	s := New(Config{TrainInterval: time.Hour, ScanInterval: time.Hour, TrainOnStart: true},
		eng, logging.New("error", "text"))

	s.Start(context.Background())
	defer s.Stop()

	trains, detectors, _ := eng.counts()
	if trains != 1 {
		t.Errorf("Expected 1 training run on start, got %d", trains)
	}
	if detectors != 1 {
		t.Errorf("Expected 1 detector run on start, got %d", detectors)
	}
}

func TestScheduler_SkipsStartupTrainingWhenPublished(t *testing.T) {
	eng := &fakeEngine{modelOK: true, detectorOK: true}
	s := New(Config{TrainInterval: time.Hour, ScanInterval: time.Hour, TrainOnStart: true},
		eng, logging.New("error", "text"))

	s.Start(context.Background())
	defer s.Stop()

	trains, detectors, _ := eng.counts()
	if trains != 0 || detectors != 0 {
		t.Errorf("Expected no startup training, got %d/%d", trains, detectors)
	}
}

func TestScheduler_ScansOnTicker(t *testing.T) {
	eng := &fakeEngine{modelOK: true, detectorOK: true}
	s := New(Config{TrainInterval: time.Hour, ScanInterval: 10 * time.Millisecond},
		eng, logging.New("error", "text"))

	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	_, _, scans := eng.counts()
	if scans == 0 {
		t.Error("Expected at least one scan")
	}
}

func TestScheduler_ToleratesMissingDetector(t *testing.T) {
	eng := &fakeEngine{modelOK: true, detectorOK: true, detectorError: engine.ErrDetectorNotAvailable}
	s := New(Config{TrainInterval: time.Hour, ScanInterval: 5 * time.Millisecond},
		eng, logging.New("error", "text"))

	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	_, _, scans := eng.counts()
	if scans != 0 {
		t.Errorf("Expected no completed scans, got %d", scans)
	}
}

func TestScheduler_StopUnblocks(t *testing.T) {
	eng := &fakeEngine{modelOK: true, detectorOK: true}
	s := New(DefaultConfig(), eng, logging.New("error", "text"))
	s.Start(context.Background())

	finished := make(chan struct{})
	go func() {
		s.Stop()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
