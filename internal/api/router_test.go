package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rawblock/synth-engine/internal/rtm"
	"github.com/rawblock/synth-engine/internal/synth"
)

func newTestMonitor() *Monitor {
	prog := synth.NewProgress()
	prog.Start(100)
	prog.AddProduced(7)
	prog.AddScan(500, 42)

	rt := rtm.New()
	rt.Add("Synthesizer::RunIter-Elapsed", 0.001)

	return &Monitor{
		RunID:     "test-run",
		Mechanism: "seedbased",
		Progress:  prog,
		RTM:       rt,
		Hub:       NewHub(),
	}
}

func TestHealthEndpoint(t *testing.T) {
	router := SetupRouter(newTestMonitor())
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("health returned %d", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	router := SetupRouter(newTestMonitor())
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status returned %d", w.Code)
	}
	var body struct {
		RunID     string         `json:"run_id"`
		Mechanism string         `json:"mechanism"`
		Progress  synth.Snapshot `json:"progress"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("status body not JSON: %v", err)
	}
	if body.RunID != "test-run" || body.Mechanism != "seedbased" {
		t.Errorf("status identity wrong: %+v", body)
	}
	if body.Progress.Produced != 7 || body.Progress.Target != 100 || body.Progress.PSFound != 42 {
		t.Errorf("status progress wrong: %+v", body.Progress)
	}
}

func TestRunEndpoint(t *testing.T) {
	router := SetupRouter(newTestMonitor())
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/run", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("run returned %d", w.Code)
	}
	var body struct {
		Measurements map[string]struct {
			N int64 `json:"n"`
		} `json:"measurements"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("run body not JSON: %v", err)
	}
	if m, ok := body.Measurements["Synthesizer::RunIter-Elapsed"]; !ok || m.N != 1 {
		t.Errorf("measurements missing: %+v", body.Measurements)
	}
}
