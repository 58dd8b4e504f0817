package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSweepCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSweep(reg)
	m.RunStarted()
	m.TokenOutcome("submitted", "")
	m.TokenOutcome("skipped", "simulation_failed")
	m.TokenOutcome("skipped", "simulation_failed")
	m.TrackerTerminal("confirmed")
	m.RunFinished(2 * time.Second)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	counts := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				key := mf.GetName()
				for _, lp := range metric.GetLabel() {
					key += "," + lp.GetValue()
				}
				counts[key] = c.GetValue()
			}
		}
	}
	if counts["drain_sweep_runs_total"] != 1 {
		t.Fatalf("unexpected runs count %v", counts)
	}
	if counts["drain_sweep_tokens_total,skipped,simulation_failed"] != 2 {
		t.Fatalf("unexpected skipped count %v", counts)
	}
	if counts["drain_tracker_terminal_total,confirmed"] != 1 {
		t.Fatalf("unexpected tracker count %v", counts)
	}
}

func TestNilSweepIsNoop(t *testing.T) {
	var m *Sweep
	m.RunStarted()
	m.TokenOutcome("submitted", "")
	m.TrackerTerminal("failed")
	m.RunFinished(time.Second)
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSweep(reg)
	m.RunStarted()
	path := filepath.Join(t.TempDir(), "drain.prom")
	if err := WriteTextfile(path, reg); err != nil {
		t.Fatalf("write textfile: %v", err)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(buf), "drain_sweep_runs_total 1") {
		t.Fatalf("unexpected textfile contents:\n%s", buf)
	}
}
