package report

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"desuid/classify"
	"desuid/config"
	"desuid/logger"
	"desuid/monitor"
	"desuid/mutate"
	"desuid/scanner"
)

func init() {
	logger.Init("error")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StartPaths:     []string{"/usr"},
		MonitorTime:    time.Minute,
		PollInterval:   time.Second,
		OutputFileName: filepath.Join(t.TempDir(), "report.ndjson"),
	}
}

func readRecords(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var records []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]interface{}
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad ndjson line %q: %v", sc.Text(), err)
		}
		records = append(records, rec)
	}
	return records
}

func TestWriterEmitsOrderedRecords(t *testing.T) {
	cfg := testConfig(t)
	w, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	cand := &scanner.Candidate{Path: "/usr/bin/demo", Mode: 0755 | os.ModeSetuid, Setuid: true}
	w.WriteVerdict(classify.Verdict{
		Candidate:      cand,
		Classification: classify.UsedWithEscalation,
		Rationale:      "2 of 3 invocations escalated",
	}, monitor.UsageRecord{InvocationCount: 3, EscalatedInvocationCount: 2})

	w.WriteChange(mutate.ChangeLogEntry{
		Path:         "/usr/bin/demo",
		OriginalMode: 0755 | os.ModeSetuid,
		NewMode:      0755 | os.ModeSetuid,
		AppliedAt:    time.Now(),
		Outcome:      mutate.OutcomeSkipped,
	})
	w.SetMetrics(Metrics{CandidatesFound: 1, Kept: 1})
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	records := readRecords(t, cfg.OutputFileName)
	if len(records) != 4 {
		t.Fatalf("got %d records, want run+verdict+change+metrics", len(records))
	}
	types := []string{"run", "verdict", "change", "metrics"}
	for i, want := range types {
		if records[i]["record_type"] != want {
			t.Fatalf("record %d type = %v, want %s", i, records[i]["record_type"], want)
		}
	}

	verdict := records[1]
	if verdict["mode"] != "4755" {
		t.Fatalf("mode = %v, want 4755", verdict["mode"])
	}
	if verdict["classification"] != "used-with-escalation" {
		t.Fatalf("classification = %v", verdict["classification"])
	}
	if verdict["invocations"].(float64) != 3 {
		t.Fatalf("invocations = %v", verdict["invocations"])
	}

	change := records[2]
	if change["outcome"] != "skipped" {
		t.Fatalf("outcome = %v", change["outcome"])
	}
}

func TestWriterHeaderCarriesConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.DryRun = true
	cfg.AllowList = []string{"/usr/bin/sudo"}
	w, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	records := readRecords(t, cfg.OutputFileName)
	header := records[0]
	conf := header["config"].(map[string]interface{})
	if conf["dry_run"] != true {
		t.Fatal("dry_run not echoed in header")
	}
	if conf["monitor_time"] != "1m0s" {
		t.Fatalf("monitor_time = %v", conf["monitor_time"])
	}
}

func TestOtelDisabledWithoutEndpoint(t *testing.T) {
	o, err := newOtelLogger(&config.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o != nil {
		t.Fatal("expected nil exporter without endpoint")
	}
	// nil receiver is safe.
	o.EmitVerdict(verdictRecord{})
	o.Shutdown()
}

func TestOtelRejectsSchemelessEndpoint(t *testing.T) {
	_, err := newOtelLogger(&config.Config{OtelEndpoint: "collector:4318"})
	if err == nil {
		t.Fatal("expected error for schemeless endpoint")
	}
}
