package report

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"desuid/classify"
	"desuid/config"
	"desuid/logger"
	"desuid/monitor"
	"desuid/mutate"
	"desuid/systeminfo"
	"desuid/utils"
	"desuid/version"
)

const SchemaVersion = "1"

// Metrics summarizes one run for the closing record.
type Metrics struct {
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	CandidatesFound int    `json:"candidates_found"`
	PollsCompleted  int    `json:"polls_completed"`
	SpawnsObserved  int    `json:"spawns_observed"`
	ExitsObserved   int    `json:"exits_observed"`
	PartialWindow   bool   `json:"partial_window"`
	Kept            int    `json:"kept"`
	Skipped         int    `json:"skipped"`
	Simulated       int    `json:"simulated"`
	Mutated         int    `json:"mutated"`
	Failed          int    `json:"failed"`
}

// Writer emits the run report as ndjson: a run header, one record per
// verdict and per change-log entry in candidate-processing order, and
// a closing metrics record. Together the records reconstruct what
// changed and why without re-running the scan.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	otel *otelLogger
}

func New(cfg *config.Config, hostInfo *systeminfo.HostInfo) (*Writer, error) {
	f, err := os.OpenFile(cfg.OutputFileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		file: f,
		buf:  bufio.NewWriterSize(f, 64*1024),
	}
	if otel, err := newOtelLogger(cfg); err != nil {
		logger.Warnf("OTEL export disabled: %v", err)
	} else {
		w.otel = otel
	}

	if hostInfo == nil {
		hostInfo = &systeminfo.HostInfo{}
	}
	w.writeRecord(map[string]interface{}{
		"record_type":    "run",
		"schema_version": SchemaVersion,
		"version":        version.Version,
		"host":           hostInfo,
		"config": map[string]interface{}{
			"start_paths":  cfg.StartPaths,
			"monitor_time": cfg.MonitorTime.String(),
			"interval":     cfg.PollInterval.String(),
			"dry_run":      cfg.DryRun,
			"allow_list":   cfg.AllowList,
		},
	})
	return w, nil
}

type verdictRecord struct {
	RecordType      string   `json:"record_type"`
	Path            string   `json:"path"`
	Classification  string   `json:"classification"`
	Rationale       string   `json:"rationale"`
	Mode            string   `json:"mode"`
	Setuid          bool     `json:"setuid"`
	Setgid          bool     `json:"setgid"`
	Invocations     int      `json:"invocations"`
	Escalations     int      `json:"escalations"`
	DistinctParents []string `json:"distinct_parents,omitempty"`
	LastObservedAt  string   `json:"last_observed_at,omitempty"`
	Fingerprint     string   `json:"fingerprint,omitempty"`
}

func (w *Writer) WriteVerdict(v classify.Verdict, rec monitor.UsageRecord) {
	out := verdictRecord{
		RecordType:      "verdict",
		Path:            v.Candidate.Path,
		Classification:  string(v.Classification),
		Rationale:       v.Rationale,
		Mode:            utils.FormatMode(v.Candidate.Mode),
		Setuid:          v.Candidate.Setuid,
		Setgid:          v.Candidate.Setgid,
		Invocations:     rec.InvocationCount,
		Escalations:     rec.EscalatedInvocationCount,
		DistinctParents: rec.DistinctParents,
		Fingerprint:     v.Candidate.Fingerprint,
	}
	if !rec.LastObservedAt.IsZero() {
		out.LastObservedAt = rec.LastObservedAt.UTC().Format(time.RFC3339)
	}
	w.writeRecord(out)
	w.otel.EmitVerdict(out)
}

type changeRecord struct {
	RecordType   string `json:"record_type"`
	Path         string `json:"path"`
	OriginalMode string `json:"original_mode"`
	NewMode      string `json:"new_mode"`
	AppliedAt    string `json:"applied_at"`
	DryRun       bool   `json:"dry_run"`
	Outcome      string `json:"outcome"`
	Failure      string `json:"failure,omitempty"`
	Error        string `json:"error,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

func (w *Writer) WriteChange(e mutate.ChangeLogEntry) {
	w.writeRecord(changeRecord{
		RecordType:   "change",
		Path:         e.Path,
		OriginalMode: utils.FormatMode(e.OriginalMode),
		NewMode:      utils.FormatMode(e.NewMode),
		AppliedAt:    e.AppliedAt.UTC().Format(time.RFC3339),
		DryRun:       e.DryRun,
		Outcome:      string(e.Outcome),
		Failure:      string(e.Failure),
		Error:        e.Error,
		Detail:       e.Detail,
	})
}

func (w *Writer) SetMetrics(m Metrics) {
	w.writeRecord(map[string]interface{}{
		"record_type": "metrics",
		"metrics":     m,
	})
}

func (w *Writer) writeRecord(record interface{}) {
	data, err := json.Marshal(record)
	if err != nil {
		logger.Errorf("Failed to encode report record: %v", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.buf.Write(data); err != nil {
		logger.Errorf("Failed to write report record: %v", err)
		return
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		logger.Errorf("Failed to write report record: %v", err)
	}
}

func (w *Writer) Close() error {
	w.otel.Shutdown()
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
