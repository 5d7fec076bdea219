package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"desuid/classify"
	"desuid/config"
	"desuid/diag"
	"desuid/logger"
	"desuid/monitor"
	"desuid/mutate"
	"desuid/report"
	"desuid/scanner"
	"desuid/systeminfo"
	"desuid/tracing"
	"desuid/update"
	"desuid/version"
)

func main() {
	if err := tracing.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start trace: %v\n", err)
	} else {
		defer tracing.Stop()
	}

	// Initialize configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.LogLevel)

	if cfg.TraceFlight {
		if err := tracing.StartFlightRecorder(cfg.TraceFlightMaxBytes, cfg.TraceFlightMinAge); err != nil {
			logger.Warnf("Failed to start flight recorder: %v", err)
		} else {
			defer func() {
				if err := tracing.WriteFlightRecorder(cfg.TraceFlightFile); err != nil {
					logger.Warnf("Failed to write flight recorder: %v", err)
				}
				tracing.StopFlightRecorder()
			}()
		}
	}

	if latest, notes, newer, err := update.CheckForUpdate(version.Version); err == nil && newer {
		if strings.Contains(strings.ToLower(notes), "security") {
			logger.Warnf("Update available: %s -> %s (security fixes included)", version.Version, latest)
		} else {
			logger.Infof("Update available: %s -> %s", version.Version, latest)
		}
	}

	if !cfg.DryRun && os.Geteuid() != 0 {
		logger.Warn("Not running as root; mutations on system binaries will likely fail")
	}

	startTime := time.Now()
	metrics := report.Metrics{
		StartTime: startTime.UTC().Format(time.RFC3339),
	}

	// An interrupt cuts the monitoring window short; classification
	// then proceeds on the partial observations.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go handleSignalEvent(cancel, sigChan)

	// The stall watchdog only watches the walk; it is torn down before
	// the monitoring window, where the examined counter legitimately
	// stops moving.
	watchCtx, stopWatch := context.WithCancel(ctx)
	diagController := diag.NewController(diag.Options{
		StallThreshold:     cfg.DiagSlowScanThreshold,
		Dir:                cfg.DiagDir,
		GoroutineLeak:      cfg.DiagGoroutineLeak,
		FilesExaminedFn:    scanner.FilesExamined,
		DumpFlightRecorder: tracing.WriteFlightRecorder,
	})
	diagController.Start(watchCtx)

	scanCtx, endScan := tracing.StartPhase(ctx, "scan")
	candidates, err := scanner.Scan(scanCtx, cfg)
	endScan()
	stopWatch()
	if err != nil {
		logger.Fatalf("Candidate enumeration failed: %v", err)
	}
	defer diagController.Close()
	metrics.CandidatesFound = len(candidates)

	writer, err := report.New(cfg, systeminfo.Gather())
	if err != nil {
		logger.Fatalf("Failed to initialize report: %v", err)
	}
	defer writer.Close()

	paths := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		paths = append(paths, cand.Path)
	}
	model := monitor.NewModel(paths)
	sampler := monitor.NewSampler(monitor.OSSnapshotter{}, cfg.PollInterval, cfg.MonitorTime)

	logger.Infof("Monitoring process activity for %s (interval %s)...", cfg.MonitorTime, cfg.PollInterval)
	events := make(chan monitor.ProcessEvent, 256)
	var res monitor.RunResult
	samplingDone := make(chan struct{})
	monitorCtx, endMonitor := tracing.StartPhase(ctx, "monitor")
	go func() {
		res = sampler.Run(monitorCtx, events)
		close(events)
		close(samplingDone)
	}()
	for ev := range events {
		if err := model.Record(ev); err != nil {
			logger.Debugf("Dropped event for %s: %v", ev.ExecutablePath, err)
		}
	}
	<-samplingDone
	endMonitor()

	if res.Err != nil {
		// Fail-safe: no classification evidence means no mutations.
		logger.Fatalf("Cannot read process table: %v", res.Err)
	}
	metrics.PollsCompleted = res.Polls
	metrics.SpawnsObserved = res.Spawns
	metrics.ExitsObserved = res.Exits
	metrics.PartialWindow = res.Partial
	logger.Infof("Observed %d spawn(s) and %d exit(s) over %d poll(s)", res.Spawns, res.Exits, res.Polls)

	records := model.Snapshot()
	classifier := classify.New(cfg.AllowList, res.Partial)
	verdicts := classifier.ClassifyAll(candidates, records)

	mutator := mutate.New(cfg.DryRun)
	_, endMutate := tracing.StartPhase(ctx, "mutate")
	mutator.ApplyAll(verdicts)
	endMutate()

	for _, v := range verdicts {
		writer.WriteVerdict(v, records[v.Candidate.Path])
	}
	for _, entry := range mutator.ChangeLog() {
		writer.WriteChange(entry)
	}
	tallyOutcomes(&metrics, verdicts, mutator.ChangeLog())

	metrics.EndTime = time.Now().UTC().Format(time.RFC3339)
	writer.SetMetrics(metrics)

	logger.Infof("Audit completed: %d kept, %d mutated, %d simulated, %d skipped, %d failed",
		metrics.Kept, metrics.Mutated, metrics.Simulated, metrics.Skipped, metrics.Failed)
}

func tallyOutcomes(metrics *report.Metrics, verdicts []classify.Verdict, log []mutate.ChangeLogEntry) {
	for _, v := range verdicts {
		if v.KeepBits() {
			metrics.Kept++
		}
	}
	for _, entry := range log {
		switch entry.Outcome {
		case mutate.OutcomeMutated:
			metrics.Mutated++
		case mutate.OutcomeSimulated:
			metrics.Simulated++
		case mutate.OutcomeSkipped:
			metrics.Skipped++
		case mutate.OutcomeFailed:
			metrics.Failed++
		}
	}
}

func handleSignalEvent(cancelFunc context.CancelFunc, sigChan chan os.Signal) {
	<-sigChan
	logger.Info("Interrupt signal received. Stopping the monitoring window early...")
	cancelFunc()
}
