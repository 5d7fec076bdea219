package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"desuid/config"
	"desuid/logger"
	"desuid/tracing"
	"desuid/utils"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/time/rate"
)

// examined counts entries visited across all roots. The stall watchdog
// reads it to tell a slow walk from a hung one.
var examined atomic.Int64

// FilesExamined returns the number of directory entries visited so far.
func FilesExamined() int64 {
	return examined.Load()
}

// Scan walks the configured roots and returns every regular file
// carrying a setuid or setgid bit, in walk order, with duplicate
// canonical paths eliminated. Unreadable entries are logged and
// skipped; the scan only fails when no root could be enumerated at
// all.
func Scan(ctx context.Context, cfg *config.Config) ([]*Candidate, error) {
	skip := utils.NewSkipMatcher(cfg.ExcludePatterns)

	var ioLimiter *rate.Limiter
	if cfg.MaxIOPerSecond > 0 {
		ioLimiter = rate.NewLimiter(rate.Limit(cfg.MaxIOPerSecond), cfg.MaxIOPerSecond)
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Scanning for privileged executables"),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetVisibility(progressVisible()),
		progressbar.OptionFullWidth(),
	)

	seen := make(map[string]struct{})
	var candidates []*Candidate
	rootsFailed := 0

	for _, root := range cfg.StartPaths {
		endRegion := tracing.StartRegion(ctx, "walk "+root)
		err := walk(ctx, root, func(path string, d fs.DirEntry, err error) error {
			examined.Add(1)
			if err != nil {
				logger.Warnf("Failed to access %s: %v", path, err)
				return nil
			}
			if d.IsDir() {
				if skip.ShouldSkip(path) {
					return fs.SkipDir
				}
				return nil
			}
			if ioLimiter != nil {
				if err := ioLimiter.Wait(ctx); err != nil {
					return err
				}
			}
			info, err := statEntry(path, d)
			if err != nil {
				logger.Warnf("Failed to stat %s: %v", path, err)
				return nil
			}
			if info == nil || info.Mode()&(os.ModeSetuid|os.ModeSetgid) == 0 {
				return nil
			}

			canonical := utils.Canonical(path)
			if _, dup := seen[canonical]; dup {
				return nil
			}
			cand, err := buildCandidate(canonical, info, cfg.HashCandidates)
			if err != nil {
				logger.Warnf("Skipping %s: %v", canonical, err)
				return nil
			}
			seen[canonical] = struct{}{}
			candidates = append(candidates, cand)
			_ = bar.Add(1)
			logger.Debugf("Candidate %s mode %s", cand.Path, utils.FormatMode(cand.Mode))
			return nil
		})
		endRegion()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warnf("Error walking path %s: %v", root, err)
			rootsFailed++
		}
	}
	_ = bar.Finish()

	if rootsFailed == len(cfg.StartPaths) && len(candidates) == 0 {
		return nil, fmt.Errorf("could not enumerate candidates under any start path")
	}
	logger.Infof("Found %d executables with setuid/setgid bits", len(candidates))
	return candidates, nil
}

// statEntry returns file info for regular files, following symlinks
// the way the mode check needs (the privilege bits live on the
// target). Non-regular entries yield nil info.
func statEntry(path string, d fs.DirEntry) (os.FileInfo, error) {
	if d.Type()&fs.ModeSymlink != 0 {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if !info.Mode().IsRegular() {
			return nil, nil
		}
		return info, nil
	}
	if !d.Type().IsRegular() {
		return nil, nil
	}
	return d.Info()
}

// walk is an iterative depth-first traversal. Unlike filepath.WalkDir
// it checks ctx between directories and reports per-entry errors to fn
// instead of aborting.
func walk(ctx context.Context, root string, fn fs.WalkDirFunc) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	type item struct {
		path  string
		entry fs.DirEntry
	}
	stack := []item{{path: root, entry: fs.FileInfoToDirEntry(info)}}
	for len(stack) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := fn(current.path, current.entry, nil); err != nil {
			if err == fs.SkipDir {
				continue
			}
			return err
		}
		if !current.entry.IsDir() {
			continue
		}

		entries, err := os.ReadDir(current.path)
		if err != nil {
			if ferr := fn(current.path, current.entry, err); ferr != nil && ferr != fs.SkipDir {
				return ferr
			}
			continue
		}
		for i := len(entries) - 1; i >= 0; i-- {
			stack = append(stack, item{
				path:  filepath.Join(current.path, entries[i].Name()),
				entry: entries[i],
			})
		}
	}
	return nil
}

func progressVisible() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("DESUID_DISABLE_PROGRESS")))
	return value != "1" && value != "true" && value != "yes" && value != "on"
}
