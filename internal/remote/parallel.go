package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// defaultDeviceDeadline bounds each device's full pipeline in a
// parallel run.
const defaultDeviceDeadline = 10 * time.Minute

// ParallelResult aggregates a fan-out run. Results are ordered exactly
// like the resolved input targets.
type ParallelResult struct {
	Results      []*Result     `json:"results"`
	SuccessCount int           `json:"success_count"`
	Elapsed      time.Duration `json:"elapsed"`
}

// ParallelOptions parameterizes ExecuteParallel.
type ParallelOptions struct {
	RunOptions

	// DeviceDeadline caps each device's run; zero means the default.
	DeviceDeadline time.Duration
}

// ExecuteParallel resolves targets (device names, user@host literals,
// group names, or "all") and runs the task on every resolved device
// concurrently. Duplicate devices are collapsed, first mention wins the
// position. Output order matches input order regardless of completion
// order.
func (e *Executor) ExecuteParallel(ctx context.Context, targets []string, opts ParallelOptions) (*ParallelResult, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("at least one target is required")
	}
	deadline := opts.DeviceDeadline
	if deadline <= 0 {
		deadline = defaultDeviceDeadline
	}

	// Resolve everything up front so a bad target fails the whole call
	// before any work starts.
	var ordered []string
	seen := map[string]bool{}
	for _, target := range targets {
		resolved, err := e.resolveMany(ctx, target)
		if err != nil {
			return nil, err
		}
		for _, name := range resolved {
			if !seen[name] {
				seen[name] = true
				ordered = append(ordered, name)
			}
		}
	}

	start := time.Now()
	results := make([]*Result, len(ordered))
	var wg sync.WaitGroup
	for i, target := range ordered {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			runCtx, cancel := context.WithTimeout(ctx, deadline)
			defer cancel()

			res, err := e.ExecuteRemote(runCtx, target, opts.RunOptions)
			if err != nil {
				results[i] = &Result{Device: target, ExitCode: -1, Error: err.Error()}
				return
			}
			results[i] = res
		}(i, target)
	}
	wg.Wait()

	agg := &ParallelResult{Results: results, Elapsed: time.Since(start)}
	for _, res := range results {
		if res.Error == "" && res.ExitCode == 0 {
			agg.SuccessCount++
		}
	}
	return agg, nil
}

// resolveMany expands one target into device names: groups and "all"
// expand through the registry, everything else stays as-is for the
// per-device resolve inside ExecuteRemote.
func (e *Executor) resolveMany(ctx context.Context, target string) ([]string, error) {
	if e.registry == nil {
		if !strings.Contains(target, "@") {
			return nil, fmt.Errorf("no device registry; target %q must be user@host", target)
		}
		return []string{target}, nil
	}
	resolved, err := e.registry.Resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(resolved))
	for i, d := range resolved {
		names[i] = d.Name
	}
	return names, nil
}
