package runner

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ech0r/blend/internal/domain"
)

// progressMarker is the structured tag deployment scripts may embed in
// stdout lines, e.g. "[PROGRESS:data:40]". Lines without it are plain logs.
var progressMarker = regexp.MustCompile(`\[PROGRESS:([a-z]+):(\d{1,3})\]`)

// Sink receives every output line and progress update as it happens.
type Sink interface {
	BroadcastEvent(event domain.Event)
}

// Config tunes runner behavior.
type Config struct {
	// ScriptDir holds one executable per item kind, named <item>.sh.
	ScriptDir string
	// LineDelay is a small pause after forwarding each line, a safety
	// valve against flooding the hub. Zero disables it.
	LineDelay time.Duration
	// Timeout bounds one item's execution. Zero means unbounded.
	Timeout time.Duration
}

// Runner executes one deployment item against one environment, streaming
// its output to the sink line by line. Only a non-zero exit fails the item;
// stderr lines are surfaced as warnings.
type Runner struct {
	cfg  Config
	sink Sink
	log  *slog.Logger

	// command builds the process for an item+environment pair.
	// Overridable in tests.
	command func(ctx context.Context, item string, env domain.Environment) *exec.Cmd
}

// New constructs a Runner.
func New(cfg Config, sink Sink, log *slog.Logger) *Runner {
	r := &Runner{cfg: cfg, sink: sink, log: log}
	r.command = func(ctx context.Context, item string, env domain.Environment) *exec.Cmd {
		script := filepath.Join(cfg.ScriptDir, item+".sh")
		return exec.CommandContext(ctx, script, string(env))
	}
	return r
}

// Run executes the named item against env, forwarding output tagged with
// the item name. It returns the lines produced and, on non-zero exit, an
// error describing the failure.
func (r *Runner) Run(ctx context.Context, releaseID, item string, status domain.ReleaseStatus, env domain.Environment) ([]string, error) {
	if !domain.ValidDeploymentItem(item) {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownItem, item)
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	cmd := r.command(ctx, item, env)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout for %s: %w", item, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open stderr for %s: %w", item, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s deployment: %w", item, err)
	}
	r.log.Info("deployment item started", "release_id", releaseID, "item", item, "environment", env)

	var (
		mu       sync.Mutex
		lines    []string
		progress float64
	)
	capture := func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}

	var eg errgroup.Group
	eg.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			capture(line)
			if pct, ok := parseProgress(line, item); ok {
				mu.Lock()
				progress = pct
				mu.Unlock()
			}
			mu.Lock()
			current := progress
			mu.Unlock()
			r.sink.BroadcastEvent(domain.ReleaseUpdate{
				ReleaseID: releaseID,
				Status:    status,
				Progress:  current,
				LogLine:   fmt.Sprintf("[%s] %s", item, line),
			})
			r.pause()
		}
		return scanner.Err()
	})
	eg.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			capture("ERROR: " + line)
			r.log.Warn("deployment item stderr", "release_id", releaseID, "item", item, "line", line)
			r.sink.BroadcastEvent(domain.ReleaseUpdate{
				ReleaseID: releaseID,
				Status:    status,
				Progress:  0,
				LogLine:   fmt.Sprintf("[%s] ERROR: %s", item, line),
			})
			r.pause()
		}
		return scanner.Err()
	})

	streamErr := eg.Wait()
	waitErr := cmd.Wait()
	if waitErr != nil {
		msg := fmt.Sprintf("%s deployment failed", item)
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			msg = fmt.Sprintf("%s deployment failed with exit code %d", item, exitErr.ExitCode())
		}
		if ctx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("%s deployment timed out after %s", item, r.cfg.Timeout)
		}
		r.log.Error("deployment item failed", "release_id", releaseID, "item", item, "error", waitErr)
		r.sink.BroadcastEvent(domain.ReleaseUpdate{
			ReleaseID: releaseID,
			Status:    domain.StatusError,
			Progress:  0,
			LogLine:   msg,
		})
		return r.snapshot(&mu, &lines), fmt.Errorf("%s: %w", msg, waitErr)
	}
	if streamErr != nil {
		r.log.Warn("deployment item stream error", "release_id", releaseID, "item", item, "error", streamErr)
	}

	r.log.Info("deployment item completed", "release_id", releaseID, "item", item)
	r.sink.BroadcastEvent(domain.ReleaseUpdate{
		ReleaseID: releaseID,
		Status:    status,
		Progress:  100,
		LogLine:   fmt.Sprintf("%s deployment completed successfully", item),
	})
	return r.snapshot(&mu, &lines), nil
}

func (r *Runner) snapshot(mu *sync.Mutex, lines *[]string) []string {
	mu.Lock()
	defer mu.Unlock()
	out := make([]string, len(*lines))
	copy(out, *lines)
	return out
}

func (r *Runner) pause() {
	if r.cfg.LineDelay > 0 {
		time.Sleep(r.cfg.LineDelay)
	}
}

// parseProgress extracts a progress percentage from a marker line. Markers
// for a different item kind are ignored.
func parseProgress(line, item string) (float64, bool) {
	match := progressMarker.FindStringSubmatch(line)
	if match == nil || match[1] != item {
		return 0, false
	}
	pct, err := strconv.Atoi(match[2])
	if err != nil || pct < 0 || pct > 100 {
		return 0, false
	}
	return float64(pct), true
}
