// Package ffmpeg runs the transform stage with the ffmpeg command line tool.
package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cwygoda/optimizer/internal/domain"
	"github.com/cwygoda/optimizer/internal/procgroup"
)

const diagnosticLines = 20

// Confiner checks that a path stays inside the output store.
type Confiner interface {
	Confine(path string) (string, error)
}

// Options configures a Transformer.
type Options struct {
	FFmpegPath string
	// FFprobePath enables duration based progress when set.
	FFprobePath string
	Presets     *Registry
	// KillGrace is how long ffmpeg may take to exit after SIGTERM.
	KillGrace time.Duration
	Confiner  Confiner
	Logger    zerolog.Logger
}

// Transformer converts a staged source into the target container.
type Transformer struct {
	ffmpeg    string
	ffprobe   string
	presets   *Registry
	killGrace time.Duration
	confiner  Confiner
	log       zerolog.Logger
}

var _ domain.Transformer = (*Transformer)(nil)

// New creates a new Transformer.
func New(opts Options) *Transformer {
	presets := opts.Presets
	if presets == nil {
		presets = NewRegistry([]string{"-map", "0", "-c", "copy"})
	}
	ffmpegPath := opts.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	grace := opts.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Transformer{
		ffmpeg:    ffmpegPath,
		ffprobe:   opts.FFprobePath,
		presets:   presets,
		killGrace: grace,
		confiner:  opts.Confiner,
		log:       opts.Logger,
	}
}

// Transform writes src converted to ext at dest and returns dest. The
// output is produced under a temporary name and renamed on success, so
// dest never holds a partial result.
func (t *Transformer) Transform(ctx context.Context, src, ext, dest string, progress domain.ProgressFunc) (string, error) {
	if progress == nil {
		progress = func(domain.Progress) {}
	}
	if !strings.HasSuffix(dest, "."+ext) {
		return "", &domain.TransformError{ExitCode: -1, Err: fmt.Errorf("destination %s does not match extension %q", dest, ext)}
	}
	if t.confiner != nil {
		if _, err := t.confiner.Confine(dest); err != nil {
			return "", &domain.TransformError{ExitCode: -1, Err: err}
		}
	}

	total := t.probeDuration(ctx, src)
	if err := ctx.Err(); err != nil {
		return "", aborted(ctx)
	}

	// keep the extension last so ffmpeg can pick the muxer
	tmp := dest + ".part." + ext
	_ = os.Remove(tmp)

	preset := t.presets.Match(ext)
	args := []string{"-nostdin", "-y", "-i", src}
	args = append(args, preset.Args()...)
	args = append(args, "-progress", "pipe:1", "-nostats", tmp)

	t.log.Debug().Str("preset", preset.Name()).Strs("args", args).Msg("starting ffmpeg")

	cmd := exec.Command(t.ffmpeg, args...)
	procgroup.Isolate(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", &domain.TransformError{ExitCode: -1, Err: err}
	}
	stderr := newLineRing(diagnosticLines)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return "", &domain.TransformError{ExitCode: -1, Err: fmt.Errorf("start %s: %w", t.ffmpeg, err)}
	}

	waitCh := make(chan error, 1)
	go func() {
		parseProgress(stdout, total, progress)
		waitCh <- cmd.Wait()
	}()

	exited, err := awaitExit(ctx, waitCh)
	if !exited {
		t.log.Info().Str("src", src).Dur("grace", t.killGrace).Msg("stopping ffmpeg")
		if err := procgroup.Stop(cmd, waitCh, t.killGrace); err != nil {
			t.log.Debug().Err(err).Msg("ffmpeg exited after stop")
		}
		_ = os.Remove(tmp)
		return "", aborted(ctx)
	}
	if err != nil {
		_ = os.Remove(tmp)
		if ctx.Err() != nil {
			return "", aborted(ctx)
		}
		return "", &domain.TransformError{
			ExitCode:   exitCode(err),
			Diagnostic: stderr.String(),
			Err:        err,
		}
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", &domain.TransformError{ExitCode: 0, Err: fmt.Errorf("commit output: %w", err)}
	}

	final := domain.Progress{Percent: 100}
	if info, err := os.Stat(dest); err == nil {
		final.BytesDone = info.Size()
		final.BytesTotal = info.Size()
	}
	progress(final)
	return dest, nil
}

// awaitExit waits for the process result on waitCh. It reports exited as
// false only when ctx ends while the process is still running; a process
// that already exited keeps its result.
func awaitExit(ctx context.Context, waitCh <-chan error) (exited bool, err error) {
	select {
	case err := <-waitCh:
		return true, err
	case <-ctx.Done():
		select {
		case err := <-waitCh:
			return true, err
		default:
			return false, nil
		}
	}
}

// probeDuration returns the source duration in microseconds, or zero when
// it is unknown.
func (t *Transformer) probeDuration(ctx context.Context, src string) int64 {
	if t.ffprobe == "" {
		return 0
	}
	cmd := exec.CommandContext(ctx, t.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		src,
	)
	out, err := cmd.Output()
	if err != nil {
		t.log.Debug().Err(err).Str("src", src).Msg("duration probe failed")
		return 0
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return int64(secs * 1e6)
}

// parseProgress reads ffmpeg -progress output and reports once per block.
func parseProgress(r io.Reader, totalUs int64, progress domain.ProgressFunc) {
	var cur domain.Progress
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			us, err := strconv.ParseInt(value, 10, 64)
			if err == nil && totalUs > 0 && us > 0 {
				cur.Percent = min(float64(us)*100/float64(totalUs), 99.9)
			}
		case "total_size":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				cur.BytesDone = n
			}
		case "progress":
			if value == "continue" {
				progress(cur)
			}
		}
	}
	// drain so the process never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func aborted(ctx context.Context) error {
	return fmt.Errorf("transform aborted: %w", context.Cause(ctx))
}
