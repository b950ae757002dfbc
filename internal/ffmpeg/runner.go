package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// ToolError reports a nonzero exit from the external tool, carrying the
// diagnostic text it wrote while running.
type ToolError struct {
	ExitCode int
	Output   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool exited with code %d: %s", e.ExitCode, e.Output)
}

// timePattern matches the elapsed-time marker ffmpeg prints on its
// diagnostic stream, e.g. "time=00:01:23.45".
var timePattern = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

type runner struct {
	log *slog.Logger
}

// run executes bin with args, streaming its stderr line by line. Every line
// goes to the debug log verbatim; lines carrying a time= marker are turned
// into progress against duration. Cancelling ctx kills the process and
// surfaces as ctx.Err, not as a tool failure.
func (r *runner) run(ctx context.Context, bin string, args []string, duration float64, onProgress func(pct float64)) (string, error) {
	const op = "ffmpeg.run"

	r.log.Debug("executing tool",
		slog.String("op", op),
		slog.String("bin", bin),
		slog.String("args", strings.Join(args, " ")),
	)

	cmd := exec.CommandContext(ctx, bin, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	var captured strings.Builder

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		r.log.Debug(line)
		captured.WriteString(line)
		captured.WriteByte('\n')

		if pct, ok := parseProgress(line, duration); ok && onProgress != nil {
			onProgress(pct)
		}
	}

	err = cmd.Wait()

	if ctx.Err() != nil {
		return captured.String(), fmt.Errorf("%s: %w", op, ctx.Err())
	}

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}

		return captured.String(), fmt.Errorf("%s: %w", op, &ToolError{
			ExitCode: exitCode,
			Output:   captured.String(),
		})
	}

	return captured.String(), nil
}

// runCapture executes bin with args and returns its stdout. Used for the
// probe tool, which writes structured output to stdout rather than stderr.
func (r *runner) runCapture(ctx context.Context, bin string, args []string) (string, error) {
	const op = "ffmpeg.runCapture"

	r.log.Debug("executing tool",
		slog.String("op", op),
		slog.String("bin", bin),
		slog.String("args", strings.Join(args, " ")),
	)

	cmd := exec.CommandContext(ctx, bin, args...)

	out, err := cmd.Output()

	if ctx.Err() != nil {
		return "", fmt.Errorf("%s: %w", op, ctx.Err())
	}

	if err != nil {
		exitCode := -1
		output := string(out)
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			output = string(exitErr.Stderr)
		}

		return "", fmt.Errorf("%s: %w", op, &ToolError{
			ExitCode: exitCode,
			Output:   output,
		})
	}

	return string(out), nil
}

func parseProgress(line string, duration float64) (float64, bool) {
	if duration <= 0 {
		return 0, false
	}

	m := timePattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}

	hours, _ := strconv.ParseFloat(m[1], 64)
	minutes, _ := strconv.ParseFloat(m[2], 64)
	seconds, _ := strconv.ParseFloat(m[3], 64)

	elapsed := hours*3600 + minutes*60 + seconds

	pct := elapsed / duration * 100
	if pct > 100 {
		pct = 100
	}

	return pct, true
}
