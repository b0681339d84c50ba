package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for the external converter.
const (
	DefaultBinary  = "gpsbabel"
	DefaultTimeout = 30 * time.Second

	// maxOutputInError bounds converter output quoted in errors.
	maxOutputInError = 512
)

// Logger defines the logging interface used by the Dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Dispatcher.
type Options struct {
	// Formats is the initial format map. Nil starts empty.
	Formats FormatMap

	// Binary is the converter executable. Default: gpsbabel.
	Binary string

	// Timeout bounds one conversion. Default: 30s.
	Timeout time.Duration

	// OutputDir receives converted files. Empty uses the canonical file's directory.
	OutputDir string

	// Runner executes the converter. Default: ExecRunner.
	Runner Runner

	Logger Logger
}

// Outcome is the result of converting to one target.
type Outcome struct {
	Target     string        `json:"target"`
	Format     string        `json:"format,omitempty"`
	OutputFile string        `json:"output_file,omitempty"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

// OK reports whether the conversion succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Stats counts conversions since start.
type Stats struct {
	Attempts  uint64 `json:"attempts"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Formats   int    `json:"formats"`
}

// Dispatcher maps device format keys to converter formats and runs the
// converter on the canonical file.
//
// Thread Safety: All methods are safe for concurrent use. Reload swaps
// the map atomically; in-flight conversions keep the map they started with.
type Dispatcher struct {
	mu      sync.RWMutex
	formats FormatMap

	binary  string
	timeout time.Duration
	outDir  string
	runner  Runner
	logger  Logger

	attempts  atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	formats := opts.Formats.Clone()

	return &Dispatcher{
		formats: formats,
		binary:  opts.Binary,
		timeout: opts.Timeout,
		outDir:  opts.OutputDir,
		runner:  opts.Runner,
		logger:  opts.Logger,
	}
}

// Formats returns a copy of the current format map.
func (d *Dispatcher) Formats() FormatMap {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.formats.Clone()
}

// SetFormats replaces the format map.
func (d *Dispatcher) SetFormats(m FormatMap) {
	clone := m.Clone()
	d.mu.Lock()
	d.formats = clone
	d.mu.Unlock()
}

// Reload reads path and swaps the map in. On error the current map is kept.
func (d *Dispatcher) Reload(path string) (int, error) {
	m, err := LoadFormatMap(path)
	if err != nil {
		return 0, err
	}
	d.SetFormats(m)
	d.logger.Info("format map reloaded", "path", path, "formats", len(m))
	return len(m), nil
}

// Lookup returns the external format for a device format key.
func (d *Dispatcher) Lookup(key string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.formats.Lookup(key)
}

// Convert converts canonicalFile to targetFormat and reports success.
// Failures are logged; see ConvertDetailed for the cause.
func (d *Dispatcher) Convert(ctx context.Context, canonicalFile, sourceFormat, targetFormat string) bool {
	return d.ConvertDetailed(ctx, canonicalFile, sourceFormat, targetFormat).OK()
}

// ConvertDetailed converts canonicalFile from sourceFormat to targetFormat.
//
// Both format keys are resolved through the map; the gpx source key maps to
// itself when absent. An unmapped target never invokes the converter.
//
// Parameters:
//   - ctx: Context for cancellation; the run is also bounded by the configured timeout
//   - canonicalFile: Input file
//   - sourceFormat, targetFormat: Format keys
//
// Returns:
//   - Outcome: Output path on success, or Err wrapping ErrInputMissing,
//     ErrUnmappedFormat or ErrConversionFailed
func (d *Dispatcher) ConvertDetailed(ctx context.Context, canonicalFile, sourceFormat, targetFormat string) Outcome {
	d.mu.RLock()
	formats := d.formats
	d.mu.RUnlock()
	return d.convert(ctx, formats, canonicalFile, sourceFormat, targetFormat)
}

func (d *Dispatcher) convert(ctx context.Context, formats FormatMap, canonicalFile, sourceFormat, targetFormat string) Outcome {
	start := time.Now()
	out := Outcome{Target: targetFormat}
	fail := func(err error) Outcome {
		out.Err = err
		out.Duration = time.Since(start)
		d.failed.Add(1)
		d.logger.Warn("conversion failed", "target", targetFormat, "input", canonicalFile, "error", err)
		return out
	}

	d.attempts.Add(1)

	if _, err := os.Stat(canonicalFile); err != nil {
		return fail(fmt.Errorf("%w: %s: %w", ErrInputMissing, canonicalFile, err))
	}

	inFormat, ok := formats.Lookup(sourceFormat)
	if !ok {
		if sourceFormat != SourceFallback {
			return fail(fmt.Errorf("%w: source %q", ErrUnmappedFormat, sourceFormat))
		}
		inFormat = SourceFallback
	}
	outFormat, ok := formats.Lookup(targetFormat)
	if !ok {
		return fail(fmt.Errorf("%w: target %q", ErrUnmappedFormat, targetFormat))
	}
	out.Format = outFormat

	outFile := OutputPath(d.outDir, canonicalFile, targetFormat)
	if filepath.Clean(outFile) == filepath.Clean(canonicalFile) {
		return fail(fmt.Errorf("%w: %s", ErrOutputIsInput, outFile))
	}
	if err := os.MkdirAll(filepath.Dir(outFile), 0o750); err != nil {
		return fail(fmt.Errorf("%w: creating output dir: %w", ErrConversionFailed, err))
	}

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	output, err := d.runner.Run(runCtx, d.binary, "-i", inFormat, "-f", canonicalFile, "-o", outFormat, "-F", outFile)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fail(fmt.Errorf("%w: %s timed out after %s", ErrConversionFailed, d.binary, d.timeout))
		}
		return fail(fmt.Errorf("%w: %w: %s", ErrConversionFailed, err, trimOutput(output)))
	}

	out.OutputFile = outFile
	out.Duration = time.Since(start)
	d.succeeded.Add(1)
	d.logger.Info("conversion complete", "target", targetFormat, "format", outFormat, "output", outFile, "duration", out.Duration.String())
	return out
}

// ConvertToAll converts canonicalFile to every key in formats except the
// source key. A nil map uses the current one. Failures are independent.
// Outcomes are ordered by key.
func (d *Dispatcher) ConvertToAll(ctx context.Context, canonicalFile, sourceFormat string, formats FormatMap) []Outcome {
	if formats == nil {
		d.mu.RLock()
		formats = d.formats
		d.mu.RUnlock()
	}

	var outcomes []Outcome
	for _, key := range formats.Keys() {
		if key == sourceFormat {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		outcomes = append(outcomes, d.convert(ctx, formats, canonicalFile, sourceFormat, key))
	}
	return outcomes
}

// Stats returns conversion counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	n := len(d.formats)
	d.mu.RUnlock()
	return Stats{
		Attempts:  d.attempts.Load(),
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
		Formats:   n,
	}
}

// OutputPath returns <outDir>/<base>.<targetKey>, where base is the
// canonical file name without extension. An empty outDir uses the
// canonical file's directory.
func OutputPath(outDir, canonicalFile, targetKey string) string {
	if outDir == "" {
		outDir = filepath.Dir(canonicalFile)
	}
	base := strings.TrimSuffix(filepath.Base(canonicalFile), filepath.Ext(canonicalFile))
	return filepath.Join(outDir, base+"."+targetKey)
}

func trimOutput(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxOutputInError {
		s = s[:maxOutputInError] + "..."
	}
	return s
}
