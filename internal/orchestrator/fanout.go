package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/waypoint-sync/internal/convert"
	"github.com/nerrad567/waypoint-sync/internal/device"
	"github.com/nerrad567/waypoint-sync/internal/waypoint"
)

// fanOut runs one pass: the canonical file is converted once per distinct
// device format (bounded parallelism), then every affected record is
// broadcast once per device whose conversion succeeded. Per-device failures
// are logged and counted; they never abort the pass.
func (o *Orchestrator) fanOut(ctx context.Context, trigger string, affected []waypoint.Record) PassReport {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	started := time.Now()
	report := PassReport{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: started.UTC(),
		Affected:  len(affected),
	}

	devices := o.devices.ListDevices()
	report.Devices = len(devices)

	var mapped []device.Descriptor
	for _, d := range devices {
		if d.FormatKey == o.cfg.SourceFormat {
			mapped = append(mapped, d)
			continue
		}
		if _, ok := o.converter.Lookup(d.FormatKey); !ok {
			o.logger.Debug("device has no format mapping, skipped", "device", d.DisplayName, "format", d.FormatKey)
			report.Skipped++
			continue
		}
		mapped = append(mapped, d)
	}

	outcomes := o.convertFormats(ctx, mapped)

	for _, d := range mapped {
		conv := outcomes[d.FormatKey]
		out := DeviceOutcome{
			Device:           d,
			OutputFile:       conv.OutputFile,
			Converted:        conv.OK(),
			ConversionTimeMS: conv.Duration.Milliseconds(),
		}
		if !conv.OK() {
			out.Error = conv.Err.Error()
			report.ConversionFailures++
			o.logger.Error("conversion failed", "device", d.DisplayName, "format", d.FormatKey, "error", conv.Err)
			report.Outcomes = append(report.Outcomes, out)
			continue
		}
		report.Conversions++

		if o.bus != nil {
			for _, rec := range affected {
				if ctx.Err() != nil {
					break
				}
				if err := o.bus.Broadcast(ctx, rec); err != nil {
					out.BroadcastErrors++
					report.BroadcastFailures++
					o.logger.Warn("broadcast failed", "device", d.DisplayName, "id", rec.ID, "error", err)
					continue
				}
				out.Broadcasts++
				report.Broadcasts++
			}
		}
		report.Outcomes = append(report.Outcomes, out)
	}

	report.Duration = time.Since(started)
	o.finishPass(ctx, report)
	return report
}

// convertFormats converts the canonical file once per distinct format key.
// Devices reading the source format get the canonical file as is.
func (o *Orchestrator) convertFormats(ctx context.Context, devices []device.Descriptor) map[string]convert.Outcome {
	keys := make([]string, 0, len(devices))
	seen := make(map[string]bool, len(devices))
	results := make(map[string]convert.Outcome, len(devices))
	for _, d := range devices {
		if d.FormatKey == o.cfg.SourceFormat {
			results[d.FormatKey] = convert.Outcome{Target: d.FormatKey, Format: o.cfg.SourceFormat, OutputFile: o.cfg.CanonicalFile}
			continue
		}
		if !seen[d.FormatKey] {
			seen[d.FormatKey] = true
			keys = append(keys, d.FormatKey)
		}
	}
	sort.Strings(keys)

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.FanoutConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			out := o.converter.ConvertDetailed(gctx, o.cfg.CanonicalFile, o.cfg.SourceFormat, key)
			mu.Lock()
			results[key] = out
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors

	return results
}

func (o *Orchestrator) finishPass(ctx context.Context, report PassReport) {
	o.passes.Add(1)

	o.stateMu.Lock()
	r := report
	o.lastPass = &r
	o.stateMu.Unlock()

	if o.recorder != nil {
		if err := o.recorder.RecordPass(context.WithoutCancel(ctx), report); err != nil {
			o.logger.Error("recording sync pass", "id", report.ID, "error", err)
		}
	}

	o.relayPass(report)

	o.logger.Info("sync pass complete",
		"id", report.ID,
		"trigger", report.Trigger,
		"affected", report.Affected,
		"devices", report.Devices,
		"conversions", report.Conversions,
		"conversion_failures", report.ConversionFailures,
		"broadcasts", report.Broadcasts,
		"broadcast_failures", report.BroadcastFailures,
		"duration_ms", report.Duration.Milliseconds(),
	)
}
