package device

import (
	"sort"
	"sync"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// DeviceTableSource lists the nodes currently present on the bus.
// This interface is satisfied by the n2k bridge (via adapter in main.go).
type DeviceTableSource interface {
	BusDevices() []BusDevice
}

// Stats counts the outcome of the most recent ListDevices call.
type Stats struct {
	Override bool `json:"override"`
	Known    int  `json:"known"`
	Unknown  int  `json:"unknown"`
	Queries  int  `json:"queries"`
}

// Registry answers "which devices are attached and what format does each
// need". Nothing is cached between queries: every ListDevices call resolves
// the current bus table afresh.
//
// In override mode the injected list is returned verbatim and the bus is
// never queried. Override is explicit configuration, never auto-detected.
//
// All public methods are thread-safe.
type Registry struct {
	mu       sync.RWMutex
	source   DeviceTableSource
	names    NameTable
	override []Descriptor
	stats    Stats
	logger   Logger
}

// NewRegistry creates a registry resolving the given bus table through names.
// A nil names table uses DefaultNameTable. source may be nil, in which case
// only override mode yields devices.
func NewRegistry(source DeviceTableSource, names NameTable) *Registry {
	if names == nil {
		names = DefaultNameTable()
	}
	table := make(NameTable, len(names))
	for k, v := range names {
		table[k] = v
	}
	return &Registry{
		source: source,
		names:  table,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetSource replaces the bus table source.
func (r *Registry) SetSource(source DeviceTableSource) {
	r.mu.Lock()
	r.source = source
	r.mu.Unlock()
}

// SetOverride switches to override mode with the given list.
// A nil or empty list returns the registry to normal mode.
func (r *Registry) SetOverride(list []Descriptor) error {
	for _, d := range list {
		if err := d.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(list) == 0 {
		r.override = nil
		return nil
	}
	r.override = append([]Descriptor(nil), list...)
	r.logger.Info("device override active", "count", len(list))
	return nil
}

// Override reports whether override mode is active.
func (r *Registry) Override() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.override != nil
}

// AddName registers or replaces a NAME in the lookup table.
func (r *Registry) AddName(name uint64, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.names[name] = d
	r.mu.Unlock()
	return nil
}

// ListDevices returns the devices currently attached.
//
// Normal mode queries the bus table, resolves each NAME and drops unknown
// identities silently. Output is ordered by source address. Override mode
// returns the injected list unchanged.
func (r *Registry) ListDevices() []Descriptor {
	entries := r.ListEntries()
	out := make([]Descriptor, len(entries))
	for i, e := range entries {
		out[i] = e.Descriptor
	}
	return out
}

// ListEntries is ListDevices with bus identities attached.
func (r *Registry) ListEntries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Queries++
	if r.override != nil {
		out := make([]Entry, len(r.override))
		for i, d := range r.override {
			out[i] = Entry{Descriptor: d}
		}
		r.stats.Override = true
		r.stats.Known = len(out)
		r.stats.Unknown = 0
		return out
	}
	r.stats.Override = false

	if r.source == nil {
		r.stats.Known, r.stats.Unknown = 0, 0
		return []Entry{}
	}

	bus := r.source.BusDevices()
	sort.Slice(bus, func(i, j int) bool { return bus[i].Source < bus[j].Source })

	out := make([]Entry, 0, len(bus))
	unknown := 0
	for _, b := range bus {
		d, ok := r.names[b.NAME]
		if !ok {
			unknown++
			r.logger.Debug("unknown bus identity ignored", "source", b.Source, "name_id", FormatNAME(b.NAME))
			continue
		}
		out = append(out, Entry{Descriptor: d, Source: b.Source, NAME: FormatNAME(b.NAME)})
	}
	r.stats.Known = len(out)
	r.stats.Unknown = unknown
	return out
}

// Stats returns counters from the most recent query.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}
