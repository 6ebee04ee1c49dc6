package ops

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"
)

// SystemStats contains process statistics
type SystemStats struct {
	Version   string
	Commit    string
	Uptime    time.Duration
	StartTime time.Time

	GoVersion     string
	NumGoroutines int
	MemAllocMB    float64
	MemSysMB      float64
	NumGC         uint32
}

// StorageStats contains storage-related statistics
type StorageStats struct {
	Driver          string
	TotalEvents     int64
	EventsByKind    map[int]int64
	Accounts        int64
	Follows         int64
	DeletedEvents   int64
	NewestEventTime *time.Time
}

// SessionStats describes the running client session
type SessionStats struct {
	MainAccount    string
	Relays         []string
	ActiveFilters  int
	Signers        int
	NeededDetails  int
	UnreadMentions int
}

// StorageStatsSource reports storage statistics. *storage.Storage
// implements it.
type StorageStatsSource interface {
	Stats(ctx context.Context) (*StorageStats, error)
}

// SessionStatsFunc reports the state of the running session
type SessionStatsFunc func(ctx context.Context) (*SessionStats, error)

// DiagnosticsCollector collects system diagnostics
type DiagnosticsCollector struct {
	version   string
	commit    string
	startTime time.Time
	storage   StorageStatsSource
	session   SessionStatsFunc
}

// NewDiagnosticsCollector creates a new diagnostics collector. session may
// be nil when no client session is running.
func NewDiagnosticsCollector(version, commit string, st StorageStatsSource, session SessionStatsFunc) *DiagnosticsCollector {
	return &DiagnosticsCollector{
		version:   version,
		commit:    commit,
		startTime: time.Now(),
		storage:   st,
		session:   session,
	}
}

// CollectSystemStats collects system-level statistics
func (d *DiagnosticsCollector) CollectSystemStats() *SystemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &SystemStats{
		Version:   d.version,
		Commit:    d.commit,
		Uptime:    time.Since(d.startTime),
		StartTime: d.startTime,

		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		MemAllocMB:    float64(m.Alloc) / 1024 / 1024,
		MemSysMB:      float64(m.Sys) / 1024 / 1024,
		NumGC:         m.NumGC,
	}
}

// CollectAll collects all available diagnostics
func (d *DiagnosticsCollector) CollectAll(ctx context.Context) (*Diagnostics, error) {
	diag := &Diagnostics{
		CollectedAt: time.Now(),
		System:      d.CollectSystemStats(),
	}

	storageStats, err := d.storage.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect storage stats: %w", err)
	}
	diag.Storage = storageStats

	if d.session != nil {
		sessionStats, err := d.session(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to collect session stats: %w", err)
		}
		diag.Session = sessionStats
	}

	return diag, nil
}

// Diagnostics contains all diagnostic information
type Diagnostics struct {
	CollectedAt time.Time
	System      *SystemStats
	Storage     *StorageStats
	Session     *SessionStats // nil without a running session
}

// FormatAsText formats diagnostics as plain text
func (d *Diagnostics) FormatAsText() string {
	var b strings.Builder

	fmt.Fprintf(&b, "=== strand Diagnostics ===\n")
	fmt.Fprintf(&b, "Collected: %s\n\n", d.CollectedAt.Format(time.RFC3339))

	fmt.Fprintf(&b, "--- System ---\n")
	fmt.Fprintf(&b, "Version: %s (%s)\n", d.System.Version, d.System.Commit)
	fmt.Fprintf(&b, "Uptime: %s\n", d.System.Uptime.Round(time.Second))
	fmt.Fprintf(&b, "Go Version: %s\n", d.System.GoVersion)
	fmt.Fprintf(&b, "Goroutines: %d\n", d.System.NumGoroutines)
	fmt.Fprintf(&b, "Memory: %.2f MB allocated, %.2f MB system\n", d.System.MemAllocMB, d.System.MemSysMB)
	fmt.Fprintf(&b, "GC Runs: %d\n\n", d.System.NumGC)

	fmt.Fprintf(&b, "--- Storage ---\n")
	fmt.Fprintf(&b, "Driver: %s\n", d.Storage.Driver)
	fmt.Fprintf(&b, "Total Events: %d\n", d.Storage.TotalEvents)
	fmt.Fprintf(&b, "Deleted Events: %d\n", d.Storage.DeletedEvents)
	fmt.Fprintf(&b, "Accounts: %d (%d follow edges)\n", d.Storage.Accounts, d.Storage.Follows)
	if d.Storage.NewestEventTime != nil {
		fmt.Fprintf(&b, "Newest Event: %s\n", d.Storage.NewestEventTime.Format(time.RFC3339))
	}
	if len(d.Storage.EventsByKind) > 0 {
		fmt.Fprintf(&b, "\nEvents by Kind:\n")
		kinds := make([]int, 0, len(d.Storage.EventsByKind))
		for kind := range d.Storage.EventsByKind {
			kinds = append(kinds, kind)
		}
		slices.Sort(kinds)
		for _, kind := range kinds {
			fmt.Fprintf(&b, "  Kind %d: %d events\n", kind, d.Storage.EventsByKind[kind])
		}
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "--- Session ---\n")
	if d.Session == nil {
		b.WriteString("Not running\n")
		return b.String()
	}
	main := d.Session.MainAccount
	if main == "" {
		main = "(none)"
	}
	fmt.Fprintf(&b, "Main Account: %s\n", main)
	fmt.Fprintf(&b, "Signers: %d\n", d.Session.Signers)
	fmt.Fprintf(&b, "Unread Mentions: %d\n", d.Session.UnreadMentions)
	fmt.Fprintf(&b, "Active Filters: %d\n", d.Session.ActiveFilters)
	fmt.Fprintf(&b, "Profiles Pending: %d\n", d.Session.NeededDetails)
	fmt.Fprintf(&b, "Relays: %d\n", len(d.Session.Relays))
	for _, relay := range d.Session.Relays {
		fmt.Fprintf(&b, "  %s\n", relay)
	}

	return b.String()
}
