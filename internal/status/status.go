// Package status computes the daemon's observable state — auth validity,
// connectivity, scheduler health, outstanding conflicts and mount
// presence — and broadcasts it over D-Bus only when it changes.
package status

import (
	"context"
	"net/http"
	"time"
)

// SyncState is the scheduler's coarse sync_cycle health, as observed by
// the status computation.
type SyncState string

const (
	SyncRunning SyncState = "Running"
	SyncPaused  SyncState = "Paused"
	SyncError   SyncState = "Error"
)

// DaemonStatus is the tuple exposed to IPC clients and broadcast over
// D-Bus. Two values are equal (and so produce no broadcast) when every
// field compares equal.
type DaemonStatus struct {
	IsAuthenticated bool      `json:"is_authenticated"`
	IsConnected     bool      `json:"is_connected"`
	SyncStatus      SyncState `json:"sync_status"`
	HasConflicts    bool      `json:"has_conflicts"`
	IsMounted       bool      `json:"is_mounted"`
}

// Inputs supplies the independent observations Compute folds into a
// DaemonStatus. Each is a closure rather than a concrete dependency so
// this package stays free of import cycles with auth, scheduler and
// metadata.
type Inputs struct {
	// AuthValid reports whether the held credential is still usable.
	AuthValid func() bool
	// SyncState reports the scheduler's current sync_cycle health.
	SyncState func() SyncState
	// ConflictCount returns the number of unresolved conflict records.
	ConflictCount func() (int, error)
	// IsMounted reports whether the mountpoint is currently registered
	// with the kernel.
	IsMounted func() bool
	// ProbeURL is fetched with a HEAD request as the connectivity probe;
	// any response (even a 4xx) counts as connected.
	ProbeURL string
	// ProbeTimeout bounds the connectivity probe. Defaults to 5s.
	ProbeTimeout time.Duration
}

// Compute evaluates every Inputs closure and assembles the resulting
// DaemonStatus. A failing ConflictCount is treated as "no conflicts
// known" rather than aborting the whole computation — a transient
// metadata read failure shouldn't blank out every other field.
func Compute(ctx context.Context, in Inputs) DaemonStatus {
	conflicts, _ := in.ConflictCount()
	return DaemonStatus{
		IsAuthenticated: in.AuthValid(),
		IsConnected:     probe(ctx, in.ProbeURL, in.ProbeTimeout),
		SyncStatus:      in.SyncState(),
		HasConflicts:    conflicts > 0,
		IsMounted:       in.IsMounted(),
	}
}

func probe(ctx context.Context, url string, timeout time.Duration) bool {
	if url == "" {
		return false
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return true
}
