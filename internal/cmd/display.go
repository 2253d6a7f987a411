package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/corentel/difysync/internal/archive"
	"github.com/corentel/difysync/internal/engine"
	"github.com/corentel/difysync/internal/metastore"
)

const (
	// Time duration constants for relative time formatting.
	hoursPerDay  = 24
	daysPerWeek  = 7
	daysPerMonth = 30
)

// displayCycleResult prints the outcome of a single sync cycle.
//
//nolint:forbidigo // CLI user output function
func displayCycleResult(result engine.CycleResult) {
	fmt.Printf("Sync complete: %d added, %d modified, %d removed", result.Added, result.Modified, result.Removed)
	if result.Failed > 0 {
		fmt.Printf(", %d FAILED", result.Failed)
	}
	fmt.Println()
}

// displayStatus prints the store's status counts, failed files, and recent
// sync history.
//
//nolint:forbidigo // CLI user output function
func displayStatus(counts map[metastore.Status]int, failed []metastore.FileRecord, history []metastore.HistoryEntry) {
	total := 0
	for _, n := range counts {
		total += n
	}

	fmt.Printf("Tracked files: %d\n", total)
	fmt.Printf("  synced:  %d\n", counts[metastore.StatusSynced])
	fmt.Printf("  pending: %d\n", counts[metastore.StatusPending])
	fmt.Printf("  failed:  %d\n", counts[metastore.StatusFailed])

	if len(failed) > 0 {
		fmt.Println("\nFailed files:")
		for _, rec := range failed {
			fmt.Printf("  %s (%s): %s\n", rec.Path, rec.RemoteID, rec.LastError)
		}
	}

	if len(history) > 0 {
		fmt.Println("\nRecent activity:")
		for _, entry := range history {
			fmt.Printf("  %s  %-8s  %s\n", formatTimeSince(entry.CreatedAt), entry.Action, entry.Details)
		}
	}
}

// displayCheck prints one connectivity check result.
//
//nolint:forbidigo // CLI user output function
func displayCheck(name string, err error) {
	if err != nil {
		fmt.Printf("✗ %-14s %v\n", name, err)
		return
	}
	fmt.Printf("✓ %-14s OK\n", name)
}

// displayCheckDetail prints one connectivity check result with extra detail
// on success.
//
//nolint:forbidigo // CLI user output function
func displayCheckDetail(name string, err error, detail string) {
	if err != nil {
		fmt.Printf("✗ %-14s %v\n", name, err)
		return
	}
	fmt.Printf("✓ %-14s OK (%s)\n", name, detail)
}

// displayRemoteConfig shows the current mirror remote configuration.
//
//nolint:forbidigo // CLI user output function
func displayRemoteConfig(cfg *archive.RemoteConfig) {
	fmt.Println("Mirror remote configuration:")

	if cfg.URL == "" {
		fmt.Println("  URL:    (not set - mirror is local only)")
	} else {
		fmt.Printf("  URL:    %s\n", cfg.URL)
	}
	fmt.Printf("  Branch: %s\n", cfg.Branch)
	fmt.Printf("  Author: %s <%s>\n", cfg.User, cfg.Email)

	if cfg.IsEnabled() {
		authMethod := "HTTPS (DFY_GIT_PASS)"
		if cfg.IsSSH() {
			authMethod = "SSH agent"
		}
		fmt.Printf("  Auth:   %s\n", authMethod)
		fmt.Printf("  Push:   %t\n", cfg.IsPushEnabled())
	}
}

// displayConnectionTest tests and reports the remote connection.
//
//nolint:forbidigo // CLI user output function
func displayConnectionTest(ctx context.Context, cfg *archive.RemoteConfig) error {
	fmt.Printf("Testing connection to %s...\n", cfg.URL)

	if err := cfg.TestConnection(ctx); err != nil {
		fmt.Printf("Connection failed: %v\n", err)
		return err
	}

	fmt.Println("Connection successful")
	return nil
}

// formatTimeSince formats a timestamp as a human-readable relative duration.
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < hoursPerDay*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < daysPerWeek*hoursPerDay*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/hoursPerDay))
	case d < daysPerMonth*hoursPerDay*time.Hour:
		return fmt.Sprintf("%dw ago", int(d.Hours()/(daysPerWeek*hoursPerDay)))
	default:
		return t.Format("2006-01-02")
	}
}
