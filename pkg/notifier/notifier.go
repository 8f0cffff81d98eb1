// Package notifier contains the core domain types for the bounty digest service.
package notifier

import (
	"fmt"
	"strings"
	"time"
)

// Cadence is how often a subscriber wants a digest.
type Cadence string

const (
	Daily  Cadence = "daily"
	Weekly Cadence = "weekly"
)

// ParseCadence validates a cadence string. Empty input defaults to daily.
func ParseCadence(s string) (Cadence, error) {
	switch Cadence(strings.ToLower(strings.TrimSpace(s))) {
	case "", Daily:
		return Daily, nil
	case Weekly:
		return Weekly, nil
	default:
		return "", fmt.Errorf("unknown cadence %q (want daily or weekly)", s)
	}
}

// Subscriber is a person receiving bounty digests.
type Subscriber struct {
	CreatedAt      time.Time  `json:"createdAt"`
	LastDigestSent *time.Time `json:"lastDigestSent"` // Only written by the digest engine after a confirmed send
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Cadence        Cadence    `json:"frequency"`
	Tags           []string   `json:"tags"` // Lowercase; empty means every bounty
	Active         bool       `json:"active"`
}

// Bounty is an immutable snapshot of a bounty as returned by the board API.
type Bounty struct {
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	Tags        []string   `json:"tags"`
	Amount      float64    `json:"amount"`
	ID          int64      `json:"id"`
}

// StatusOpen is the only bounty status the digest engine cares about.
const StatusOpen = "open"

// Watermark records what the previous successful run observed.
type Watermark struct {
	LastDailyRun   *time.Time `json:"lastDailyRun"`
	LastWeeklyRun  *time.Time `json:"lastWeeklyRun"`
	KnownBountyIDs []int64    `json:"lastKnownBountyIds"`
}

// RunState is the terminal state of a digest run.
type RunState string

const (
	RunDone    RunState = "done"
	RunSkipped RunState = "skipped"
	RunAborted RunState = "aborted"
)

// RunSummary reports what a single digest run did.
type RunSummary struct {
	StartedAt    time.Time `json:"startedAt"`
	State        RunState  `json:"state"`
	SkipReason   string    `json:"skipReason,omitempty"`
	PersistError string    `json:"persistError,omitempty"`
	OpenBounties int       `json:"openBounties"`
	NewBounties  int       `json:"newBounties"`
	DailySent    int       `json:"dailySent"`
	WeeklySent   int       `json:"weeklySent"`
	Failures     int       `json:"failures"`
	WeeklyRun    bool      `json:"weeklyRun"`
}
