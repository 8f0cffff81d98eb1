package digest

import (
	"time"

	"bounty-digest/pkg/notifier"
)

// Thresholds sit slightly below the nominal period so a scheduler tick that
// drifts by a few minutes does not push a subscriber out by a whole period.
const (
	dailyThreshold  = 23 * time.Hour
	weeklyThreshold = 6*24*time.Hour + 12*time.Hour
)

// Threshold returns the minimum time between two digests of the given cadence.
func Threshold(cadence notifier.Cadence) time.Duration {
	if cadence == notifier.Weekly {
		return weeklyThreshold
	}
	return dailyThreshold
}

// IsDue reports whether sub should receive a digest of the given cadence at now.
func IsDue(sub *notifier.Subscriber, cadence notifier.Cadence, now time.Time) bool {
	if sub == nil || sub.Cadence != cadence || !sub.Active {
		return false
	}
	if sub.LastDigestSent == nil {
		return true
	}
	return now.Sub(*sub.LastDigestSent) >= Threshold(cadence)
}
