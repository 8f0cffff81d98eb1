package digest

import (
	"strings"

	"bounty-digest/pkg/notifier"
)

// FilterByTags returns the bounties sharing at least one tag with tags.
// Comparison is case-insensitive. No tags means no preference, so the input
// is returned unchanged.
func FilterByTags(bounties []*notifier.Bounty, tags []string) []*notifier.Bounty {
	if len(tags) == 0 {
		return bounties
	}

	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		want[strings.ToLower(t)] = struct{}{}
	}

	matched := make([]*notifier.Bounty, 0, len(bounties))
	for _, b := range bounties {
		for _, t := range b.Tags {
			if _, ok := want[strings.ToLower(t)]; ok {
				matched = append(matched, b)
				break
			}
		}
	}
	return matched
}
