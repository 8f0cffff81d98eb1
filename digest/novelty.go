package digest

import "bounty-digest/pkg/notifier"

// FindNewBounties returns the bounties whose id is not in knownIDs, in input order.
// An empty knownIDs means every bounty is new.
func FindNewBounties(bounties []*notifier.Bounty, knownIDs []int64) []*notifier.Bounty {
	known := make(map[int64]struct{}, len(knownIDs))
	for _, id := range knownIDs {
		known[id] = struct{}{}
	}

	fresh := make([]*notifier.Bounty, 0, len(bounties))
	for _, b := range bounties {
		if _, ok := known[b.ID]; !ok {
			fresh = append(fresh, b)
		}
	}
	return fresh
}

// BountyIDs returns the ids of bounties, in input order.
func BountyIDs(bounties []*notifier.Bounty) []int64 {
	ids := make([]int64, len(bounties))
	for i, b := range bounties {
		ids[i] = b.ID
	}
	return ids
}
