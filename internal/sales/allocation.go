package sales

import "sort"

// rankCandidates orders allocatable balance rows per the chosen strategy.
// FIFO uses the balance row's last-movement timestamp, oldest first; true
// first-expired-first-out would order by the lot's manufacture date instead,
// which nearest_expiry approximates by joining through the lot expiry.
func rankCandidates(candidates []AllocationCandidate, strategy AllocationStrategy) {
	switch strategy {
	case StrategyLIFO:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].LastMovementAt.After(candidates[j].LastMovementAt)
		})
	case StrategyNearestExpiry:
		sort.SliceStable(candidates, func(i, j int) bool {
			ei, ej := candidates[i].LotExpiration, candidates[j].LotExpiration
			switch {
			case ei != nil && ej != nil && !ei.Equal(*ej):
				return ei.Before(*ej)
			case ei != nil && ej == nil:
				return true
			case ei == nil && ej != nil:
				return false
			default:
				return candidates[i].LastMovementAt.Before(candidates[j].LastMovementAt)
			}
		})
	default: // FIFO
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].LastMovementAt.Before(candidates[j].LastMovementAt)
		})
	}
}
