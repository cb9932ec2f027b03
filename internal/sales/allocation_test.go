package sales

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-wms/lodestar/internal/stock"
)

func candidate(bin uuid.UUID, lastMovement time.Time, expiry *time.Time) AllocationCandidate {
	return AllocationCandidate{
		Balance: stock.Balance{
			BalanceKey:     stock.BalanceKey{BinLocationID: bin},
			LastMovementAt: lastMovement,
		},
		LotExpiration: expiry,
	}
}

func binOrder(candidates []AllocationCandidate) []uuid.UUID {
	out := make([]uuid.UUID, len(candidates))
	for i, c := range candidates {
		out[i] = c.BinLocationID
	}
	return out
}

func TestRankCandidates(t *testing.T) {
	old, mid, recent := uuid.New(), uuid.New(), uuid.New()
	now := time.Now()
	soon := now.Add(24 * time.Hour)
	later := now.Add(90 * 24 * time.Hour)

	build := func() []AllocationCandidate {
		return []AllocationCandidate{
			candidate(recent, now, nil),
			candidate(old, now.Add(-72*time.Hour), &later),
			candidate(mid, now.Add(-24*time.Hour), &soon),
		}
	}

	fifo := build()
	rankCandidates(fifo, StrategyFIFO)
	require.Equal(t, []uuid.UUID{old, mid, recent}, binOrder(fifo))

	lifo := build()
	rankCandidates(lifo, StrategyLIFO)
	require.Equal(t, []uuid.UUID{recent, mid, old}, binOrder(lifo))

	// Nearest expiry first; lot-less rows sort after every dated lot.
	nearest := build()
	rankCandidates(nearest, StrategyNearestExpiry)
	require.Equal(t, []uuid.UUID{mid, old, recent}, binOrder(nearest))
}

func TestRankCandidatesExpiryFallsBackToAge(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	now := time.Now()

	candidates := []AllocationCandidate{
		candidate(b, now, nil),
		candidate(a, now.Add(-time.Hour), nil),
	}
	rankCandidates(candidates, StrategyNearestExpiry)
	require.Equal(t, []uuid.UUID{a, b}, binOrder(candidates))
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	require.Equal(t, StrategyFIFO, s)

	s, err = ParseStrategy("nearest_expiry")
	require.NoError(t, err)
	require.Equal(t, StrategyNearestExpiry, s)

	_, err = ParseStrategy("random")
	require.Error(t, err)
}
