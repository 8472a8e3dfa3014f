package piece

import "fmt"

// Strategy chooses which candidate piece to request next. Candidates are the
// pieces the peer has that are wanted, missing and not yet requested;
// availability holds, per piece, how many connected peers advertise it.
type Strategy interface {
	Choose(candidates *Bitfield, availability []int) (int, bool)
}

// Sequential picks the lowest-indexed candidate.
type Sequential struct{}

func (Sequential) Choose(candidates *Bitfield, _ []int) (int, bool) {
	for i := 0; i < candidates.Len(); i++ {
		if candidates.Has(i) {
			return i, true
		}
	}
	return 0, false
}

// RarestFirst picks the candidate advertised by the fewest peers, lowest
// index on ties.
type RarestFirst struct{}

func (RarestFirst) Choose(candidates *Bitfield, availability []int) (int, bool) {
	best, bestCount := -1, 0
	for i := 0; i < candidates.Len(); i++ {
		if !candidates.Has(i) {
			continue
		}
		c := 0
		if i < len(availability) {
			c = availability[i]
		}
		if best < 0 || c < bestCount {
			best, bestCount = i, c
		}
	}
	return best, best >= 0
}

// StrategyByName maps the configured strategy name to an implementation.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", "sequential":
		return Sequential{}, nil
	case "rarest", "rarest-first":
		return RarestFirst{}, nil
	default:
		return nil, fmt.Errorf("unknown piece strategy %q", name)
	}
}
