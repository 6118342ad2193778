package pairing

import "github.com/fkhayef/questarena/internal/queue"

// =============================================================================
// ALTERNATING STRATEGY
// Deals entries to the two sides in turn so early arrivals land on both teams
// =============================================================================

// AlternatingStrategy implements the Strategy interface by dealing entries in turn
type AlternatingStrategy struct{}

// Type returns the strategy type identifier
func (s *AlternatingStrategy) Type() StrategyType {
	return StrategyTypeAlternating
}

// Assign puts even positions on side A and odd positions on side B
func (s *AlternatingStrategy) Assign(entries []*queue.Entry) ([]*queue.Entry, []*queue.Entry, error) {
	if err := validate(entries); err != nil {
		return nil, nil, err
	}

	half := len(entries) / 2
	a := make([]*queue.Entry, 0, half)
	b := make([]*queue.Entry, 0, half)
	for i, e := range entries {
		if i%2 == 0 {
			a = append(a, e)
		} else {
			b = append(b, e)
		}
	}
	return a, b, nil
}
