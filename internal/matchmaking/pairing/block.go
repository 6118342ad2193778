package pairing

import "github.com/fkhayef/questarena/internal/queue"

// =============================================================================
// BLOCK STRATEGY
// The older half of the claim plays the newer half
// =============================================================================

// BlockStrategy implements the Strategy interface by splitting the claim in two halves
type BlockStrategy struct{}

// Type returns the strategy type identifier
func (s *BlockStrategy) Type() StrategyType {
	return StrategyTypeBlock
}

// Assign puts the first half on side A and the second half on side B
func (s *BlockStrategy) Assign(entries []*queue.Entry) ([]*queue.Entry, []*queue.Entry, error) {
	if err := validate(entries); err != nil {
		return nil, nil, err
	}

	half := len(entries) / 2
	a := append([]*queue.Entry(nil), entries[:half]...)
	b := append([]*queue.Entry(nil), entries[half:]...)
	return a, b, nil
}
