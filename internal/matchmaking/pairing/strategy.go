package pairing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fkhayef/questarena/internal/queue"
)

// StrategyType defines the side assignment strategy
type StrategyType string

const (
	StrategyTypeAlternating StrategyType = "ALTERNATING"
	StrategyTypeBlock       StrategyType = "BLOCK"
)

// Strategy is the interface that all side assignment strategies must implement
type Strategy interface {
	// Assign splits claimed entries, oldest first, into two equal sides
	Assign(entries []*queue.Entry) (sideA, sideB []*queue.Entry, err error)

	// Type returns the type identifier for this strategy
	Type() StrategyType
}

// Factory creates pairing strategies based on the requested type
type Factory struct{}

// NewStrategyFactory creates a new factory instance
func NewStrategyFactory() *Factory {
	return &Factory{}
}

// Create returns the appropriate strategy implementation based on the type
func (f *Factory) Create(strategyType StrategyType) (Strategy, error) {
	switch strategyType {
	case StrategyTypeAlternating, "":
		return &AlternatingStrategy{}, nil
	case StrategyTypeBlock:
		return &BlockStrategy{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategyType)
	}
}

// CreateFromString creates a strategy from a configuration value
func (f *Factory) CreateFromString(strategyType string) (Strategy, error) {
	return f.Create(StrategyType(strings.ToUpper(strings.TrimSpace(strategyType))))
}

var (
	ErrUnknownStrategy = errors.New("unknown pairing strategy")
	ErrNoEntries       = errors.New("at least two entries are required")
	ErrUnevenEntries   = errors.New("entries cannot be split into two equal sides")
)

func validate(entries []*queue.Entry) error {
	if len(entries) < 2 {
		return ErrNoEntries
	}
	if len(entries)%2 != 0 {
		return ErrUnevenEntries
	}
	return nil
}
