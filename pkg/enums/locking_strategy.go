package enums

import "fmt"

// LockingStrategy selects how account mutations are serialized per user.
type LockingStrategy string

const (
	// LockingStrategyPessimistic locks the account row with SELECT ... FOR UPDATE.
	// This is the production default.
	LockingStrategyPessimistic LockingStrategy = "pessimistic"
	// LockingStrategyOptimistic uses a version-checked update with retries.
	LockingStrategyOptimistic LockingStrategy = "optimistic"
)

var validLockingStrategies = []LockingStrategy{
	LockingStrategyPessimistic,
	LockingStrategyOptimistic,
}

// IsValid reports whether the value is known.
func (s LockingStrategy) IsValid() bool {
	for _, candidate := range validLockingStrategies {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseLockingStrategy converts raw input into a LockingStrategy.
func ParseLockingStrategy(value string) (LockingStrategy, error) {
	for _, candidate := range validLockingStrategies {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid locking strategy %q", value)
}
