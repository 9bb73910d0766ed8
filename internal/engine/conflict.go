package engine

import (
	"time"

	"github.com/keelhq/prefsync/internal/settings"
)

// Strategy selects how conflicting values are reconciled.
type Strategy string

const (
	// StrategyLocalWins keeps the local value.
	StrategyLocalWins Strategy = "local-wins"

	// StrategyRemoteWins keeps the remote value.
	StrategyRemoteWins Strategy = "remote-wins"

	// StrategyMerge deep-merges maps, preferring local values on leaf
	// collisions; non-map values fall back to local-wins.
	StrategyMerge Strategy = "merge"

	// StrategyManual leaves conflicts unresolved and emits a
	// conflict-detected event for each one.
	StrategyManual Strategy = "manual"
)

// Conflict describes a divergence between a local and remote value for
// one settings field.
type Conflict struct {
	Field         string
	LocalValue    any
	RemoteValue   any
	ResolvedValue any
	ResolvedAt    time.Time
	Strategy      Strategy
	Resolved      bool
}

// ResolveConflicts applies the configured strategy to each conflict and
// returns the same slice with resolutions filled in. Under the manual
// strategy conflicts stay unresolved and a conflict-detected event is
// emitted per entry.
func (s *Synchronizer) ResolveConflicts(conflicts []Conflict) []Conflict {
	strategy := s.config.ConflictResolution
	if strategy == "" {
		strategy = StrategyLocalWins
	}

	resolved := 0
	now := time.Now()
	for i := range conflicts {
		c := &conflicts[i]
		c.Strategy = strategy

		switch strategy {
		case StrategyManual:
			c.Resolved = false
			s.emit(Event{Type: EventConflictDetected, Conflict: c})
			continue
		case StrategyRemoteWins:
			c.ResolvedValue = c.RemoteValue
		case StrategyMerge:
			c.ResolvedValue = mergeValues(c.LocalValue, c.RemoteValue)
		default: // local-wins
			c.ResolvedValue = c.LocalValue
		}

		c.Resolved = true
		c.ResolvedAt = now
		resolved++
	}

	if resolved > 0 {
		s.mu.Lock()
		s.stats.ConflictsResolved += int64(resolved)
		s.mu.Unlock()
	}
	return conflicts
}

// mergeValues deep-merges two map values, keeping the local side on leaf
// collisions. Anything that is not a pair of maps resolves to local.
func mergeValues(local, remote any) any {
	localMap, lok := toSettings(local)
	remoteMap, rok := toSettings(remote)
	if !lok || !rok {
		return local
	}

	return settings.MergePreferDst(localMap, remoteMap)
}

func toSettings(v any) (settings.Settings, bool) {
	switch m := v.(type) {
	case settings.Settings:
		return m, true
	case map[string]any:
		return settings.Settings(m), true
	default:
		return nil, false
	}
}
