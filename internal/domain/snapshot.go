package domain

import (
	"sort"
	"time"
)

// Snapshot is one persisted observation of the queue front.
type Snapshot struct {
	ID                 string    `bson:"-" json:"id,omitempty"`
	CurrentUserPattern string    `bson:"current_user_pattern" json:"currentUserPattern"`
	RawContent         string    `bson:"raw_content" json:"rawContent"`
	CapturedAt         time.Time `bson:"captured_at" json:"timestamp"`
}

// RankedPattern is a pattern observed at a queue position (1 = front).
type RankedPattern struct {
	Position    int    `json:"position" validate:"min=1,max=5"`
	UserPattern string `json:"userPattern" validate:"required,queuepattern"`
}

// Observation is what the queue watcher reports on every scrape.
type Observation struct {
	CurrentUserPattern string          `json:"currentUserPattern" validate:"required,queuepattern"`
	TopUsers           []RankedPattern `json:"topUsers,omitempty" validate:"max=5,dive"`
	RawContent         string          `json:"rawContent,omitempty"`
}

// TopPattern returns the position-1 pattern, falling back to CurrentUserPattern.
func (o Observation) TopPattern() string {
	for _, ranked := range o.TopUsers {
		if ranked.Position == 1 {
			return ranked.UserPattern
		}
	}
	return o.CurrentUserPattern
}

// Targets returns the patterns to dispatch for, ordered front first. Without a
// ranked list the current pattern is treated as position 1.
func (o Observation) Targets() []RankedPattern {
	if len(o.TopUsers) == 0 {
		return []RankedPattern{{Position: 1, UserPattern: o.CurrentUserPattern}}
	}

	targets := make([]RankedPattern, len(o.TopUsers))
	copy(targets, o.TopUsers)
	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].Position < targets[j].Position
	})
	return targets
}
