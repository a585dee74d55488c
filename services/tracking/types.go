package tracking

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownArtifactType = errors.New("unknown artifact type")

// ArtifactType is the kind of artifact a tracked build produces.
type ArtifactType int

const (
	ArtifactTypeImage ArtifactType = iota
	ArtifactTypeModule
	ArtifactTypePackage
)

var artifactTypeNames = map[ArtifactType]string{
	ArtifactTypeImage:   "image",
	ArtifactTypeModule:  "module",
	ArtifactTypePackage: "package",
}

func (t ArtifactType) String() string {
	if name, ok := artifactTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ArtifactType(%d)", int(t))
}

// ParseArtifactType maps a type name to its ArtifactType.
func ParseArtifactType(s string) (ArtifactType, error) {
	for t, name := range artifactTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownArtifactType, s)
}

// BuildState is the state of a tracked build.
type BuildState int

const (
	BuildStateBuild BuildState = iota
	BuildStateDone
	BuildStateFailed
	BuildStateCanceled
)

func (s BuildState) String() string {
	switch s {
	case BuildStateBuild:
		return "build"
	case BuildStateDone:
		return "done"
	case BuildStateFailed:
		return "failed"
	case BuildStateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("BuildState(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are expected from s.
func (s BuildState) Terminal() bool {
	return s == BuildStateDone || s == BuildStateFailed || s == BuildStateCanceled
}

// ArtifactBuild is one build dispatched and tracked by the service.
type ArtifactBuild struct {
	ID            int64        `json:"id" db:"id"`
	Name          string       `json:"name" db:"name"`
	Branch        string       `json:"branch,omitempty" db:"branch"`
	Type          ArtifactType `json:"type" db:"type"`
	State         BuildState   `json:"state" db:"state"`
	BuildID       int64        `json:"build_id" db:"build_id"`
	EventID       *int64       `json:"event_id,omitempty" db:"event_id"`
	TimeSubmitted time.Time    `json:"time_submitted" db:"time_submitted"`
	TimeCompleted *time.Time   `json:"time_completed,omitempty" db:"time_completed"`
}

// Event is the stored record of an event that caused builds to be dispatched.
type Event struct {
	ID        int64     `json:"id" db:"id"`
	MessageID string    `json:"message_id" db:"message_id"`
	SearchKey string    `json:"search_key" db:"search_key"`
	EventType string    `json:"event_type" db:"event_type"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
