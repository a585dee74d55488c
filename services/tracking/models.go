package tracking

import (
	"time"

	"gorm.io/datatypes"
)

type eventModel struct {
	ID        int64          `gorm:"type:bigserial;primaryKey"`
	MessageID string         `gorm:"type:text;uniqueIndex;not null"`
	SearchKey string         `gorm:"type:text;not null"`
	EventType string         `gorm:"type:text;not null"`
	Payload   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (eventModel) TableName() string { return "events" }

type artifactBuildModel struct {
	ID            int64      `gorm:"type:bigserial;primaryKey"`
	Name          string     `gorm:"type:text;not null"`
	Branch        string     `gorm:"type:text;not null;default:''"`
	Type          int        `gorm:"type:integer;not null"`
	State         int        `gorm:"type:integer;not null"`
	BuildID       int64      `gorm:"type:bigint;not null"`
	EventID       *int64     `gorm:"type:bigint"`
	TimeSubmitted time.Time  `gorm:"type:timestamptz;not null"`
	TimeCompleted *time.Time `gorm:"type:timestamptz"`
}

func (artifactBuildModel) TableName() string { return "artifact_builds" }

func (m artifactBuildModel) toBuild() ArtifactBuild {
	return ArtifactBuild{
		ID:            m.ID,
		Name:          m.Name,
		Branch:        m.Branch,
		Type:          ArtifactType(m.Type),
		State:         BuildState(m.State),
		BuildID:       m.BuildID,
		EventID:       m.EventID,
		TimeSubmitted: m.TimeSubmitted,
		TimeCompleted: m.TimeCompleted,
	}
}
