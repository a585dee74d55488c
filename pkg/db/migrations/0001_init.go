package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Event struct {
	ID        int64          `gorm:"type:bigserial;primaryKey"`
	MessageID string         `gorm:"type:text;uniqueIndex;not null"`
	SearchKey string         `gorm:"type:text;not null;index"`
	EventType string         `gorm:"type:text;not null"`
	Payload   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

// ArtifactBuild is indexed on (build_id, type) without a unique constraint so
// a duplicate stays visible to the reconciliation step instead of failing the insert.
type ArtifactBuild struct {
	ID            int64      `gorm:"type:bigserial;primaryKey"`
	Name          string     `gorm:"type:text;not null"`
	Type          int        `gorm:"type:integer;not null;index:idx_artifact_builds_build_id_type,priority:2"`
	State         int        `gorm:"type:integer;not null"`
	BuildID       int64      `gorm:"type:bigint;not null;index:idx_artifact_builds_build_id_type,priority:1"`
	EventID       *int64     `gorm:"type:bigint;index"`
	TimeSubmitted time.Time  `gorm:"type:timestamptz;not null;default:now()"`
	TimeCompleted *time.Time `gorm:"type:timestamptz"`
	Event         Event      `gorm:"foreignKey:EventID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Event{},
		&ArtifactBuild{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if m.HasConstraint(&ArtifactBuild{}, "Event") {
		return nil
	}
	return m.CreateConstraint(&ArtifactBuild{}, "Event")
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&ArtifactBuild{},
		&Event{},
	)
}

func open(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}
