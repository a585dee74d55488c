package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upArtifactBuildBranch, downArtifactBuildBranch)
}

// artifactBuildBranch adds the branch a build was dispatched for. Builds
// tracked before the column existed keep an empty branch.
type artifactBuildBranch struct {
	Branch string `gorm:"type:text;not null;default:''"`
}

func (artifactBuildBranch) TableName() string { return "artifact_builds" }

func upArtifactBuildBranch(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if m.HasColumn(&artifactBuildBranch{}, "Branch") {
		return nil
	}
	return m.AddColumn(&artifactBuildBranch{}, "Branch")
}

func downArtifactBuildBranch(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropColumn(&artifactBuildBranch{}, "Branch")
}
