package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rebuildd/pkg/db"
	"rebuildd/services/events"
)

var ErrNotFound = errors.New("not found")

// ReconcileFunc inspects the locked builds sharing one build id and returns
// the ones it modified. Returning an error rolls the transaction back.
type ReconcileFunc func(builds []ArtifactBuild) (changed []ArtifactBuild, err error)

// Store persists tracked builds and the events that caused them. Writes go
// through GORM, reads through the shared pgx pool.
type Store struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore constructs a Store for the provided dependencies.
func NewStore(orm *gorm.DB, pool *pgxpool.Pool) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &Store{orm: orm, pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Reconcile locks every build matching (buildID, typ), hands them to fn and
// saves whatever fn changed, all in one transaction.
func (s *Store) Reconcile(ctx context.Context, buildID int64, typ ArtifactType, fn ReconcileFunc) error {
	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []artifactBuildModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("build_id = ? AND type = ?", buildID, int(typ)).
			Order("id").
			Find(&rows).Error
		if err != nil {
			return err
		}

		builds := make([]ArtifactBuild, 0, len(rows))
		for _, row := range rows {
			builds = append(builds, row.toBuild())
		}

		changed, err := fn(builds)
		if err != nil {
			return err
		}

		for _, b := range changed {
			updates := map[string]any{
				"state":          int(b.State),
				"time_completed": b.TimeCompleted,
			}
			res := tx.Model(&artifactBuildModel{}).Where("id = ?", b.ID).Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("update artifact build %d: %w", b.ID, ErrNotFound)
			}
		}
		return nil
	})
}

// RecordBuild stores a newly dispatched build of name at branch linked to evt,
// creating the event record on first use.
func (s *Store) RecordBuild(ctx context.Context, evt events.Event, name, branch string, typ ArtifactType, buildID int64) (*ArtifactBuild, error) {
	if evt == nil {
		return nil, errors.New("event is required")
	}

	payload, err := eventPayload(evt)
	if err != nil {
		return nil, err
	}

	var build artifactBuildModel
	err = s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ev := eventModel{
			MessageID: evt.ID(),
			SearchKey: evt.SearchKey(),
			EventType: evt.Kind(),
			Payload:   datatypes.JSON(payload),
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			DoNothing: true,
		}).Create(&ev).Error
		if err != nil {
			return err
		}
		if ev.ID == 0 {
			if err := tx.Where("message_id = ?", evt.ID()).First(&ev).Error; err != nil {
				return err
			}
		}

		eventID := ev.ID
		build = artifactBuildModel{
			Name:          name,
			Branch:        branch,
			Type:          int(typ),
			State:         int(BuildStateBuild),
			BuildID:       buildID,
			EventID:       &eventID,
			TimeSubmitted: s.now(),
		}
		return tx.Create(&build).Error
	})
	if err != nil {
		return nil, err
	}

	b := build.toBuild()
	return &b, nil
}

// BuildsByBuildID lists tracked builds with the given external build id.
func (s *Store) BuildsByBuildID(ctx context.Context, buildID int64, typ ArtifactType) ([]ArtifactBuild, error) {
	builds := []ArtifactBuild{}
	err := db.Select(ctx, s.pool, &builds, `
SELECT id, name, branch, type, state, build_id, event_id, time_submitted, time_completed
FROM artifact_builds
WHERE build_id = $1 AND type = $2
ORDER BY id
`, buildID, int(typ))
	if err != nil {
		return nil, err
	}
	return builds, nil
}

// BuildsForEvent returns the event stored under messageID and the builds it caused.
func (s *Store) BuildsForEvent(ctx context.Context, messageID string) (*Event, []ArtifactBuild, error) {
	var ev Event
	err := db.Get(ctx, s.pool, &ev, `
SELECT id, message_id, search_key, event_type, created_at
FROM events
WHERE message_id = $1
`, messageID)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil, fmt.Errorf("event %q: %w", messageID, ErrNotFound)
		}
		return nil, nil, err
	}

	builds := []ArtifactBuild{}
	err = db.Select(ctx, s.pool, &builds, `
SELECT id, name, branch, type, state, build_id, event_id, time_submitted, time_completed
FROM artifact_builds
WHERE event_id = $1
ORDER BY id
`, ev.ID)
	if err != nil {
		return nil, nil, err
	}
	return &ev, builds, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return db.Ping(ctx, s.pool)
}

func eventPayload(evt events.Event) ([]byte, error) {
	_, payload, err := events.Encode(evt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}
