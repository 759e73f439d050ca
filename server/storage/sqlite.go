// Package storage persists finalized episodes in sqlite. Both write paths
// are idempotent: episode upserts key on the deterministic episode id and
// detection links ignore duplicates, so reprocessing a stream or a janitor
// race never duplicates rows.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/securewatch/securewatch/server/models"
	_ "modernc.org/sqlite"
)

type DB struct {
	db *sql.DB
}

const schema = `
	CREATE TABLE IF NOT EXISTS episodes (
		id                TEXT PRIMARY KEY,
		camera_id         TEXT NOT NULL,
		start_time_ms     BIGINT NOT NULL,
		end_time_ms       BIGINT NOT NULL,
		duration_ms       BIGINT NOT NULL,
		frame_count       BIGINT NOT NULL,
		threat_score      DOUBLE NOT NULL DEFAULT 0,
		threat_level      TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL,
		keyframe          TEXT,
		class_counts      TEXT,
		threat_assessment TEXT,
		analysis          TEXT,
		analyzed_at_ms    BIGINT,
		created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_camera ON episodes(camera_id, start_time_ms);
	CREATE INDEX IF NOT EXISTS idx_episodes_score ON episodes(threat_score);
	CREATE TABLE IF NOT EXISTS episode_detections (
		episode_id   TEXT NOT NULL,
		detection_id TEXT NOT NULL,
		PRIMARY KEY (episode_id, detection_id)
	);
`

func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// SaveEpisode upserts the episode row and its detection links. Safe to call
// twice with the same episode.
func (d *DB) SaveEpisode(ctx context.Context, ep *models.Episode) error {
	var keyframe []byte
	if ep.BestSnapshot != nil {
		var err error
		if keyframe, err = json.Marshal(ep.BestSnapshot); err != nil {
			return fmt.Errorf("serializing keyframe: %w", err)
		}
	}
	counts, err := json.Marshal(ep.ObjectClassCounts)
	if err != nil {
		return fmt.Errorf("serializing class counts: %w", err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO episodes (
			id, camera_id, start_time_ms, end_time_ms, duration_ms,
			frame_count, threat_score, threat_level, status, keyframe, class_counts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			end_time_ms = excluded.end_time_ms,
			duration_ms = excluded.duration_ms,
			frame_count = excluded.frame_count,
			threat_score = excluded.threat_score,
			threat_level = excluded.threat_level,
			status = excluded.status,
			keyframe = excluded.keyframe,
			class_counts = excluded.class_counts`,
		ep.ID, ep.CameraID, ep.StartTime.UnixMilli(), ep.EndTime.UnixMilli(),
		ep.Duration.Milliseconds(), ep.FrameCount, ep.ThreatScore,
		ep.ThreatLevel, string(ep.Status), nullableString(keyframe), string(counts),
	)
	if err != nil {
		return fmt.Errorf("upserting episode %s: %w", ep.ID, err)
	}

	for _, detID := range ep.DetectionIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO episode_detections (episode_id, detection_id) VALUES (?, ?)`,
			ep.ID, detID); err != nil {
			return fmt.Errorf("linking detection %s: %w", detID, err)
		}
	}

	return tx.Commit()
}

// MarkAnalyzed records the model verdict and flips the episode to complete.
func (d *DB) MarkAnalyzed(ctx context.Context, analysis models.Analysis) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE episodes SET
			threat_assessment = ?,
			analysis = ?,
			analyzed_at_ms = ?,
			status = ?
		WHERE id = ?`,
		analysis.ThreatAssessment, analysis.Analysis,
		analysis.ReceivedAt.UnixMilli(), string(models.EpisodeComplete),
		analysis.EpisodeID,
	)
	if err != nil {
		return fmt.Errorf("marking episode %s analyzed: %w", analysis.EpisodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("episode %s not found", analysis.EpisodeID)
	}
	return nil
}

// EpisodeRecord is the durable row shape, including any analysis verdict.
type EpisodeRecord struct {
	Episode          models.Episode `json:"episode"`
	ThreatAssessment string         `json:"threat_assessment,omitempty"`
	Analysis         string         `json:"analysis,omitempty"`
	AnalyzedAt       *time.Time     `json:"analyzed_at,omitempty"`
}

func (d *DB) GetEpisode(ctx context.Context, id string) (*EpisodeRecord, error) {
	row := d.db.QueryRowContext(ctx, selectEpisode+` WHERE id = ?`, id)
	rec, err := scanEpisode(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("episode %s not found", id)
	}
	return rec, err
}

// ListEpisodes returns episodes newest-first, optionally filtered by camera.
func (d *DB) ListEpisodes(ctx context.Context, cameraID string, limit int) ([]*EpisodeRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := selectEpisode
	args := []any{}
	if cameraID != "" {
		query += ` WHERE camera_id = ?`
		args = append(args, cameraID)
	}
	query += ` ORDER BY start_time_ms DESC LIMIT ?`
	args = append(args, limit)

	return d.queryEpisodes(ctx, query, args...)
}

// TopThreats returns the highest-scoring episodes, worst first.
func (d *DB) TopThreats(ctx context.Context, limit int) ([]*EpisodeRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	return d.queryEpisodes(ctx,
		selectEpisode+` WHERE threat_score > 0 ORDER BY threat_score DESC, start_time_ms DESC LIMIT ?`,
		limit)
}

// DetectionIDs returns the detection ids linked to an episode.
func (d *DB) DetectionIDs(ctx context.Context, episodeID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT detection_id FROM episode_detections WHERE episode_id = ? ORDER BY detection_id`,
		episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats summarizes the stored episodes for the status endpoint.
type Stats struct {
	TotalEpisodes int            `json:"total_episodes"`
	Analyzed      int            `json:"analyzed"`
	ByLevel       map[string]int `json:"by_level"`
	Cameras       int            `json:"cameras"`
}

func (d *DB) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByLevel: make(map[string]int)}

	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(analyzed_at_ms), COUNT(DISTINCT camera_id)
		FROM episodes`).Scan(&stats.TotalEpisodes, &stats.Analyzed, &stats.Cameras)
	if err != nil {
		return nil, err
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT threat_level, COUNT(*) FROM episodes
		WHERE threat_level != '' GROUP BY threat_level`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, err
		}
		stats.ByLevel[level] = count
	}
	return stats, rows.Err()
}

const selectEpisode = `
	SELECT id, camera_id, start_time_ms, end_time_ms, duration_ms, frame_count,
	       threat_score, threat_level, status, keyframe, class_counts,
	       threat_assessment, analysis, analyzed_at_ms
	FROM episodes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row rowScanner) (*EpisodeRecord, error) {
	var (
		rec        EpisodeRecord
		startMs    int64
		endMs      int64
		durationMs int64
		status     string
		keyframe   sql.NullString
		counts     sql.NullString
		assessment sql.NullString
		analysis   sql.NullString
		analyzedMs sql.NullInt64
	)

	err := row.Scan(
		&rec.Episode.ID, &rec.Episode.CameraID, &startMs, &endMs, &durationMs,
		&rec.Episode.FrameCount, &rec.Episode.ThreatScore, &rec.Episode.ThreatLevel,
		&status, &keyframe, &counts, &assessment, &analysis, &analyzedMs,
	)
	if err != nil {
		return nil, err
	}

	rec.Episode.StartTime = time.UnixMilli(startMs).UTC()
	rec.Episode.EndTime = time.UnixMilli(endMs).UTC()
	rec.Episode.Duration = time.Duration(durationMs) * time.Millisecond
	rec.Episode.Status = models.EpisodeStatus(status)

	if keyframe.Valid && keyframe.String != "" {
		var det models.Detection
		if err := json.Unmarshal([]byte(keyframe.String), &det); err == nil {
			rec.Episode.BestSnapshot = &det
		}
	}
	if counts.Valid && counts.String != "" {
		_ = json.Unmarshal([]byte(counts.String), &rec.Episode.ObjectClassCounts)
	}
	rec.ThreatAssessment = assessment.String
	rec.Analysis = analysis.String
	if analyzedMs.Valid {
		at := time.UnixMilli(analyzedMs.Int64).UTC()
		rec.AnalyzedAt = &at
	}

	return &rec, nil
}

func (d *DB) queryEpisodes(ctx context.Context, query string, args ...any) ([]*EpisodeRecord, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EpisodeRecord
	for rows.Next() {
		rec, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
