/*
 * This file is part of Buzz (https://github.com/buzzcore/buzz).
 * Copyright (C) 2025 Buzz Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/events"
	"github.com/buzzcore/buzz/internal/logging"
)

// Publisher receives events emitted while the store holds its writer lock
type Publisher interface {
	Publish(events.Event)
}

// CompletionInfo is extra data recorded when a transcription completes
type CompletionInfo struct {
	Notes       []string
	OutputPaths []string
}

// TranscriptionStore persists transcriptions and their segments. All writes
// are serialized behind one writer lock; reads run concurrently.
type TranscriptionStore struct {
	db        *Database
	publisher Publisher
	now       func() time.Time

	writeMu sync.Mutex
}

// NewTranscriptionStore creates a store. publisher may be nil.
func NewTranscriptionStore(db *Database, publisher Publisher) *TranscriptionStore {
	return &TranscriptionStore{db: db, publisher: publisher, now: time.Now}
}

// SetClock replaces the wall clock used for timestamps
func (s *TranscriptionStore) SetClock(now func() time.Time) {
	s.now = now
}

const transcriptionColumns = `
	id, source_path, source_kind, model_family, model_size, model_variant,
	language, task, word_level_timings, extract_speech, temperature_schedule,
	initial_prompt, output_directory, export_formats, llm, status, progress,
	error_message, notes, created_at, updated_at, completed_at`

// Create inserts a new queued transcription and returns its id
func (s *TranscriptionStore) Create(ctx context.Context, t *domain.Transcription) (string, error) {
	if err := t.IsValid(); err != nil {
		return "", err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.now().UTC()
	t.Status = domain.StatusQueued
	t.Progress = 0
	t.ErrorMessage = ""
	t.CreatedAt = now
	t.UpdatedAt = now
	t.CompletedAt = nil

	temps, err := json.Marshal(t.TemperatureSchedule)
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "encode temperature schedule")
	}
	formats, err := json.Marshal(nonNil(t.ExportFormats))
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "encode export formats")
	}
	notes, err := json.Marshal(nonNil(t.Notes))
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "encode notes")
	}
	var llm sql.NullString
	if t.LLM != nil {
		b, err := json.Marshal(t.LLM)
		if err != nil {
			return "", errs.Wrap(errs.Internal, err, "encode llm options")
		}
		llm = sql.NullString{String: string(b), Valid: true}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.DB().ExecContext(ctx, `
		INSERT INTO transcriptions (`+transcriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SourcePath, string(t.SourceKind), t.Model.Family, t.Model.Size, t.Model.Variant,
		t.Language, string(t.Task), t.WordLevelTimings, t.ExtractSpeech, string(temps),
		t.InitialPrompt, t.OutputDirectory, string(formats), llm, string(t.Status), t.Progress,
		nil, string(notes), now.UnixNano(), now.UnixNano(), nil,
	)
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "insert transcription")
	}

	logging.LogDatabaseOperation("insert", "transcriptions", zap.String("id", t.ID))
	return t.ID, nil
}

// Get returns a transcription by id
func (s *TranscriptionStore) Get(ctx context.Context, id string) (*domain.Transcription, error) {
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT `+transcriptionColumns+` FROM transcriptions WHERE id = ?`, id)
	t, err := scanTranscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.NotFound, "transcription %s not found", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "read transcription")
	}
	return t, nil
}

// ListOptions defines filtering and pagination options
type ListOptions struct {
	Statuses   []domain.Status
	SourcePath string
	SourceKind domain.SourceKind

	Limit  int
	Offset int

	// Oldest first when true; newest first otherwise
	Ascending bool
}

// List returns transcriptions matching options
func (s *TranscriptionStore) List(ctx context.Context, options ListOptions) ([]*domain.Transcription, error) {
	query := `SELECT ` + transcriptionColumns + ` FROM transcriptions WHERE 1=1`
	var args []interface{}

	if len(options.Statuses) > 0 {
		placeholders := make([]string, len(options.Statuses))
		for i, st := range options.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if options.SourcePath != "" {
		query += " AND source_path = ?"
		args = append(args, options.SourcePath)
	}
	if options.SourceKind != "" {
		query += " AND source_kind = ?"
		args = append(args, string(options.SourceKind))
	}

	if options.Ascending {
		query += " ORDER BY created_at ASC, rowid ASC"
	} else {
		query += " ORDER BY created_at DESC, rowid DESC"
	}

	if options.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, options.Limit)
		if options.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, options.Offset)
		}
	}

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "query transcriptions")
	}
	defer rows.Close()

	var list []*domain.Transcription
	for rows.Next() {
		t, err := scanTranscription(rows)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, err, "scan transcription")
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "iterate transcriptions")
	}
	return list, nil
}

// CompletedSourcePaths returns the source path of every completed transcription
func (s *TranscriptionStore) CompletedSourcePaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT DISTINCT source_path FROM transcriptions WHERE status = ?`, string(domain.StatusCompleted))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "query completed paths")
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "scan completed path")
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// HasCompleted reports whether sourcePath has a completed transcription
func (s *TranscriptionStore) HasCompleted(ctx context.Context, sourcePath string) (bool, error) {
	var n int
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcriptions WHERE source_path = ? AND status = ?`,
		sourcePath, string(domain.StatusCompleted)).Scan(&n)
	if err != nil {
		return false, errs.Wrap(errs.Internal, err, "query completed path")
	}
	return n > 0, nil
}

// AppendSegments stages segments for a transcription that is processing.
// Staged segments are invisible to readers until MarkCompleted.
func (s *TranscriptionStore) AppendSegments(ctx context.Context, id string, segments []domain.Segment) error {
	if len(segments) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "begin append")
	}
	defer tx.Rollback()

	status, err := statusOf(ctx, tx, id)
	if err != nil {
		return err
	}
	if status != domain.StatusProcessing {
		return errs.Newf(errs.StateConflict, "cannot append segments to %s transcription %s", status, id)
	}

	var next int
	var lastStart sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(ordinal) + 1, 0),
		       (SELECT start_ms FROM segments WHERE transcription_id = ? AND committed = 0 ORDER BY ordinal DESC LIMIT 1)
		FROM segments WHERE transcription_id = ? AND committed = 0`, id, id).Scan(&next, &lastStart)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "read staged ordinal")
	}

	prev := int64(-1)
	if lastStart.Valid {
		prev = lastStart.Int64
	}
	if err := insertSegments(ctx, tx, id, 0, next, prev, segments); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Internal, err, "commit append")
	}

	logging.LogDatabaseOperation("append", "segments",
		zap.String("id", id), zap.Int("count", len(segments)))
	return nil
}

// SetStatus moves a transcription to a non-completed status. Moving to
// failed or canceled discards staged segments in the same transaction.
func (s *TranscriptionStore) SetStatus(ctx context.Context, id string, status domain.Status, errorMessage string) error {
	if !status.IsValid() {
		return errs.Newf(errs.BadInput, "unknown status %q", status)
	}
	if status == domain.StatusCompleted {
		return errs.New(errs.BadInput, "completion must go through MarkCompleted")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "begin status update")
	}
	defer tx.Rollback()

	current, err := statusOf(ctx, tx, id)
	if err != nil {
		return err
	}
	if !current.CanTransitionTo(status) {
		return errs.Newf(errs.StateConflict, "transcription %s cannot move from %s to %s", id, current, status)
	}

	var message sql.NullString
	if status == domain.StatusFailed {
		if errorMessage == "" {
			errorMessage = "unknown error"
		}
		message = sql.NullString{String: errorMessage, Valid: true}
	}

	now := s.now().UTC().UnixNano()
	if _, err := tx.ExecContext(ctx,
		`UPDATE transcriptions SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), message, now, id); err != nil {
		return errs.Wrap(errs.Internal, err, "update status")
	}

	if status == domain.StatusFailed || status == domain.StatusCanceled {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM segments WHERE transcription_id = ?`, id); err != nil {
			return errs.Wrap(errs.Internal, err, "discard staged segments")
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Internal, err, "commit status update")
	}

	logging.LogDatabaseOperation("set_status", "transcriptions",
		zap.String("id", id), zap.String("status", string(status)))
	return nil
}

// SetProgress records progress in [0,1]. A value lower than the stored one
// is ignored and reported as not applied.
func (s *TranscriptionStore) SetProgress(ctx context.Context, id string, value float64) (bool, error) {
	if value != value {
		return false, errs.New(errs.BadInput, "progress is NaN")
	}
	value = clamp01(value)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var status string
	var current float64
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT status, progress FROM transcriptions WHERE id = ?`, id).Scan(&status, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, errs.Newf(errs.NotFound, "transcription %s not found", id)
	}
	if err != nil {
		return false, errs.Wrap(errs.Internal, err, "read progress")
	}
	if domain.Status(status).IsTerminal() {
		return false, errs.Newf(errs.StateConflict, "transcription %s is %s", id, status)
	}
	if value <= current {
		return false, nil
	}

	if _, err := s.db.DB().ExecContext(ctx,
		`UPDATE transcriptions SET progress = ?, updated_at = ? WHERE id = ?`,
		value, s.now().UTC().UnixNano(), id); err != nil {
		return false, errs.Wrap(errs.Internal, err, "update progress")
	}
	return true, nil
}

// AddNote appends a non-fatal warning to a transcription
func (s *TranscriptionStore) AddNote(ctx context.Context, id, note string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var raw string
	err := s.db.DB().QueryRowContext(ctx, `SELECT notes FROM transcriptions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.Newf(errs.NotFound, "transcription %s not found", id)
	}
	if err != nil {
		return errs.Wrap(errs.Internal, err, "read notes")
	}
	notes := decodeStrings(raw)
	notes = append(notes, note)
	encoded, _ := json.Marshal(notes)
	if _, err := s.db.DB().ExecContext(ctx,
		`UPDATE transcriptions SET notes = ?, updated_at = ? WHERE id = ?`,
		string(encoded), s.now().UTC().UnixNano(), id); err != nil {
		return errs.Wrap(errs.Internal, err, "update notes")
	}
	return nil
}

// MarkCompleted replaces any staged segments with the final list and sets
// status completed in one transaction. The task-completed event is
// published before the writer lock is released.
func (s *TranscriptionStore) MarkCompleted(ctx context.Context, id string, segments []domain.Segment, info CompletionInfo) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "begin completion")
	}
	defer tx.Rollback()

	current, err := statusOf(ctx, tx, id)
	if err != nil {
		return err
	}
	if !current.CanTransitionTo(domain.StatusCompleted) {
		return errs.Newf(errs.StateConflict, "transcription %s cannot complete from %s", id, current)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE transcription_id = ?`, id); err != nil {
		return errs.Wrap(errs.Internal, err, "clear staged segments")
	}
	if err := insertSegments(ctx, tx, id, 1, 0, -1, segments); err != nil {
		return err
	}

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT notes FROM transcriptions WHERE id = ?`, id).Scan(&raw); err != nil {
		return errs.Wrap(errs.Internal, err, "read notes")
	}
	notes := append(decodeStrings(raw), info.Notes...)
	encoded, _ := json.Marshal(nonNil(notes))

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE transcriptions
		SET status = ?, progress = 1, error_message = NULL, notes = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(domain.StatusCompleted), string(encoded), now.UnixNano(), now.UnixNano(), id); err != nil {
		return errs.Wrap(errs.Internal, err, "update completion")
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Internal, err, "commit completion")
	}

	logging.LogDatabaseOperation("complete", "transcriptions",
		zap.String("id", id), zap.Int("segments", len(segments)))

	if s.publisher != nil {
		final := make([]domain.Segment, len(segments))
		for i, seg := range segments {
			seg.TranscriptionID = id
			seg.Ordinal = i
			final[i] = seg
		}
		s.publisher.Publish(events.Event{
			Kind:        events.TaskCompleted,
			TaskID:      id,
			Timestamp:   now,
			Status:      domain.StatusCompleted,
			Progress:    1,
			Segments:    final,
			OutputPaths: info.OutputPaths,
			Notes:       notes,
		})
	}
	return nil
}

// CopyTranscription duplicates metadata (not segments) into a new queued record
func (s *TranscriptionStore) CopyTranscription(ctx context.Context, id string) (string, error) {
	original, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	clone := *original
	clone.ID = ""
	clone.Notes = nil
	return s.Create(ctx, &clone)
}

// Segments returns the committed segment list. Only completed
// transcriptions have one; others yield an empty list.
func (s *TranscriptionStore) Segments(ctx context.Context, id string) ([]domain.Segment, error) {
	return querySegments(ctx, s.db.DB(), id)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func querySegments(ctx context.Context, q queryer, id string) ([]domain.Segment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT ordinal, start_ms, end_ms, text, translation
		FROM segments
		WHERE transcription_id = ? AND committed = 1
		ORDER BY ordinal ASC`, id)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "query segments")
	}
	defer rows.Close()

	segments := []domain.Segment{}
	for rows.Next() {
		seg := domain.Segment{TranscriptionID: id}
		var translation sql.NullString
		if err := rows.Scan(&seg.Ordinal, &seg.StartMs, &seg.EndMs, &seg.Text, &translation); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "scan segment")
		}
		if translation.Valid {
			tr := translation.String
			seg.Translation = &tr
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "iterate segments")
	}
	return segments, nil
}

// Snapshot reads a transcription and its committed segments from one
// consistent view of the database.
func (s *TranscriptionStore) Snapshot(ctx context.Context, id string) (*domain.Transcription, []domain.Segment, error) {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Internal, err, "begin snapshot")
	}
	defer tx.Rollback()

	t, err := scanTranscription(tx.QueryRowContext(ctx,
		`SELECT `+transcriptionColumns+` FROM transcriptions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, errs.Newf(errs.NotFound, "transcription %s not found", id)
	}
	if err != nil {
		return nil, nil, errs.Wrap(errs.Internal, err, "read transcription")
	}
	segments, err := querySegments(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	return t, segments, nil
}

// SegmentCount counts every stored segment row, staged or committed
func (s *TranscriptionStore) SegmentCount(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM segments WHERE transcription_id = ?`, id).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.Internal, err, "count segments")
	}
	return n, nil
}

func statusOf(ctx context.Context, tx *sql.Tx, id string) (domain.Status, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM transcriptions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.Newf(errs.NotFound, "transcription %s not found", id)
	}
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "read status")
	}
	return domain.Status(status), nil
}

// insertSegments writes segments with consecutive ordinals starting at first,
// enforcing non-decreasing start times after prevStart.
func insertSegments(ctx context.Context, tx *sql.Tx, id string, committed, first int, prevStart int64, segments []domain.Segment) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO segments (transcription_id, committed, ordinal, start_ms, end_ms, text, translation)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "prepare segment insert")
	}
	defer stmt.Close()

	for i, seg := range segments {
		seg.Ordinal = first + i
		if err := seg.IsValid(); err != nil {
			return err
		}
		if seg.StartMs < prevStart {
			return errs.Newf(errs.BadInput, "segment %d starts at %dms before previous start %dms",
				seg.Ordinal, seg.StartMs, prevStart)
		}
		prevStart = seg.StartMs

		var translation sql.NullString
		if seg.Translation != nil {
			translation = sql.NullString{String: *seg.Translation, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, id, committed, seg.Ordinal,
			seg.StartMs, seg.EndMs, seg.Text, translation); err != nil {
			return errs.Wrap(errs.Internal, err, "insert segment")
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTranscription(row rowScanner) (*domain.Transcription, error) {
	var (
		t                        domain.Transcription
		sourceKind, task, status string
		temps, formats, notes    string
		llm, errorMessage        sql.NullString
		createdAt, updatedAt     int64
		completedAt              sql.NullInt64
	)

	err := row.Scan(
		&t.ID, &t.SourcePath, &sourceKind, &t.Model.Family, &t.Model.Size, &t.Model.Variant,
		&t.Language, &task, &t.WordLevelTimings, &t.ExtractSpeech, &temps,
		&t.InitialPrompt, &t.OutputDirectory, &formats, &llm, &status, &t.Progress,
		&errorMessage, &notes, &createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.SourceKind = domain.SourceKind(sourceKind)
	t.Task = domain.Task(task)
	t.Status = domain.Status(status)
	t.ErrorMessage = errorMessage.String
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if completedAt.Valid {
		c := time.Unix(0, completedAt.Int64).UTC()
		t.CompletedAt = &c
	}
	if err := json.Unmarshal([]byte(temps), &t.TemperatureSchedule); err != nil {
		return nil, fmt.Errorf("decode temperature schedule: %w", err)
	}
	t.ExportFormats = decodeStrings(formats)
	t.Notes = decodeStrings(notes)
	if llm.Valid {
		var opts domain.LLMOptions
		if err := json.Unmarshal([]byte(llm.String), &opts); err != nil {
			return nil, fmt.Errorf("decode llm options: %w", err)
		}
		t.LLM = &opts
	}
	return &t, nil
}

func decodeStrings(raw string) []string {
	var out []string
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
