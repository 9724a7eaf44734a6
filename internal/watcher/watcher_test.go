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

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/scheduler"
)

// fakeScheduler completes every submission immediately unless failNext
// is set, in which case the task is treated as failed.
type fakeScheduler struct {
	mu        sync.Mutex
	submitted []*domain.Transcription
	active    map[string]bool
	completed []string
	fail      bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{active: map[string]bool{}}
}

func (f *fakeScheduler) Submit(ctx context.Context, t *domain.Transcription, priority scheduler.Priority) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if priority != scheduler.PriorityFolderWatch {
		panic("unexpected priority")
	}
	f.submitted = append(f.submitted, t)
	if !f.fail {
		f.completed = append(f.completed, t.SourcePath)
	}
	return "task-" + filepath.Base(t.SourcePath), nil
}

func (f *fakeScheduler) ActiveSourcePaths() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.active))
	for k, v := range f.active {
		out[k] = v
	}
	return out
}

func (f *fakeScheduler) CompletedSourcePaths(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...), nil
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func writeFile(t *testing.T, path string, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func newWatcher(t *testing.T, dir string, f *fakeScheduler) *Watcher {
	t.Helper()
	w, err := New(Config{
		InputDir: dir,
		Interval: time.Second,
		Template: domain.Transcription{
			Model:         domain.ModelRef{Family: "whisper", Size: "tiny", Variant: domain.DefaultVariant},
			ExportFormats: []string{"srt"},
		},
	}, f, f)
	require.NoError(t, err)
	return w
}

func TestScan_SubmitsMediaFilesOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.mp3"), "audio")
	writeFile(t, filepath.Join(dir, "B.WAV"), "audio")
	writeFile(t, filepath.Join(dir, "notes.txt"), "text")
	writeFile(t, filepath.Join(dir, ".hidden.mp3"), "audio")
	writeFile(t, filepath.Join(dir, "empty.mp3"), "")
	writeFile(t, filepath.Join(dir, "a_speech.flac"), "audio")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.mp3"), 0o755))
	writeFile(t, filepath.Join(dir, "nested.mp3", "inner.mp3"), "audio")

	f := newFakeScheduler()
	w := newWatcher(t, dir, f)

	submitted, err := w.Scan(context.Background())
	require.NoError(t, err)

	want := []string{filepath.Join(w.Dir(), "B.WAV"), filepath.Join(w.Dir(), "a.mp3")}
	assert.Equal(t, want, submitted)

	for _, task := range f.submitted {
		assert.Equal(t, domain.SourceFolderWatch, task.SourceKind)
		assert.Equal(t, domain.TaskTranscribe, task.Task)
		assert.Equal(t, []string{"srt"}, task.ExportFormats)
		assert.NotEmpty(t, task.TemperatureSchedule)
	}
}

// Scenario: a completed file copied in again is not resubmitted.
func TestScan_DoesNotResubmitCompletedFile(t *testing.T) {
	src := t.TempDir()
	dir := t.TempDir()
	writeFile(t, filepath.Join(src, "a.mp3"), "audio bytes")
	body, err := os.ReadFile(filepath.Join(src, "a.mp3"))
	require.NoError(t, err)
	writeFile(t, filepath.Join(dir, "a.mp3"), string(body))

	f := newFakeScheduler()
	w := newWatcher(t, dir, f)

	submitted, err := w.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, submitted, 1)

	// copy the same file in again with a fresh modification time
	later := time.Now().Add(time.Minute)
	writeFile(t, filepath.Join(dir, "a.mp3"), string(body))
	require.NoError(t, os.Chtimes(filepath.Join(dir, "a.mp3"), later, later))

	submitted, err = w.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, submitted)
	assert.Equal(t, 1, f.count())
}

func TestScan_ReconcilesWithHistoryOnRestart(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.mp3"), "audio")

	f := newFakeScheduler()
	canonical, err := canonicalPath(filepath.Join(dir, "a.mp3"))
	require.NoError(t, err)
	f.completed = []string{canonical}

	w := newWatcher(t, dir, f)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Equal(t, 0, f.count())
}

func TestScan_SkipsActivePaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.mp3"), "audio")

	f := newFakeScheduler()
	w := newWatcher(t, dir, f)
	f.active[filepath.Join(w.Dir(), "a.mp3")] = true

	submitted, err := w.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, submitted)
}

func TestScan_RetriesFailedFileOnlyAfterChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mp3")
	writeFile(t, path, "audio")

	f := newFakeScheduler()
	f.fail = true
	w := newWatcher(t, dir, f)

	_, err := w.Scan(context.Background())
	require.NoError(t, err)
	_, err = w.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.count())

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	_, err = w.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.count())
}

func TestScan_CanonicalizesSymlinks(t *testing.T) {
	target := t.TempDir()
	writeFile(t, filepath.Join(target, "a.mp3"), "audio")
	link := filepath.Join(t.TempDir(), "inbox")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	f := newFakeScheduler()
	w := newWatcher(t, link, f)

	submitted, err := w.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, submitted, 1)

	want, err := filepath.EvalSymlinks(filepath.Join(target, "a.mp3"))
	require.NoError(t, err)
	assert.Equal(t, want, submitted[0])
}

func TestStart_PollsForNewFiles(t *testing.T) {
	dir := t.TempDir()
	f := newFakeScheduler()
	w := newWatcher(t, dir, f)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.Error(t, w.Start(context.Background()))

	writeFile(t, filepath.Join(dir, "late.ogg"), "audio")
	assert.Eventually(t, func() bool { return f.count() == 1 }, 5*time.Second, 50*time.Millisecond)
}

func TestNew_RejectsMissingDirectory(t *testing.T) {
	_, err := New(Config{InputDir: filepath.Join(t.TempDir(), "missing")}, newFakeScheduler(), newFakeScheduler())
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file.mp3")
	writeFile(t, file, "audio")
	_, err = New(Config{InputDir: file}, newFakeScheduler(), newFakeScheduler())
	assert.Error(t, err)
}
