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

package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/buzzcore/buzz/internal/asr"
	"github.com/buzzcore/buzz/internal/audio"
	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/events"
	"github.com/buzzcore/buzz/internal/live"
	"github.com/buzzcore/buzz/internal/scheduler"
	"github.com/buzzcore/buzz/internal/storage"
)

func (c *CLI) transcribe(ctx context.Context, args []string) error {
	fs := c.newFlagSet("transcribe")
	var tf taskFlags
	tf.register(fs)
	url := fs.String("url", "", "transcribe the media at this URL")
	if err := c.parse(fs, args); err != nil {
		return err
	}

	tmpl, err := tf.template(domain.SourceFile)
	if err != nil {
		return err
	}

	var tasks []domain.Transcription
	if *url != "" {
		source, err := canonicalURL(*url)
		if err != nil {
			return err
		}
		t := tmpl
		t.SourceKind = domain.SourceURL
		t.SourcePath = source
		tasks = append(tasks, t)
	}
	for _, arg := range fs.Args() {
		path, err := canonicalFile(arg)
		if err != nil {
			return err
		}
		t := tmpl
		t.SourcePath = path
		tasks = append(tasks, t)
	}
	if len(tasks) == 0 {
		return errs.New(errs.BadInput, "transcribe needs FILE... or --url URL")
	}

	cc, closeCore, err := c.openCore()
	if err != nil {
		return err
	}
	defer closeCore()
	if err := checkTemplate(cc, tmpl); err != nil {
		return err
	}

	tr := newTracker(c.stdout, c.stderr)
	sub := cc.Bus.Subscribe(tr)
	defer sub.Close()

	// only the tasks of this invocation run; leftovers wait for watch mode
	cc.Scheduler.Start()

	ids := make([]string, 0, len(tasks))
	for i := range tasks {
		id, err := cc.Scheduler.Submit(ctx, &tasks[i], scheduler.PriorityUser)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	results, err := tr.wait(ctx, ids)
	if err != nil {
		for _, id := range ids {
			_ = cc.Scheduler.Cancel(context.WithoutCancel(ctx), id)
		}
		return errs.Wrap(errs.Canceled, err, "interrupted")
	}
	return firstFailure(ids, results)
}

// firstFailure turns the first unsuccessful terminal event into an error
func firstFailure(ids []string, results map[string]events.Event) error {
	for _, id := range ids {
		e := results[id]
		switch e.Kind {
		case events.TaskFailed:
			kind, ok := errs.ParseKind(e.ErrorCode)
			if !ok {
				kind = errs.Internal
			}
			return errs.AtStage(errs.Stage(e.Stage), errs.Newf(kind, "task %s: %s", id, e.Error))
		case events.TaskCanceled:
			return errs.Newf(errs.Canceled, "task %s canceled", id)
		}
	}
	return nil
}

func (c *CLI) watch(ctx context.Context, args []string) error {
	fs := c.newFlagSet("watch")
	var tf taskFlags
	tf.register(fs)
	if err := c.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errs.New(errs.BadInput, "watch needs exactly one DIR")
	}

	tmpl, err := tf.template(domain.SourceFolderWatch)
	if err != nil {
		return err
	}

	cc, closeCore, err := c.openCore()
	if err != nil {
		return err
	}
	defer closeCore()
	if err := checkTemplate(cc, tmpl); err != nil {
		return err
	}

	sub := cc.Bus.Subscribe(newTracker(c.stdout, c.stderr))
	defer sub.Close()

	if _, err := cc.StartScheduler(ctx); err != nil {
		return err
	}
	w, err := cc.NewWatcher(fs.Arg(0), tmpl)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.stderr, "📂 Watching %s (Ctrl+C to stop)\n", w.Dir())

	<-ctx.Done()
	w.Stop()
	return nil
}

func (c *CLI) record(ctx context.Context, args []string) error {
	fs := c.newFlagSet("record")
	var tf taskFlags
	tf.register(fs)
	device := fs.String("device", c.cfg.Live.Input, "capture device id or description")
	transcript := fs.String("transcript", "", "append committed text to this file")
	if err := c.parse(fs, args); err != nil {
		return err
	}

	tmpl, err := tf.template(domain.SourceRecording)
	if err != nil {
		return err
	}

	cc, closeCore, err := c.openCore()
	if err != nil {
		return err
	}
	defer closeCore()
	if err := checkTemplate(cc, tmpl); err != nil {
		return err
	}

	tr := newTracker(c.stdout, c.stderr)
	sub := cc.Bus.Subscribe(tr)
	defer sub.Close()

	path, err := cc.Registry.Resolve(ctx, tmpl.Model, nil)
	if err != nil {
		return err
	}

	rec := cc.NewRecorder(live.Config{
		Model: asr.Model{Ref: tmpl.Model, Path: path},
		Options: asr.Options{
			Language:         tmpl.Language,
			Task:             tmpl.Task,
			Temperatures:     tmpl.TemperatureSchedule,
			InitialPrompt:    tmpl.InitialPrompt,
			WordLevelTimings: tmpl.WordLevelTimings,
		},
		TranscriptPath: *transcript,
	}, &audio.PulseSource{Input: *device})

	if err := rec.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.stderr, "🎙️ Recording (Ctrl+C to stop)")

	<-ctx.Done()
	if err := rec.Stop(); err != nil {
		return err
	}
	// the context watcher may be the one stopping; let it finish committing
	waitCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return rec.Wait(waitCtx)
}

func (c *CLI) list(ctx context.Context, args []string) error {
	fs := c.newFlagSet("list")
	status := fs.String("status", "", "comma-separated statuses to show")
	limit := fs.Int("limit", 20, "maximum number of records")
	if err := c.parse(fs, args); err != nil {
		return err
	}

	opts := storage.ListOptions{Limit: *limit}
	for _, s := range splitList(*status) {
		st := domain.Status(s)
		if !st.IsValid() {
			return errs.Newf(errs.BadInput, "unknown status %q", s)
		}
		opts.Statuses = append(opts.Statuses, st)
	}

	cc, closeCore, err := c.openCore()
	if err != nil {
		return err
	}
	defer closeCore()

	records, err := cc.Store.List(ctx, opts)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tMODEL\tCREATED\tSOURCE")
	for _, t := range records {
		fmt.Fprintf(w, "%s\t%s\t%3.0f%%\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Progress*100, t.Model, t.CreatedAt.Local().Format(time.DateTime), t.SourcePath)
	}
	return w.Flush()
}

func (c *CLI) models(ctx context.Context, args []string) error {
	fs := c.newFlagSet("models")
	download := fs.String("download", "", "download and verify this model")
	if err := c.parse(fs, args); err != nil {
		return err
	}

	cc, closeCore, err := c.openCore()
	if err != nil {
		return err
	}
	defer closeCore()

	if *download != "" {
		ref, err := domain.ParseModelRef(*download)
		if err != nil {
			return err
		}
		sub := cc.Bus.Subscribe(newTracker(c.stdout, c.stderr))
		defer sub.Close()
		path, err := cc.Registry.Resolve(ctx, ref, nil)
		if err != nil {
			return err
		}
		if path != "" {
			fmt.Fprintln(c.stdout, path)
		}
		return nil
	}

	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tSIZE\tDOWNLOADED\tDESCRIPTION")
	for _, e := range cc.Registry.Catalog() {
		state := "no"
		switch {
		case e.Remote:
			state = "remote"
		case e.Downloaded:
			state = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Key, humanSize(e.SizeBytes), state, e.Description)
	}
	return w.Flush()
}

func humanSize(n int64) string {
	const unit = 1024
	if n <= 0 {
		return "-"
	}
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// tracker prints bus events and records terminal task events
type tracker struct {
	out  io.Writer
	diag io.Writer

	mu       sync.Mutex
	terminal map[string]events.Event
	lastPct  map[string]int
	changed  chan struct{}
}

func newTracker(out, diag io.Writer) *tracker {
	return &tracker{
		out:      out,
		diag:     diag,
		terminal: make(map[string]events.Event),
		lastPct:  make(map[string]int),
		changed:  make(chan struct{}, 1),
	}
}

// OnEvent implements events.Observer
func (tr *tracker) OnEvent(e events.Event) {
	switch e.Kind {
	case events.TaskProgress:
		pct := int(e.Progress * 100)
		tr.mu.Lock()
		report := pct/10 > tr.lastPct[e.TaskID]/10
		if report {
			tr.lastPct[e.TaskID] = pct
		}
		tr.mu.Unlock()
		if report {
			fmt.Fprintf(tr.diag, "⏳ %s %d%%\n", e.TaskID, pct)
		}
	case events.DownloadProgress:
		if e.BytesTotal > 0 {
			fmt.Fprintf(tr.diag, "⬇️ %s %s / %s\n", e.Model, humanSize(e.BytesDone), humanSize(e.BytesTotal))
		}
	case events.LivePartial:
		fmt.Fprintf(tr.diag, "… %s\n", e.Text)
	case events.LiveCommitted:
		fmt.Fprintln(tr.out, e.Text)
	case events.TaskCompleted:
		for _, note := range e.Notes {
			fmt.Fprintf(tr.diag, "⚠️ %s: %s\n", e.TaskID, note)
		}
		for _, p := range e.OutputPaths {
			fmt.Fprintln(tr.out, p)
		}
		tr.finish(e)
	case events.TaskFailed:
		fmt.Fprintf(tr.diag, "❌ %s failed: %s\n", e.TaskID, e.Error)
		tr.finish(e)
	case events.TaskCanceled:
		fmt.Fprintf(tr.diag, "🛑 %s canceled\n", e.TaskID)
		tr.finish(e)
	}
}

func (tr *tracker) finish(e events.Event) {
	tr.mu.Lock()
	tr.terminal[e.TaskID] = e
	tr.mu.Unlock()
	select {
	case tr.changed <- struct{}{}:
	default:
	}
}

// wait blocks until every id has a terminal event
func (tr *tracker) wait(ctx context.Context, ids []string) (map[string]events.Event, error) {
	for {
		tr.mu.Lock()
		done := true
		for _, id := range ids {
			if _, ok := tr.terminal[id]; !ok {
				done = false
				break
			}
		}
		if done {
			results := make(map[string]events.Event, len(ids))
			for _, id := range ids {
				results[id] = tr.terminal[id]
			}
			tr.mu.Unlock()
			return results, nil
		}
		tr.mu.Unlock()

		select {
		case <-tr.changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
