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

// Package models resolves model references to verified local artifacts,
// downloading them on first use.
package models

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/events"
	"github.com/buzzcore/buzz/internal/logging"
)

// ChunkSize is the largest read per download step; cancellation is polled between chunks
const ChunkSize = 64 * 1024

// ProgressSink receives download progress. total is 0 when unknown.
type ProgressSink func(done, total int64)

// Publisher receives download-progress events
type Publisher interface {
	Publish(events.Event)
}

// Entry is a catalog row with its local state
type Entry struct {
	Artifact
	LocalPath  string
	Downloaded bool
}

// Registry maps model references to verified files under a cache root.
// Concurrent Resolve calls for one key share a single download.
type Registry struct {
	root      string
	client    *http.Client
	publisher Publisher

	mu      sync.RWMutex
	catalog map[string]Artifact

	group     singleflight.Group
	flightsMu sync.Mutex
	flights   map[string]*flight

	// path -> stamp of a file whose digest already matched
	verified *lru.Cache[string, fileStamp]
}

type fileStamp struct {
	size    int64
	modTime time.Time
	digest  string
}

// Option configures a Registry
type Option func(*Registry)

// WithHTTPClient replaces the download client
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) { r.client = client }
}

// WithPublisher emits download-progress events to p
func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// WithCatalog replaces the built-in catalog
func WithCatalog(artifacts []Artifact) Option {
	return func(r *Registry) {
		r.catalog = make(map[string]Artifact, len(artifacts))
		for _, a := range artifacts {
			r.catalog[a.Key.String()] = a
		}
	}
}

// NewRegistry creates a registry storing artifacts under modelsRoot
func NewRegistry(modelsRoot string, opts ...Option) *Registry {
	verified, _ := lru.New[string, fileStamp](64)
	r := &Registry{
		root:     modelsRoot,
		client:   &http.Client{Timeout: 0},
		flights:  make(map[string]*flight),
		verified: verified,
	}
	WithCatalog(DefaultCatalog())(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a catalog entry. Downloadable artifacts must
// carry a URL and a sha256 digest.
func (r *Registry) Register(a Artifact) error {
	if a.Key.Family == "" || a.Key.Size == "" {
		return errs.New(errs.BadInput, "artifact key requires family and size")
	}
	if a.Key.Variant == "" {
		a.Key.Variant = domain.DefaultVariant
	}
	if !a.Remote {
		if a.URL == "" {
			return errs.Newf(errs.BadInput, "artifact %s has no URL", a.Key)
		}
		a.ExpectedDigest = strings.ToLower(strings.TrimSpace(a.ExpectedDigest))
		if len(a.ExpectedDigest) != 64 {
			return errs.Newf(errs.BadInput, "artifact %s needs a hex sha256 digest", a.Key)
		}
	}

	r.mu.Lock()
	r.catalog[a.Key.String()] = a
	r.mu.Unlock()
	return nil
}

// Lookup returns the catalog entry for key
func (r *Registry) Lookup(key domain.ModelRef) (Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.catalog[key.String()]
	if !ok {
		return Artifact{}, errs.Newf(errs.NotFound, "unknown model %s", key)
	}
	return a, nil
}

// LocalPath returns where key's artifact lives once materialized
func (r *Registry) LocalPath(key domain.ModelRef) string {
	return LocalPath(r.root, key)
}

// Catalog lists known models sorted by key, marking those present on disk.
// Presence is not a digest check; Resolve verifies.
func (r *Registry) Catalog() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.catalog))
	for _, a := range r.catalog {
		entry := Entry{Artifact: a}
		if !a.Remote {
			entry.LocalPath = r.LocalPath(a.Key)
			if _, err := os.Stat(entry.LocalPath); err == nil {
				entry.Downloaded = true
			}
		}
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key.String() < entries[j].Key.String() })
	return entries
}

// Resolve returns the verified local path of key's artifact, downloading it
// when missing or corrupt. Remote models resolve to "" without I/O.
// Network errors are returned as NetworkFailure and not retried here.
func (r *Registry) Resolve(ctx context.Context, key domain.ModelRef, sink ProgressSink) (string, error) {
	artifact, err := r.Lookup(key)
	if err != nil {
		return "", err
	}
	if artifact.Remote {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", errs.Wrap(errs.Canceled, err, "resolve canceled")
	}

	for {
		f, sinkID := r.join(artifact.Key.String(), sink)
		ch := r.group.DoChan(artifact.Key.String(), func() (interface{}, error) {
			return r.materialize(f.ctx, artifact, f)
		})

		select {
		case res := <-ch:
			r.leave(artifact.Key.String(), f, sinkID)
			// a flight abandoned by earlier callers may finish as canceled
			// just as this caller joins; start a fresh one
			if res.Err != nil && errs.Is(res.Err, errs.Canceled) && ctx.Err() == nil {
				continue
			}
			if res.Err != nil {
				return "", res.Err
			}
			return res.Val.(string), nil
		case <-ctx.Done():
			r.leave(artifact.Key.String(), f, sinkID)
			return "", errs.Wrap(errs.Canceled, ctx.Err(), "resolve canceled")
		}
	}
}

// flight tracks the callers sharing one in-progress resolve
type flight struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	refs     int
	nextSink int
	sinks    map[int]ProgressSink
}

func (f *flight) emit(done, total int64) {
	f.mu.Lock()
	sinks := make([]ProgressSink, 0, len(f.sinks))
	for _, s := range f.sinks {
		sinks = append(sinks, s)
	}
	f.mu.Unlock()
	for _, s := range sinks {
		s(done, total)
	}
}

func (r *Registry) join(key string, sink ProgressSink) (*flight, int) {
	r.flightsMu.Lock()
	defer r.flightsMu.Unlock()

	f, ok := r.flights[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		f = &flight{ctx: ctx, cancel: cancel, sinks: make(map[int]ProgressSink)}
		r.flights[key] = f
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs++
	id := -1
	if sink != nil {
		id = f.nextSink
		f.nextSink++
		f.sinks[id] = sink
	}
	return f, id
}

// leave drops one caller; the shared download is canceled when none remain
func (r *Registry) leave(key string, f *flight, sinkID int) {
	r.flightsMu.Lock()
	defer r.flightsMu.Unlock()

	f.mu.Lock()
	f.refs--
	if sinkID >= 0 {
		delete(f.sinks, sinkID)
	}
	remaining := f.refs
	f.mu.Unlock()

	if remaining == 0 {
		f.cancel()
		if r.flights[key] == f {
			delete(r.flights, key)
		}
	}
}

// flightRefs reports how many callers share key's flight
func (r *Registry) flightRefs(key domain.ModelRef) int {
	r.flightsMu.Lock()
	defer r.flightsMu.Unlock()
	f, ok := r.flights[key.String()]
	if !ok {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs
}

func (r *Registry) materialize(ctx context.Context, artifact Artifact, f *flight) (string, error) {
	path := r.LocalPath(artifact.Key)

	ok, err := r.isVerified(path, artifact.ExpectedDigest)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}

	if err := r.download(ctx, artifact, path, f); err != nil {
		return "", err
	}
	return path, nil
}

// isVerified reports whether path exists with the expected digest. A
// mismatching file counts as absent and will be replaced.
func (r *Registry) isVerified(path, expected string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.Internal, err, "check model file")
	}

	if stamp, ok := r.verified.Get(path); ok &&
		stamp.size == info.Size() && stamp.modTime.Equal(info.ModTime()) && stamp.digest == expected {
		return true, nil
	}

	digest, err := fileDigest(path)
	if err != nil {
		return false, errs.Wrap(errs.Internal, err, "hash model file")
	}
	if digest != expected {
		logging.LogWarn("⚠️ Model digest mismatch, downloading again",
			zap.String("path", path),
			zap.String("expected", expected),
			zap.String("actual", digest))
		r.verified.Remove(path)
		return false, nil
	}

	r.verified.Add(path, fileStamp{size: info.Size(), modTime: info.ModTime(), digest: digest})
	return true, nil
}
