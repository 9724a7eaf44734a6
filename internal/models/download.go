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

package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/events"
	"github.com/buzzcore/buzz/internal/logging"
)

// publishEvery throttles download-progress events on the bus
const publishEvery = 1 << 20

// download fetches artifact into path via a ".partial" sibling. A partial
// file left by an earlier network failure is resumed with a Range request.
// Cancellation and digest mismatch delete the partial file.
func (r *Registry) download(ctx context.Context, artifact Artifact, path string, f *flight) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrapf(errs.Internal, err, "create model directory")
	}
	partial := path + ".partial"
	model := artifact.Key.String()

	var offset int64
	if info, statErr := os.Stat(partial); statErr == nil {
		offset = info.Size()
	}

	logging.LogDownload(model, "start", zap.String("url", artifact.URL), zap.Int64("resume_from", offset))

	defer func() {
		if err == nil {
			return
		}
		// keep the partial file only for a later resume after a network error
		if !errs.Is(err, errs.NetworkFailure) {
			_ = os.Remove(partial)
		}
		logging.LogDownload(model, "failed", zap.Error(err))
	}()

	resp, err := r.fetch(ctx, artifact.URL, offset)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		flags |= os.O_TRUNC
		offset = 0
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// the partial file is not a prefix the server can extend
		_ = os.Remove(partial)
		return errs.Newf(errs.NetworkFailure, "server rejected resume of %s", model)
	default:
		return errs.Newf(errs.NetworkFailure, "download %s: unexpected status %s", model, resp.Status)
	}

	total := artifact.SizeBytes
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	file, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return errs.Wrapf(errs.Internal, err, "open %s", partial)
	}

	done, copyErr := r.copyChunks(ctx, file, resp.Body, offset, total, model, f)
	closeErr := file.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return errs.Wrapf(errs.Internal, closeErr, "close %s", partial)
	}

	digest, err := fileDigest(partial)
	if err != nil {
		return errs.Wrapf(errs.Internal, err, "hash %s", partial)
	}
	if digest != artifact.ExpectedDigest {
		return errs.Newf(errs.IntegrityFailure, "model %s digest %s does not match expected %s",
			model, digest, artifact.ExpectedDigest)
	}

	if err := os.Rename(partial, path); err != nil {
		return errs.Wrapf(errs.Internal, err, "install %s", path)
	}
	if info, statErr := os.Stat(path); statErr == nil {
		r.verified.Add(path, fileStamp{size: info.Size(), modTime: info.ModTime(), digest: digest})
	}

	logging.LogDownload(model, "verified", zap.Int64("bytes", done), zap.String("path", path))
	return nil
}

func (r *Registry) fetch(ctx context.Context, url string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrapf(errs.BadInput, err, "invalid model URL %q", url)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Canceled, ctx.Err(), "download canceled")
		}
		return nil, errs.Wrap(errs.NetworkFailure, err, "download request failed")
	}
	return resp, nil
}

// copyChunks streams body into file in ChunkSize reads, reporting progress
// and polling ctx after each chunk.
func (r *Registry) copyChunks(ctx context.Context, file *os.File, body io.Reader, done, total int64, model string, f *flight) (int64, error) {
	buf := make([]byte, ChunkSize)
	lastPublished := int64(-publishEvery)

	r.publishProgress(model, done, total)
	f.emit(done, total)

	for {
		if err := ctx.Err(); err != nil {
			return done, errs.Wrap(errs.Canceled, err, "download canceled")
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return done, errs.Wrapf(errs.Internal, err, "write model chunk")
			}
			done += int64(n)
			f.emit(done, total)
			if done-lastPublished >= publishEvery || done == total {
				r.publishProgress(model, done, total)
				lastPublished = done
			}
		}

		if errors.Is(readErr, io.EOF) {
			if total > 0 && done < total {
				return done, errs.Newf(errs.NetworkFailure, "download ended early at %d of %d bytes", done, total)
			}
			return done, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return done, errs.Wrap(errs.Canceled, ctx.Err(), "download canceled")
			}
			return done, errs.Wrap(errs.NetworkFailure, readErr, "download interrupted")
		}
	}
}

func (r *Registry) publishProgress(model string, done, total int64) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(events.Event{
		Kind:       events.DownloadProgress,
		Model:      model,
		BytesDone:  done,
		BytesTotal: total,
		Timestamp:  time.Now(),
	})
}

func fileDigest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
