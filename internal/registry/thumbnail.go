/*
ComfyVN Studio is a local-first orchestration server for visual novel authoring.
Copyright (C) 2026  ComfyVN Studio Contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package registry

// Background thumbnail worker for image assets. Bounded queue with an
// explicit drop policy; any failure is non-fatal and logged.

import (
	"context"
	"image"
	"image/png"
	"log/slog"
	"os"

	_ "image/gif"
	_ "image/jpeg"

	"comfyvn/internal/metrics"
)

const thumbQueueSize = 32

type thumbJob struct {
	uid  string
	path string
}

type thumbnailWorker struct {
	reg    *Registry
	maxDim int
	queue  chan thumbJob
	done   chan struct{}
}

func newThumbnailWorker(reg *Registry, maxDim int) *thumbnailWorker {
	if maxDim <= 0 {
		maxDim = 512
	}
	w := &thumbnailWorker{
		reg:    reg,
		maxDim: maxDim,
		queue:  make(chan thumbJob, thumbQueueSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *thumbnailWorker) enqueue(uid, path string) {
	select {
	case w.queue <- thumbJob{uid: uid, path: path}:
	default:
		metrics.ObserveThumbnail("dropped")
		slog.Warn("Thumbnail queue full; skipping", "uid", uid)
	}
}

func (w *thumbnailWorker) close() {
	close(w.done)
}

func (w *thumbnailWorker) run() {
	for {
		select {
		case <-w.done:
			return
		case job := <-w.queue:
			if err := w.render(job); err != nil {
				metrics.ObserveThumbnail("failed")
				slog.Warn("Thumbnail generation failed", "uid", job.uid, "error", err)
				continue
			}
			metrics.ObserveThumbnail("ok")
		}
	}
}

func (w *thumbnailWorker) render(job thumbJob) error {
	f, err := os.Open(job.path)
	if err != nil {
		return err
	}
	src, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return err
	}

	thumb := scaleDown(src, w.maxDim)
	thumbPath := job.path + ".thumb.png"

	out, err := os.Create(thumbPath)
	if err != nil {
		return err
	}
	if err := png.Encode(out, thumb); err != nil {
		out.Close()
		os.Remove(thumbPath)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	ctx := context.Background()
	unlock := w.reg.lock(job.uid)
	defer unlock()
	asset, err := w.reg.db.GetAsset(ctx, job.uid)
	if err != nil {
		return err
	}
	asset.ThumbnailPath = thumbPath
	return w.reg.db.UpsertAsset(ctx, asset)
}

// scaleDown resizes so the longer edge equals maxDim, preserving aspect.
// Source images already within bounds are returned untouched. Plain
// nearest-neighbor sampling; thumbnails are previews, not masters.
func scaleDown(src image.Image, maxDim int) image.Image {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()
	if sw <= maxDim && sh <= maxDim {
		return src
	}

	var tw, th int
	if sw >= sh {
		tw = maxDim
		th = sh * maxDim / sw
	} else {
		th = maxDim
		tw = sw * maxDim / sh
	}
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	for y := 0; y < th; y++ {
		sy := b.Min.Y + y*sh/th
		for x := 0; x < tw; x++ {
			sx := b.Min.X + x*sw/tw
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}
