// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package download is the ranged, parallel transfer engine underlying the
// download queue. It HEADs the URL for a Content-Length, partitions the
// file into exactly Workers contiguous byte-range GET workers running
// under an errgroup.Group, streams each range to its own temp chunk file,
// then merges the chunks into the destination file in index order.
package download

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/SavvyMeat/aw-downloader/internal/services/httpx"
)

// ProgressFunc is called with the total bytes written so far, the (possibly
// zero, if unknown) total size, and the instantaneous aggregate speed in
// bytes/second.
type ProgressFunc func(written, total int64, speedBps float64)

// Options configures one download run.
type Options struct {
	Workers    int    // parallel byte-range workers (download_max_workers)
	TmpRoot    string // parent directory for tmp/<downloadId>/ chunk staging
	OnProgress ProgressFunc
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.TmpRoot == "" {
		o.TmpRoot = "."
	}
	return o
}

// progressStepPercent is how often (in aggregate-progress percentage
// points) an in-flight download of known size reports progress. There is
// no 0% report; one final report is made once the chunks are merged.
const progressStepPercent = 10

// Result is a completed download's output file.
type Result struct {
	Path string
	Size int64
}

// Download fetches url, partitioning it into exactly opts.Workers
// contiguous byte ranges staged under opts.TmpRoot/tmp/<downloadID>/, then
// merges them in index order into destDir named with a random token plus
// the detected extension. Cancellation is cooperative via ctx: cancelling
// it aborts in-flight range requests and removes the chunk directory.
func Download(ctx context.Context, downloadID, url, destDir string, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	size, ext, acceptRanges, err := headForSizeAndExt(ctx, url)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	tmpDir := filepath.Join(opts.TmpRoot, "tmp", downloadID)
	if err := os.MkdirAll(tmpDir, 0750); err != nil {
		return nil, fmt.Errorf("download: create tmp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	var ranges []byteRange
	if acceptRanges && size > 0 {
		ranges = partition(size, opts.Workers)
	} else {
		ranges = []byteRange{{0, -1}}
	}

	var (
		mu         sync.Mutex
		written    int64
		lastReport int64
		started    = time.Now()
	)
	reportProgress := func(delta int64) {
		mu.Lock()
		defer mu.Unlock()
		written += delta
		if size <= 0 {
			return
		}
		pct := written * 100 / size
		if pct-lastReport >= progressStepPercent || written >= size {
			lastReport = pct
			elapsed := time.Since(started).Seconds()
			var speed float64
			if elapsed > 0 {
				speed = float64(written) / elapsed
			}
			if opts.OnProgress != nil {
				opts.OnProgress(written, size, speed)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	chunkPaths := make([]string, len(ranges))
	for i, r := range ranges {
		i, r := i, r
		chunkPath := filepath.Join(tmpDir, fmt.Sprintf("chunk_%d.tmp", i))
		chunkPaths[i] = chunkPath
		g.Go(func() error {
			return fetchRangeToFile(gctx, url, chunkPath, r, reportProgress)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	finalPath := filepath.Join(destDir, uuid.NewString()+ext)
	if err := mergeChunks(chunkPaths, finalPath); err != nil {
		return nil, err
	}

	if opts.OnProgress != nil {
		mu.Lock()
		total := written
		mu.Unlock()
		opts.OnProgress(total, size, 0)
	}

	return &Result{Path: finalPath, Size: size}, nil
}

type byteRange struct{ start, end int64 } // inclusive

// partition splits [0, size) into exactly workers contiguous ranges
// (testable property 2). When size is unknown (<=0), a single open-ended
// range is used and the download degrades to one streamed worker.
func partition(size int64, workers int) []byteRange {
	if size <= 0 {
		return []byteRange{{0, -1}}
	}
	if workers < 1 {
		workers = 1
	}

	base := size / int64(workers)
	var ranges []byteRange
	start := int64(0)
	for i := 0; i < workers; i++ {
		end := start + base - 1
		if i == workers-1 {
			end = size - 1
		}
		ranges = append(ranges, byteRange{start, end})
		start = end + 1
	}
	return ranges
}

func headForSizeAndExt(ctx context.Context, url string) (size int64, ext string, acceptRanges bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, "", false, err
	}
	resp, err := httpx.Do(ctx, req)
	if err != nil {
		return 0, "", false, err
	}
	defer resp.Body.Close()

	ext = extensionFromDisposition(resp.Header.Get("Content-Disposition"))
	if ext == "" {
		ext = filepath.Ext(strings.SplitN(url, "?", 2)[0])
	}
	if ext == "" {
		ext = ".mkv"
	}

	acceptRanges = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")

	return resp.ContentLength, ext, acceptRanges, nil
}

func extensionFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return filepath.Ext(params["filename"])
}

// chunkIdleTimeout bounds how long a range worker may go without receiving
// any bytes. There is no overall timeout on a chunk GET (a large file
// legitimately takes longer to transfer than httpx.Do's default), so
// liveness is enforced per spec.md §5 by this activity check instead,
// reset on every successful read.
const chunkIdleTimeout = 30 * time.Second

func fetchRangeToFile(ctx context.Context, url, chunkPath string, r byteRange, report func(int64)) error {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	idleTimer := time.AfterFunc(chunkIdleTimeout, cancel)
	defer idleTimer.Stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if r.end >= 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(r.start, 10)+"-"+strconv.FormatInt(r.end, 10))
	}

	resp, err := httpx.DoStream(reqCtx, req)
	if err != nil {
		if ctx.Err() == nil && reqCtx.Err() != nil {
			return fmt.Errorf("download: chunk timed out after %s without progress", chunkIdleTimeout)
		}
		return err
	}
	defer resp.Body.Close()

	if r.end >= 0 {
		if resp.StatusCode != http.StatusPartialContent {
			return fmt.Errorf("download: expected 206 for range request, got %d", resp.StatusCode)
		}
	} else if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: expected 200, got %d", resp.StatusCode)
	}

	out, err := os.Create(chunkPath)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			idleTimer.Reset(chunkIdleTimeout)
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			report(int64(n))
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if ctx.Err() == nil && reqCtx.Err() != nil {
				return fmt.Errorf("download: chunk timed out after %s without progress", chunkIdleTimeout)
			}
			return rerr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func mergeChunks(chunkPaths []string, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("download: create merged file: %w", err)
	}
	defer out.Close()

	for _, cp := range chunkPaths {
		in, err := os.Open(cp)
		if err != nil {
			return fmt.Errorf("download: open chunk %s: %w", cp, err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return fmt.Errorf("download: merge chunk %s: %w", cp, err)
		}
	}
	return nil
}
