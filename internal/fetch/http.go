package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

// HTTP implements Fetcher over the local filesystem and net/http.
//
// Downloads stream into dest + ".part" and are renamed into place on
// success, so dest either holds a complete file or nothing. A leftover
// .part file from an interrupted run is resumed with a Range request.
type HTTP struct {
	client *http.Client
	logger *log.Logger

	// progressEvery limits how often onProgress fires; the final 1.0 is
	// always delivered.
	progressEvery rate.Limit
}

// NewHTTP returns a Fetcher using the given client, or http.DefaultClient
// when nil.
func NewHTTP(client *http.Client, logger *log.Logger) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.Default()
	}
	return &HTTP{client: client, logger: logger, progressEvery: rate.Limit(30)}
}

// EnsureDir creates dir if absent.
func (h *HTTP) EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	return nil
}

// Stat returns the file size at path.
func (h *HTTP) Stat(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return 0, false, fmt.Errorf("stat %s: is a directory", path)
	}
	return info.Size(), true, nil
}

// Remove deletes path, tolerating its absence.
func (h *HTTP) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// List returns the names of regular files directly under dir.
func (h *HTTP) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// RemoveAll deletes dir recursively and recreates it empty.
func (h *HTTP) RemoveAll(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return h.EnsureDir(dir)
}

// Download fetches url into dest with resume and progress reporting.
func (h *HTTP) Download(ctx context.Context, url, dest string, onProgress ProgressFunc) error {
	partPath := dest + ".part"

	var offset int64
	if info, err := os.Stat(partPath); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored the range; start over.
		if offset > 0 {
			h.logger.Debug("Server does not support resume, restarting", "url", url)
			offset = 0
		}
	case http.StatusPartialContent:
		// Appending to the existing partial file.
	default:
		return fmt.Errorf("download %s: HTTP status %d", url, resp.StatusCode)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open partial file: %w", err)
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	written, err := h.copyWithProgress(ctx, out, resp.Body, offset, total, onProgress)
	closeErr := out.Close()
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	if closeErr != nil {
		return fmt.Errorf("close partial file: %w", closeErr)
	}

	if written == 0 {
		os.Remove(partPath)
		return fmt.Errorf("download %s: empty response", url)
	}

	if err := os.Rename(partPath, dest); err != nil {
		return fmt.Errorf("finalize download: %w", err)
	}
	if onProgress != nil {
		onProgress(1.0)
	}
	return nil
}

// copyWithProgress streams body to out, reporting rate-limited progress.
// It returns the final size of the partial file (offset + copied bytes).
func (h *HTTP) copyWithProgress(ctx context.Context, out io.Writer, body io.Reader, offset, total int64, onProgress ProgressFunc) (int64, error) {
	limiter := rate.NewLimiter(h.progressEvery, 1)
	written := offset
	buf := make([]byte, 32*1024)

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)

			if onProgress != nil && total > 0 && limiter.Allow() {
				onProgress(float64(written) / float64(total))
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
