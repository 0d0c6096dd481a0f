package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MimeLyc/easy-downloader/internal/errs"
)

// Saver receives a finished artifact. It plays the part of the host's
// native download mechanism.
type Saver interface {
	Save(ctx context.Context, name string, body io.Reader) (path string, size int64, err error)
}

// DirSaver writes artifacts into a directory, never overwriting an
// existing file.
type DirSaver struct {
	Dir string
}

func (d DirSaver) Save(_ context.Context, name string, body io.Reader) (string, int64, error) {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create download directory: %w", err)
	}

	tmp, err := os.CreateTemp(d.Dir, ".partial-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	size, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", 0, fmt.Errorf("write artifact: %w", err)
	}

	target, err := freePath(d.Dir, name)
	if err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return "", 0, fmt.Errorf("move artifact into place: %w", err)
	}
	return target, size, nil
}

// freePath returns dir/name, or dir/"name (n).ext" when that is taken.
func freePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(dir, name)
	for i := 1; i < 1000; i++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
	return "", fmt.Errorf("no free file name for %s", name)
}

// FetchFile streams a completed job's artifact into saver. It must only be
// called once the job was observed completed.
func (c *Client) FetchFile(ctx context.Context, jobID string, saver Saver) (SavedFile, error) {
	if strings.TrimSpace(jobID) == "" {
		return SavedFile{}, errs.New(errs.Precondition, "job id is required")
	}
	return c.fetch(ctx, pathSingleFile+url.PathEscape(jobID), "job_id", jobID, jobID, saver)
}

// FetchBatchArchive saves every completed member of a batch as one ZIP
// archive built by the backend. It must only be called once the batch was
// observed completed.
func (c *Client) FetchBatchArchive(ctx context.Context, batchID string, saver Saver) (SavedFile, error) {
	if strings.TrimSpace(batchID) == "" {
		return SavedFile{}, errs.New(errs.Precondition, "batch id is required")
	}
	path := pathMultiBatch + url.PathEscape(batchID) + "/download"
	return c.fetch(ctx, path, "batch_id", batchID, "batch_"+batchID+".zip", saver)
}

func (c *Client) fetch(ctx context.Context, path, idKey, id, defName string, saver Saver) (SavedFile, error) {
	if saver == nil {
		return SavedFile{}, errs.New(errs.Precondition, "no saver configured")
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return SavedFile{}, errs.Wrap(err, errs.Fetch, "file request failed")
	}
	req.Header.Set("Accept", "*/*")

	// artifacts may take longer than a JSON round trip
	client := *c.httpClient
	client.Timeout = 0

	resp, err := client.Do(req)
	if err != nil {
		return SavedFile{}, errs.Wrap(err, errs.Fetch, "file download failed").WithContext(idKey, id)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return SavedFile{}, errs.New(errs.Fetch, fallback(backendMessage(body), "file download failed")).
			WithContext(idKey, id).
			WithContext("status", resp.StatusCode)
	}

	name := attachmentName(resp.Header.Get("Content-Disposition"), defName)
	saved, size, err := saver.Save(ctx, name, resp.Body)
	if err != nil {
		return SavedFile{}, errs.Wrap(err, errs.Fetch, "could not save file").WithContext(idKey, id)
	}
	return SavedFile{JobID: id, Path: saved, Size: size}, nil
}

func attachmentName(header, def string) string {
	if header != "" {
		if _, params, err := mime.ParseMediaType(header); err == nil {
			if name := safeName(params["filename"]); name != "" {
				return name
			}
		}
	}
	return safeName(def)
}

func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
