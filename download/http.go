package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/modlist"
)

// httpDownloader fetches HTTPState archives. cdnDownloader and
// repoDownloader reuse its transfer loop with resolved URLs.
type httpDownloader struct {
	d *Dispatcher
}

func (h *httpDownloader) Matches(state modlist.State) bool {
	_, ok := state.(modlist.HTTPState)
	return ok
}

func (h *httpDownloader) Download(ctx context.Context, archive modlist.Archive, target base.AbsolutePath, progress Progress) error {
	s := archive.State.(modlist.HTTPState)
	return h.d.fetch(ctx, s.URL, headersFrom(s.Headers), archive, target, progress)
}

func (h *httpDownloader) MetaLines(archive modlist.Archive) []string {
	s := archive.State.(modlist.HTTPState)
	return []string{"directURL=" + s.URL}
}

type cdnDownloader struct {
	d *Dispatcher
}

func (c *cdnDownloader) Matches(state modlist.State) bool {
	_, ok := state.(modlist.CDNState)
	return ok
}

func (c *cdnDownloader) Download(ctx context.Context, archive modlist.Archive, target base.AbsolutePath, progress Progress) error {
	rawURL, err := c.d.stateURL(archive.State)
	if err != nil {
		return err
	}
	return c.d.fetch(ctx, rawURL, nil, archive, target, progress)
}

func (c *cdnDownloader) MetaLines(archive modlist.Archive) []string {
	s := archive.State.(modlist.CDNState)
	return []string{"cdnId=" + s.CatalogID}
}

type repoDownloader struct {
	d *Dispatcher
}

func (r *repoDownloader) Matches(state modlist.State) bool {
	_, ok := state.(modlist.RepoState)
	return ok
}

func (r *repoDownloader) Download(ctx context.Context, archive modlist.Archive, target base.AbsolutePath, progress Progress) error {
	rawURL, err := r.d.stateURL(archive.State)
	if err != nil {
		return err
	}
	return r.d.fetch(ctx, rawURL, nil, archive, target, progress)
}

func (r *repoDownloader) MetaLines(archive modlist.Archive) []string {
	s := archive.State.(modlist.RepoState)
	return []string{
		"repo=" + s.Repo,
		fmt.Sprintf("modID=%d", s.ModID),
		fmt.Sprintf("fileID=%d", s.FileID),
	}
}

// gameFileDownloader copies a file out of the resolved game directory.
type gameFileDownloader struct {
	d       *Dispatcher
	gameDir base.AbsolutePath
}

func (g *gameFileDownloader) Matches(state modlist.State) bool {
	_, ok := state.(modlist.GameFileState)
	return ok
}

func (g *gameFileDownloader) Download(ctx context.Context, archive modlist.Archive, target base.AbsolutePath, progress Progress) error {
	s := archive.State.(modlist.GameFileState)
	if g.gameDir == "" {
		return fmt.Errorf("%w: %s: no game directory", ErrArchiveNotFound, s.PrimaryKeyString())
	}
	src := s.File.RelativeTo(g.gameDir)
	in, err := os.Open(src.String())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrArchiveNotFound, s.PrimaryKeyString())
		}
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	job, err := g.d.downloads.Begin(ctx, "copying "+archive.Name, info.Size())
	if err != nil {
		return err
	}
	defer g.d.downloads.Finish(job)

	return copyToFile(ctx, target, in, info.Size(), progress)
}

func (g *gameFileDownloader) MetaLines(archive modlist.Archive) []string {
	s := archive.State.(modlist.GameFileState)
	return []string{"gameName=" + s.Game, "gameFile=" + s.File.String()}
}

// manualDownloader never fetches; the dispatcher surfaces its state to the
// intervention handler.
type manualDownloader struct{}

func (manualDownloader) Matches(state modlist.State) bool {
	_, ok := state.(modlist.ManualState)
	return ok
}

func (manualDownloader) Download(_ context.Context, archive modlist.Archive, _ base.AbsolutePath, _ Progress) error {
	return fmt.Errorf("%w: %s", ErrManualDownload, archive.State.PrimaryKeyString())
}

func (manualDownloader) MetaLines(archive modlist.Archive) []string {
	s := archive.State.(modlist.ManualState)
	return []string{"manualURL=" + s.URL}
}

// fetch is the shared resumable HTTP transfer loop. Transient failures
// retry with exponential backoff; every attempt builds a fresh request
// because a consumed request body must never be reused.
func (d *Dispatcher) fetch(ctx context.Context, rawURL string, headers http.Header, archive modlist.Archive, target base.AbsolutePath, progress Progress) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := d.fetchOnce(ctx, rawURL, headers, archive, target, progress)
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		d.log().Warn("transient download failure", "name", archive.Name, "attempt", attempt, "error", err)
		return err
	}, policy)
}

func (d *Dispatcher) fetchOnce(ctx context.Context, rawURL string, headers http.Header, archive modlist.Archive, target base.AbsolutePath, progress Progress) error {
	var resume int64
	if info, err := os.Stat(target.String()); err == nil && archive.Size > 0 && info.Size() < archive.Size {
		resume = info.Size()
	} else if err == nil && archive.Size > 0 && info.Size() > archive.Size {
		// Oversized partials cannot be a prefix; start over.
		if err := os.Remove(target.String()); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return backoff.Permanent(err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if resume > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resume))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrArchiveNotFound, archive.State.PrimaryKeyString())
	case resp.StatusCode == http.StatusPartialContent && resume > 0:
		// Resuming where the partial left off.
	case resp.StatusCode == http.StatusOK:
		resume = 0
	case resp.StatusCode >= 500:
		return fmt.Errorf("server error: %s", resp.Status)
	default:
		return backoff.Permanent(fmt.Errorf("unexpected status: %s", resp.Status))
	}

	total := archive.Size
	if total == 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	return d.writeBody(ctx, target, resp.Body, resume, total, progress)
}

// writeBody streams the response into the target, paying for each chunk at
// the Downloads throughput budget.
func (d *Dispatcher) writeBody(ctx context.Context, target base.AbsolutePath, body io.Reader, resume, total int64, progress Progress) error {
	if err := os.MkdirAll(target.Parent().String(), 0o755); err != nil {
		return err
	}
	flags := os.O_CREATE | os.O_WRONLY
	if resume > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(target.String(), flags, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	job, err := d.downloads.Begin(ctx, "transfer "+target.Base(), total)
	if err != nil {
		return err
	}
	defer d.downloads.Finish(job)

	processed := resume
	buf := make([]byte, 64*1024)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			if err := d.downloads.Report(ctx, job, int64(n)); err != nil {
				return err
			}
			processed += int64(n)
			if progress != nil {
				progress(processed, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// A short body is transient; the next attempt resumes.
			return fmt.Errorf("response interrupted: %w", rerr)
		}
	}
	return out.Sync()
}

// isPermanent classifies the failure taxonomy: 404s and malformed requests
// never retry, everything network-shaped does.
func isPermanent(err error) bool {
	if errors.Is(err, ErrArchiveNotFound) || errors.Is(err, ErrManualDownload) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return false
	}
	return false
}

// headersFrom converts "Key: Value" strings into an http.Header.
func headersFrom(raw []string) http.Header {
	if len(raw) == 0 {
		return nil
	}
	h := make(http.Header, len(raw))
	for _, line := range raw {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		h.Add(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return h
}

// copyToFile streams r into target with coarse progress.
func copyToFile(ctx context.Context, target base.AbsolutePath, r io.Reader, total int64, progress Progress) error {
	if err := os.MkdirAll(target.Parent().String(), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target.String())
	if err != nil {
		return err
	}
	defer out.Close()

	var processed int64
	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			processed += int64(n)
			if progress != nil {
				progress(processed, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return out.Sync()
}

// hashFile fingerprints a file on disk.
func hashFile(path base.AbsolutePath) (base.Hash, int64, error) {
	f, err := os.Open(path.String())
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	return base.HashReader(f)
}
