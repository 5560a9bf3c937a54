package extract

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/limits"
)

// External-tool policy: two retries with a one second backoff, destination
// cleaned between attempts.
const (
	toolAttempts = 3
	toolBackoff  = time.Second
)

// percentLine matches the native tool's progress output.
var percentLine = regexp.MustCompile(`^\s*(\d{1,3})%`)

// extractExternal drives the platform-native archive binary. When
// only-files was requested and the primary backend delivers fewer entries
// than expected, one fallback attempt runs on the alternate backend, whose
// filename-encoding assumptions differ.
func (e *Extractor) extractExternal(ctx context.Context, src base.StreamFactory, req Request, sink sinkConsumer, tool base.AbsolutePath, job *limits.Job) error {
	srcPath, cleanup, err := e.onDisk(src)
	if err != nil {
		return err
	}
	defer cleanup()

	folder, files, err := e.runTool(ctx, tool, srcPath, src.Size(), req, job)
	if err != nil {
		return err
	}
	defer func() { _ = folder.Close() }()

	if req.OnlyFiles != nil && len(files) < len(req.OnlyFiles) &&
		tool == e.tools.Archive && e.tools.ArchiveFallback != "" {
		e.log().Warn("entry count short, retrying with fallback backend",
			"archive", src.Name(), "got", len(files), "want", len(req.OnlyFiles))
		fbFolder, fbFiles, fbErr := e.runTool(ctx, e.tools.ArchiveFallback, srcPath, src.Size(), req, job)
		if fbErr == nil {
			_ = folder.Close()
			folder, files = fbFolder, fbFiles
		} else {
			e.log().Warn("fallback backend failed", "archive", src.Name(), "error", fbErr)
		}
	}

	paths := make([]base.RelativePath, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !sink.want(path) {
			continue
		}
		file, err := newDiskFile(path, files[path])
		if err != nil {
			return err
		}
		if err := sink.consume(ctx, path, file); err != nil {
			return err
		}
	}
	return nil
}

// runTool performs up to toolAttempts invocations and enumerates the
// delivered files. The returned folder owns the destination tree.
func (e *Extractor) runTool(ctx context.Context, tool, srcPath base.AbsolutePath, srcSize int64, req Request, job *limits.Job) (*base.TempFolder, map[base.RelativePath]base.AbsolutePath, error) {
	folder, err := e.temp.NewFolder("extract")
	if err != nil {
		return nil, nil, err
	}

	var patternFile base.AbsolutePath
	if req.OnlyFiles != nil {
		patternFile, err = e.writePatternFile(folder.Path().Parent(), req.OnlyFiles)
		if err != nil {
			_ = folder.Close()
			return nil, nil, err
		}
		defer os.Remove(patternFile.String()) //nolint:errcheck // best-effort cleanup
	}

	var lastCode int
	for attempt := 1; ; attempt++ {
		code, runErr := e.invokeOnce(ctx, tool, srcPath, folder.Path(), patternFile, srcSize, req.Progress, job)
		if runErr != nil {
			_ = folder.Close()
			return nil, nil, runErr
		}
		if code == 0 {
			break
		}
		lastCode = code
		e.log().Warn("native tool exited non-zero", "tool", tool.Base(), "code", code, "attempt", attempt)
		if attempt >= toolAttempts {
			_ = folder.Close()
			return nil, nil, e.toolError(lastCode, srcPath, srcSize, folder.Path())
		}
		if err := cleanDir(folder.Path()); err != nil {
			_ = folder.Close()
			return nil, nil, err
		}
		select {
		case <-time.After(toolBackoff):
		case <-ctx.Done():
			_ = folder.Close()
			return nil, nil, ctx.Err()
		}
	}

	if err := RepairBackslashNames(folder.Path()); err != nil {
		_ = folder.Close()
		return nil, nil, err
	}

	files, err := e.enumerate(folder.Path(), req.OnlyFiles)
	if err != nil {
		_ = folder.Close()
		return nil, nil, err
	}
	return folder, files, nil
}

// invokeOnce runs the tool once, scanning stdout percent lines into
// progress increments.
func (e *Extractor) invokeOnce(ctx context.Context, tool, srcPath, dest, patternFile base.AbsolutePath, srcSize int64, progress func(Percent), job *limits.Job) (int, error) {
	args := []string{
		"extract",
		"-recursive-off",
		"-batch-yes",
		"-output=" + e.invoker.Translate(dest),
		e.invoker.Translate(srcPath),
	}
	if patternFile != "" {
		args = append(args, "@"+e.invoker.Translate(patternFile))
	}
	args = append(args, "-multithread-off")

	e.log().Debug("invoking native tool", "tool", tool.Base(), "archive", srcPath.Base())
	proc, err := e.invoker.Run(ctx, Command{Path: tool.String(), Args: args, WorkDir: dest.String()})
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrToolFailed, err)
	}

	go func() {
		_, _ = io.Copy(io.Discard, proc.Stderr()) //nolint:errcheck // drained for process exit
	}()

	var lastPos int64
	scanner := bufio.NewScanner(proc.Stdout())
	for scanner.Scan() {
		m := percentLine.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		pct, perr := strconv.Atoi(m[1])
		if perr != nil || pct > 100 {
			continue
		}
		pos := srcSize * int64(pct) / 100
		if delta := pos - lastPos; delta > 0 {
			if job != nil {
				e.pool.ReportNoWait(job, delta)
			}
			lastPos = pos
		}
		if progress != nil {
			progress(Percent(pct))
		}
	}

	return proc.Wait()
}

// toolError maps the conventional exit codes and attaches the corruption
// diagnostics for 255.
func (e *Extractor) toolError(code int, srcPath base.AbsolutePath, srcSize int64, dest base.AbsolutePath) error {
	meaning := "unknown"
	switch code {
	case 1:
		meaning = "warning"
	case 2:
		meaning = "fatal error"
	case 7:
		meaning = "command line error"
	case 8:
		meaning = "out of memory"
	case 255:
		meaning = "corruption or insufficient space"
	}
	if code == 255 {
		return fmt.Errorf("%w: exit %d (%s): archive %s is %d bytes, destination has %d bytes free",
			ErrToolFailed, code, meaning, srcPath.Base(), srcSize, diskFree(dest))
	}
	return fmt.Errorf("%w: exit %d (%s)", ErrToolFailed, code, meaning)
}

// writePatternFile lists, for each requested path, every variant the
// native tool might need: slash and backslash forms, with and without a
// leading separator, and case variants for the well-known directory roots.
func (e *Extractor) writePatternFile(dir base.AbsolutePath, only map[base.RelativePath]struct{}) (base.AbsolutePath, error) {
	variants := make([]string, 0, len(only)*8)
	seen := make(map[string]struct{})
	add := func(s string) {
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		variants = append(variants, s)
	}

	for path := range only {
		for _, spelled := range e.caseSpellings(path) {
			fwd := spelled
			back := strings.ReplaceAll(spelled, "/", "\\")
			add(fwd)
			add(back)
			add("/" + fwd)
			add("\\" + back)
		}
	}
	sort.Strings(variants)

	f, err := os.CreateTemp(dir.String(), "patterns-*.txt")
	if err != nil {
		return "", err
	}
	w := bufio.NewWriter(f)
	for _, v := range variants {
		fmt.Fprintf(w, "%q\n", v)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return base.AbsolutePath(f.Name()), nil
}

// caseSpellings returns the path as given plus, when its top directory is
// one of the configured roots, the lowercase and title-case respellings.
func (e *Extractor) caseSpellings(path base.RelativePath) []string {
	out := []string{path.String()}
	root := path.TopParent()
	rest := strings.TrimPrefix(path.String(), root)
	for _, known := range e.caseRoots {
		if !strings.EqualFold(root, known) {
			continue
		}
		lower := strings.ToLower(known)
		title := strings.ToUpper(lower[:1]) + lower[1:]
		for _, alt := range []string{lower, title} {
			if alt != root {
				out = append(out, alt+rest)
			}
		}
		break
	}
	return out
}

// enumerate walks the destination and maps delivered files back to their
// canonical requested spelling when only-files was supplied.
func (e *Extractor) enumerate(dest base.AbsolutePath, only map[base.RelativePath]struct{}) (map[base.RelativePath]base.AbsolutePath, error) {
	var canonical map[string]base.RelativePath
	if only != nil {
		canonical = make(map[string]base.RelativePath, len(only))
		for p := range only {
			canonical[strings.ToLower(p.String())] = p
		}
	}

	files := make(map[base.RelativePath]base.AbsolutePath)
	err := filepath.WalkDir(dest.String(), func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		abs := base.AbsolutePath(path)
		rel, rerr := abs.RelativeTo(dest)
		if rerr != nil {
			return rerr
		}
		if canonical != nil {
			if want, ok := canonical[strings.ToLower(rel.String())]; ok {
				rel = want
			} else {
				return nil
			}
		}
		files[rel] = abs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// cleanDir removes everything under dir, keeping dir itself.
func cleanDir(dir base.AbsolutePath) error {
	entries, err := os.ReadDir(dir.String())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir.String(), entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
