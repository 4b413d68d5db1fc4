package git

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExportResult describes a tree written by Export
type ExportResult struct {
	// Commit is the commit id git archive recorded in the pax global header
	Commit string
	// Files counts regular files written
	Files int
	// Skipped lists archive entries left alone because keep returned true
	Skipped []string
}

// Export writes the tree at ref into dest without any history. Entries for
// which keep returns true are not written, so files already in dest survive.
// keep may be nil.
func Export(ctx context.Context, client Client, repo, ref, dest string, keep func(name string) bool) (*ExportResult, error) {
	pr, pw := io.Pipe()

	archiveErr := make(chan error, 1)
	go func() {
		err := client.Archive(ctx, repo, ref, pw)
		_ = pw.CloseWithError(err)
		archiveErr <- err
	}()

	res, extractErr := ExtractTar(pr, dest, keep)
	if extractErr != nil {
		// unblock the writer if extraction stopped early
		_ = pr.CloseWithError(extractErr)
	} else {
		// drain trailing padding so git archive can exit
		_, _ = io.Copy(io.Discard, pr)
	}

	if err := <-archiveErr; err != nil && extractErr == nil {
		return nil, err
	}
	if extractErr != nil {
		return nil, fmt.Errorf("extract archive: %w", extractErr)
	}
	return res, nil
}

// ExtractTar unpacks a tar stream into dest. Entries that would land outside
// dest are rejected.
func ExtractTar(r io.Reader, dest string, keep func(name string) bool) (*ExportResult, error) {
	res := &ExportResult{}
	tr := tar.NewReader(r)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return nil, err
		}

		if hdr.Typeflag == tar.TypeXGlobalHeader {
			// git archive stores the commit id as the pax comment
			if c, ok := hdr.PAXRecords["comment"]; ok {
				res.Commit = strings.TrimSpace(c)
			}
			continue
		}

		name := strings.TrimSuffix(hdr.Name, "/")
		if name == "" || name == "." {
			continue
		}
		target, err := safeJoin(dest, name)
		if err != nil {
			return nil, err
		}

		if keep != nil && hdr.Typeflag != tar.TypeDir && keep(name) {
			res.Skipped = append(res.Skipped, name)
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return nil, fmt.Errorf("write %s: %w", name, err)
			}
			res.Files++
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return nil, fmt.Errorf("symlink %s: %w", name, err)
			}
		default:
			return nil, fmt.Errorf("unsupported archive entry %s (type %c)", name, hdr.Typeflag)
		}
	}
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// safeJoin joins a slash-separated archive name onto dest
func safeJoin(dest, name string) (string, error) {
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("archive entry %q is absolute", name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return filepath.Join(dest, clean), nil
}
