package fetch

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"sandboxforge/internal/core"
)

// Fetcher downloads archives into a directory and gates them on checksums.
type Fetcher struct {
	Client    *http.Client
	Checksums Checksums

	// Logf, when set, receives progress lines ("downloading ...").
	Logf func(format string, args ...any)
}

// NewFetcher returns a Fetcher whose client does not transparently gunzip
// responses; some servers mark .tar.gz bodies with Content-Encoding: gzip.
func NewFetcher(sums Checksums) *Fetcher {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DisableCompression = true
	return &Fetcher{Client: &http.Client{Transport: t}, Checksums: sums}
}

func (f *Fetcher) logf(format string, args ...any) {
	if f.Logf != nil {
		f.Logf(format, args...)
	}
}

// Request describes one pinned artifact.
type Request struct {
	Stage string
	URL   string

	// Dest is the final file path; its base name is the checksum file key.
	Dest string

	// Optional artifacts without a checksum entry are accepted unverified.
	Optional bool
}

// Result reports what Ensure did.
type Result struct {
	Path       string
	SHA256     string
	Downloaded bool
	Verified   bool
}

// Ensure makes sure req.Dest exists and matches its pinned checksum,
// downloading it first when absent.
//
// A pinned artifact without a checksum entry is an integrity failure before any
// network access. A file failing verification is removed so the next run
// downloads it again.
func (f *Fetcher) Ensure(ctx context.Context, req Request) (*Result, error) {
	name := filepath.Base(req.Dest)
	want, pinned := f.Checksums.Lookup(name)
	if !pinned && !req.Optional {
		return nil, core.IntegrityError(req.Stage, name, "", "")
	}

	res := &Result{Path: req.Dest}
	if _, err := os.Stat(req.Dest); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		f.logf("downloading %s", req.URL)
		if err := f.Download(ctx, req.URL, req.Dest); err != nil {
			return nil, core.DownloadError(req.Stage, req.URL, err)
		}
		res.Downloaded = true
	}

	f.logf("verifying %s", name)
	got, err := HashFile(req.Dest)
	if err != nil {
		return nil, xerrors.Errorf("hashing %s: %w", req.Dest, err)
	}
	res.SHA256 = got
	if !pinned {
		return res, nil
	}
	if got != want {
		if rmErr := os.Remove(req.Dest); rmErr != nil && !os.IsNotExist(rmErr) {
			f.logf("removing corrupt %s: %v", req.Dest, rmErr)
		}
		return nil, core.IntegrityError(req.Stage, name, want, got)
	}
	res.Verified = true
	return res, nil
}

// Download fetches url into dest atomically: dest either holds the complete
// body or does not exist.
func (f *Fetcher) Download(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return xerrors.Errorf("building request: %w", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return xerrors.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		return xerrors.Errorf("unexpected HTTP status: got %d (%v), want %d", got, resp.Status, want)
	}

	out, err := renameio.TempFile(filepath.Dir(dest), dest)
	if err != nil {
		return err
	}
	defer out.Cleanup()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return xerrors.Errorf("reading body of %s: %w", url, err)
	}
	if err := out.Chmod(0o644); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}
