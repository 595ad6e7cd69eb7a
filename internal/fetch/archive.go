package fetch

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/ulikunitz/xz"
	"golang.org/x/xerrors"
)

// openTar opens a possibly compressed tarball. The compression is chosen by
// file name.
func openTar(archive string) (*tar.Reader, func() error, error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, nil, err
	}
	var r io.Reader = f
	closeFn := f.Close
	switch name := strings.ToLower(archive); {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, xerrors.Errorf("gzip %s: %w", archive, err)
		}
		r = zr
		closeFn = func() error {
			zr.Close()
			return f.Close()
		}
	case strings.HasSuffix(name, ".tar.xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, xerrors.Errorf("xz %s: %w", archive, err)
		}
		r = xr
	case strings.HasSuffix(name, ".tar"):
	default:
		f.Close()
		return nil, nil, xerrors.Errorf("unsupported archive format: %s", filepath.Base(archive))
	}
	return tar.NewReader(r), closeFn, nil
}

// entryName normalizes a member name and drops the first stripComponents
// path elements. ok is false when nothing is left.
func entryName(name string, stripComponents int) (string, bool) {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" {
		return "", false
	}
	parts := strings.Split(name, "/")
	if len(parts) <= stripComponents {
		return "", false
	}
	return strings.Join(parts[stripComponents:], "/"), true
}

// Extract unpacks archive into destDir, dropping stripComponents leading path
// elements (1 turns "Python-3.12.0/Include" into "Include"). Members are
// placed by their resolved location, following symlinks extracted earlier,
// and any member or link target that would land outside destDir is rejected.
// File modes, including exec bits, and relative symlinks are preserved.
func Extract(archive, destDir string, stripComponents int) error {
	tr, closeFn, err := openTar(archive)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	root, err := filepath.EvalSymlinks(destDir)
	if err != nil {
		return err
	}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return xerrors.Errorf("reading %s: %w", filepath.Base(archive), err)
		}
		switch hdr.Typeflag {
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			continue
		}
		rel, ok := entryName(hdr.Name, stripComponents)
		if !ok {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			target, err := resolvePath(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			if !within(root, target) {
				return xerrors.Errorf("directory %s escapes archive root", rel)
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			target, err := placeMember(root, rel)
			if err != nil {
				return err
			}
			if err := writeMember(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return xerrors.Errorf("extracting %s: %w", rel, err)
			}
		case tar.TypeSymlink:
			if !symlinkInside(rel, hdr.Linkname) {
				return xerrors.Errorf("symlink %s -> %s escapes archive root", rel, hdr.Linkname)
			}
			target, err := placeMember(root, rel)
			if err != nil {
				return err
			}
			dest, err := resolvePath(filepath.Join(filepath.Dir(target), filepath.FromSlash(hdr.Linkname)))
			if err != nil {
				return err
			}
			if !within(root, dest) {
				return xerrors.Errorf("symlink %s -> %s escapes archive root", rel, hdr.Linkname)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			linkRel, ok := entryName(hdr.Linkname, stripComponents)
			if !ok {
				return xerrors.Errorf("hardlink %s -> %s points outside stripped tree", rel, hdr.Linkname)
			}
			src, err := resolvePath(filepath.Join(root, filepath.FromSlash(linkRel)))
			if err != nil {
				return err
			}
			if !within(root, src) {
				return xerrors.Errorf("hardlink %s -> %s escapes archive root", rel, hdr.Linkname)
			}
			target, err := placeMember(root, rel)
			if err != nil {
				return err
			}
			if err := os.Link(src, target); err != nil {
				return err
			}
		default:
			// Devices and fifos have no place in a source or SDK archive.
		}
	}
}

// placeMember returns where the non-directory member rel goes under root.
// Its parent is resolved through any symlinks already on disk and must stay
// under root. A previous entry at that location is removed, so a later
// member never writes through an earlier symlink.
func placeMember(root, rel string) (string, error) {
	parent, err := resolvePath(filepath.Join(root, filepath.Dir(filepath.FromSlash(rel))))
	if err != nil {
		return "", err
	}
	if !within(root, parent) {
		return "", xerrors.Errorf("%s escapes archive root", rel)
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(parent, filepath.Base(filepath.FromSlash(rel)))
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return "", err
	}
	return target, nil
}

// resolvePath evaluates symlinks in the deepest existing ancestor of p and
// appends the components that do not exist yet.
func resolvePath(p string) (string, error) {
	p = filepath.Clean(p)
	var rest []string
	for {
		if _, err := os.Lstat(p); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		rest = append([]string{filepath.Base(p)}, rest...)
		p = parent
	}
	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		// A dangling link: keep its textual location.
		real = p
	}
	return filepath.Join(append([]string{real}, rest...)...), nil
}

func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}

func writeMember(target string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	// OpenFile is subject to the umask.
	return os.Chmod(target, perm)
}

func symlinkInside(rel, linkname string) bool {
	if path.IsAbs(linkname) {
		return false
	}
	resolved := path.Clean(path.Join(path.Dir(rel), linkname))
	return resolved != ".." && !strings.HasPrefix(resolved, "../")
}

// TopLevelNames lists the distinct first path elements of an archive's
// members in sorted order, e.g. ["msgspec"] for an extension package.
func TopLevelNames(archive string) ([]string, error) {
	tr, closeFn, err := openTar(archive)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	seen := make(map[string]bool)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xerrors.Errorf("reading %s: %w", filepath.Base(archive), err)
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader || hdr.Typeflag == tar.TypeXHeader {
			continue
		}
		rel, ok := entryName(hdr.Name, 0)
		if !ok {
			continue
		}
		top, _, _ := strings.Cut(rel, "/")
		seen[top] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// FileNames lists the regular-file members of an archive in sorted order.
func FileNames(archive string) ([]string, error) {
	tr, closeFn, err := openTar(archive)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var out []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xerrors.Errorf("reading %s: %w", filepath.Base(archive), err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if rel, ok := entryName(hdr.Name, 0); ok {
			out = append(out, rel)
		}
	}
	sort.Strings(out)
	return out, nil
}

// epoch is the fixed modification time stamped on every packaged member.
var epoch = time.Unix(0, 0).UTC()

// CreateTarball writes the given slash-separated files, relative to root, to
// dest as a gzip-compressed tarball. Members are sorted, parent directories
// are emitted first, and timestamps and ownership are zeroed, so identical
// inputs produce byte-identical archives. dest is replaced atomically.
func CreateTarball(root string, files []string, dest string) error {
	files = append([]string(nil), files...)
	sort.Strings(files)

	dirSet := make(map[string]bool)
	for _, f := range files {
		for d := path.Dir(f); d != "." && d != "/"; d = path.Dir(d) {
			dirSet[d] = true
		}
	}
	dirs := make([]string, 0, len(dirSet))
	for d := range dirSet {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := renameio.TempFile(filepath.Dir(dest), dest)
	if err != nil {
		return err
	}
	defer out.Cleanup()

	zw, err := gzip.NewWriterLevel(out, gzip.BestCompression)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)

	for _, d := range dirs {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     d + "/",
			Mode:     0o755,
			ModTime:  epoch,
			Format:   tar.FormatUSTAR,
		}); err != nil {
			return err
		}
	}
	for _, f := range files {
		if err := addFile(tw, root, f); err != nil {
			return xerrors.Errorf("packaging %s: %w", f, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	if err := out.Chmod(0o644); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}

func addFile(tw *tar.Writer, root, rel string) error {
	src := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return xerrors.Errorf("%s is not a regular file", src)
	}
	mode := int64(0o644)
	if info.Mode().Perm()&0o111 != 0 {
		mode = 0o755
	}
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     rel,
		Mode:     mode,
		Size:     info.Size(),
		ModTime:  epoch,
		Format:   tar.FormatUSTAR,
	}); err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}
