package shim

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/sorairolake/lzip-go"
	"github.com/ulikunitz/xz"
)

// ExtractError reports a failed archive extraction.
type ExtractError struct {
	Archive string
	Err     error
}

func (e *ExtractError) Error() string { return fmt.Sprintf("extract %s: %v", e.Archive, e.Err) }
func (e *ExtractError) Unwrap() error { return e.Err }

// ExtractOptions controls how an archive is unpacked.
type ExtractOptions struct {
	// StripComponents removes the first N path components of each entry,
	// mirroring `tar --strip-components`.
	StripComponents int
}

// Extractor unpacks a downloaded archive into a destination directory,
// returning the number of files written.
type Extractor interface {
	Extract(archive, dest string, opts ExtractOptions) (int, error)
}

type tarExtractor struct{}

// NewExtractor returns the default Extractor, supporting .tar,
// .tar.gz/.tgz, .tar.zst/.tzst, .tar.xz, and .tar.lz. Cache archive
// export/import (internal/cache/archive.go) has its own tar/zstd code and
// does not go through this extractor.
func NewExtractor() Extractor { return tarExtractor{} }

func (tarExtractor) Extract(archive, dest string, opts ExtractOptions) (int, error) {
	f, err := os.Open(archive)
	if err != nil {
		return 0, &ExtractError{Archive: archive, Err: err}
	}
	defer f.Close()

	r, err := decompressReader(archive, f)
	if err != nil {
		return 0, &ExtractError{Archive: archive, Err: err}
	}

	if err := os.MkdirAll(dest, 0755); err != nil {
		return 0, &ExtractError{Archive: archive, Err: err}
	}

	n, err := untar(r, dest, opts.StripComponents)
	if err != nil {
		return n, &ExtractError{Archive: archive, Err: err}
	}
	return n, nil
}

// decompressReader picks a decompressor by the archive's file extension.
func decompressReader(archive string, f *os.File) (io.Reader, error) {
	switch {
	case strings.HasSuffix(archive, ".tar.zst"), strings.HasSuffix(archive, ".tzst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case strings.HasSuffix(archive, ".tar.gz"), strings.HasSuffix(archive, ".tgz"):
		return gzip.NewReader(f)
	case strings.HasSuffix(archive, ".tar.xz"):
		return xz.NewReader(f)
	case strings.HasSuffix(archive, ".tar.lz"):
		return lzip.NewReader(f)
	case strings.HasSuffix(archive, ".tar"):
		return f, nil
	default:
		return nil, fmt.Errorf("unrecognized archive extension: %s", filepath.Base(archive))
	}
}

func untar(r io.Reader, dest string, strip int) (int, error) {
	tr := tar.NewReader(r)
	count := 0

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, err
		}

		name := stripComponents(hdr.Name, strip)
		if name == "" {
			continue
		}
		target := filepath.Join(dest, name)
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) && target != filepath.Clean(dest) {
			return count, fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return count, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return count, err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return count, err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return count, err
			}
			out.Close()
			count++
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return count, err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return count, err
			}
		}
	}

	return count, nil
}

func stripComponents(name string, n int) string {
	if n <= 0 {
		return name
	}
	parts := strings.Split(name, "/")
	if len(parts) <= n {
		return ""
	}
	return strings.Join(parts[n:], "/")
}
