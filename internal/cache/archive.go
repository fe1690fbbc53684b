package cache

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// FormatArchiveFilename renders the archive naming scheme
// "<identity>-<platform>-<arch>-blake3-<variant_hash>.tar.zst". The
// "-blake3-" token is mandatory and is not a statement about which hasher
// actually produced variantHash (see internal/shim.Hasher's doc comment) —
// it is the wire format's fixed label.
func FormatArchiveFilename(identity, platform, arch, variantHash string) string {
	return fmt.Sprintf("%s-%s-%s-blake3-%s.tar.zst", identity, platform, arch, variantHash)
}

// ParsedArchiveFilename is the reverse of FormatArchiveFilename.
type ParsedArchiveFilename struct {
	Identity    string
	Platform    string
	Arch        string
	VariantHash string
}

// ArchiveNameError reports a filename that doesn't match the cache archive
// naming scheme.
type ArchiveNameError struct {
	Name string
}

func (e *ArchiveNameError) Error() string {
	return fmt.Sprintf("cache: malformed archive filename %q", e.Name)
}

// ParseArchiveFilename parses name back into its four components,
// round-tripping exactly with FormatArchiveFilename.
func ParseArchiveFilename(name string) (ParsedArchiveFilename, error) {
	const suffix = ".tar.zst"
	if !strings.HasSuffix(name, suffix) {
		return ParsedArchiveFilename{}, &ArchiveNameError{Name: name}
	}
	trimmed := strings.TrimSuffix(name, suffix)

	const token = "-blake3-"
	idx := strings.LastIndex(trimmed, token)
	if idx < 0 {
		return ParsedArchiveFilename{}, &ArchiveNameError{Name: name}
	}
	head, variantHash := trimmed[:idx], trimmed[idx+len(token):]
	if variantHash == "" {
		return ParsedArchiveFilename{}, &ArchiveNameError{Name: name}
	}

	// head is "<identity>-<platform>-<arch>"; identity itself may contain
	// hyphens (namespace/name tokens allow '-'), so split from the right:
	// arch is the last '-' segment, platform the one before it, and
	// whatever remains (including any embedded hyphens) is the identity.
	archIdx := strings.LastIndexByte(head, '-')
	if archIdx < 0 {
		return ParsedArchiveFilename{}, &ArchiveNameError{Name: name}
	}
	rest, arch := head[:archIdx], head[archIdx+1:]

	platIdx := strings.LastIndexByte(rest, '-')
	if platIdx < 0 {
		return ParsedArchiveFilename{}, &ArchiveNameError{Name: name}
	}
	identity, platform := rest[:platIdx], rest[platIdx+1:]

	if identity == "" || platform == "" || arch == "" {
		return ParsedArchiveFilename{}, &ArchiveNameError{Name: name}
	}
	return ParsedArchiveFilename{Identity: identity, Platform: platform, Arch: arch, VariantHash: variantHash}, nil
}

// ExportInstall writes install/'s contents as a .tar.zst archive at
// destPath, named per FormatArchiveFilename by the caller. This is how a
// finished entry moves between machines.
func ExportInstall(installDir, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return &IoError{Op: "create archive", Path: destPath, Err: err}
	}
	defer out.Close()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return &IoError{Op: "zstd writer", Path: destPath, Err: err}
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	return filepath.Walk(installDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(installDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// ImportInstall extracts a .tar.zst archive produced by ExportInstall into
// installDir, which must not already exist (the caller is expected to
// extract into a fresh Handle.StageDir()/install subtree and rename it via
// MarkInstallComplete, same as a normal build).
func ImportInstall(archivePath, installDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return &IoError{Op: "open archive", Path: archivePath, Err: err}
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return &IoError{Op: "zstd reader", Path: archivePath, Err: err}
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &IoError{Op: "read archive", Path: archivePath, Err: err}
		}
		target := filepath.Join(installDir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return &IoError{Op: "mkdir", Path: target, Err: err}
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return &IoError{Op: "mkdir", Path: target, Err: err}
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return &IoError{Op: "write", Path: target, Err: err}
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return &IoError{Op: "write", Path: target, Err: err}
			}
			out.Close()
		}
	}
}
