package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"

	"github.com/tis24dev/statesave/internal/logging"
	"github.com/tis24dev/statesave/internal/safefs"
)

// Archiver writes and extracts the tar.gz stream that forms one backup.
type Archiver struct {
	logger           *logging.Logger
	compressionLevel int
	exclude          []string
}

// ArchiverConfig holds configuration for archive creation.
type ArchiverConfig struct {
	CompressionLevel int      // gzip level 1-9, 0 selects the default
	Exclude          []string // absolute paths never archived (e.g. the state dir)
}

// Stats describes what went into an archive.
type Stats struct {
	Files []string // slash-separated names relative to the base dir
	Bytes int64    // uncompressed payload size
}

// FileInfo describes a finished archive file on disk.
type FileInfo struct {
	Path   string
	Size   int64
	SHA256 string
}

// Validate checks if the archiver configuration is valid.
func (c *ArchiverConfig) Validate() error {
	if c.CompressionLevel < 0 || c.CompressionLevel > 9 {
		return fmt.Errorf("gzip compression level must be 1-9, got %d", c.CompressionLevel)
	}
	for _, p := range c.Exclude {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("exclude path %q must be absolute", p)
		}
	}
	return nil
}

// NewArchiver creates a new archiver.
func NewArchiver(logger *logging.Logger, config *ArchiverConfig) *Archiver {
	if config == nil {
		config = &ArchiverConfig{}
	}
	level := config.CompressionLevel
	if level == 0 {
		level = gzip.DefaultCompression
	}
	exclude := make([]string, 0, len(config.Exclude))
	for _, p := range config.Exclude {
		exclude = append(exclude, filepath.Clean(p))
	}
	return &Archiver{logger: logger, compressionLevel: level, exclude: exclude}
}

// WriteTo streams a gzip-compressed tar of sources (relative to baseDir) into
// w. Entries are named relative to baseDir so an archive can be extracted
// into any target directory.
func (a *Archiver) WriteTo(ctx context.Context, baseDir string, sources []string, w io.Writer) (*Stats, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}

	roots := make([]string, 0, len(sources))
	for _, src := range sources {
		root, err := safefs.SafePath(absBase, src)
		if err != nil {
			return nil, err
		}
		if _, err := os.Lstat(root); err != nil {
			return nil, fmt.Errorf("backup source %s: %w", src, err)
		}
		roots = append(roots, root)
	}

	gzWriter, err := gzip.NewWriterLevel(w, a.compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	tarWriter := tar.NewWriter(gzWriter)

	stats := &Stats{Files: []string{}}
	seen := make(map[string]bool)
	for _, root := range roots {
		if err := a.addToTar(ctx, tarWriter, absBase, root, seen, stats); err != nil {
			tarWriter.Close()
			gzWriter.Close()
			return nil, fmt.Errorf("failed to write tar stream: %w", err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		gzWriter.Close()
		return nil, fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	sort.Strings(stats.Files)
	a.logger.Debug("Archived %d files (%s uncompressed)", len(stats.Files), humanize.IBytes(uint64(stats.Bytes)))
	return stats, nil
}

func (a *Archiver) excluded(path string) bool {
	for _, ex := range a.exclude {
		if path == ex || strings.HasPrefix(path, ex+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// addToTar recursively adds files and directories to a tar archive.
// Symlinks are stored, never followed.
func (a *Archiver) addToTar(ctx context.Context, tarWriter *tar.Writer, baseDir, root string, seen map[string]bool, stats *Stats) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err != nil {
			a.logger.Warning("Error accessing path %s: %v", path, err)
			return nil
		}
		if a.excluded(path) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := filepath.Rel(baseDir, path)
		if err != nil {
			return err
		}
		if relPath == "." || seen[relPath] {
			return nil
		}
		seen[relPath] = true

		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				a.logger.Warning("Failed to read symlink %s: %v", path, err)
				return nil
			}
		}

		header, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			a.logger.Warning("Failed to create header for %s: %v", path, err)
			return nil
		}
		if stat, ok := info.Sys().(*syscall.Stat_t); ok {
			header.Uid = int(stat.Uid)
			header.Gid = int(stat.Gid)
		}
		header.Format = tar.FormatPAX
		header.Name = filepath.ToSlash(relPath)
		if info.IsDir() {
			header.Name += "/"
		}

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", relPath, err)
		}

		switch {
		case info.Mode().IsRegular():
			file, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", path, err)
			}
			n, err := io.Copy(tarWriter, file)
			file.Close()
			if err != nil {
				return fmt.Errorf("failed to archive %s: %w", path, err)
			}
			stats.Bytes += n
			stats.Files = append(stats.Files, header.Name)
		case info.Mode()&os.ModeSymlink != 0:
			stats.Files = append(stats.Files, header.Name)
			a.logger.Debug("Added symlink to archive: %s -> %s", relPath, linkTarget)
		}
		return nil
	})
}

// CreateFile creates path and lets fill write the archive body through a
// hashing writer. The file is synced before the size and checksum are
// reported; a failed fill removes the partial file.
func CreateFile(path string, fill func(w io.Writer) error) (*FileInfo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	hw := newCountingHasher(out)
	if err := fill(hw); err != nil {
		out.Close()
		os.Remove(path)
		return nil, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(path)
		return nil, fmt.Errorf("sync %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close %s: %w", path, err)
	}
	return &FileInfo{Path: path, Size: hw.n, SHA256: hw.Sum()}, nil
}

// CreateArchive writes an unencrypted archive of sources to outputPath.
func (a *Archiver) CreateArchive(ctx context.Context, baseDir string, sources []string, outputPath string) (*Stats, *FileInfo, error) {
	a.logger.Debug("Creating archive: %s -> %s", baseDir, outputPath)
	var stats *Stats
	info, err := CreateFile(outputPath, func(w io.Writer) error {
		var err error
		stats, err = a.WriteTo(ctx, baseDir, sources, w)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return stats, info, nil
}

func openArchive(archivePath string) (*os.File, *gzip.Reader, *tar.Reader, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open archive: %w", err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("read gzip header of %s: %w", archivePath, err)
	}
	return f, gz, tar.NewReader(gz), nil
}

// VerifyArchive reads the whole archive, checking gzip and tar integrity.
func (a *Archiver) VerifyArchive(ctx context.Context, archivePath string) error {
	f, gz, tr, err := openArchive(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	defer gz.Close()

	entries := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("tar verification failed after %d entries: %w", entries, err)
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return fmt.Errorf("tar verification failed after %d entries: %w", entries, err)
		}
		entries++
	}
	a.logger.Debug("Archive verification passed: %d entries", entries)
	return nil
}

// Extract unpacks archivePath into targetDir and returns the number of
// files and links written. Every entry name, and every link target, must
// resolve inside targetDir; the first one that does not aborts the restore.
func (a *Archiver) Extract(ctx context.Context, archivePath, targetDir string) (int, error) {
	absTarget, err := filepath.Abs(targetDir)
	if err != nil {
		return 0, fmt.Errorf("resolve target dir: %w", err)
	}
	if err := os.MkdirAll(absTarget, 0o755); err != nil {
		return 0, fmt.Errorf("create target dir: %w", err)
	}

	f, gz, tr, err := openArchive(archivePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	defer gz.Close()

	restored := 0
	for {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		// With GODEBUG=tarinsecurepath=0 the header still comes back; the
		// guard below decides.
		if err != nil && !(errors.Is(err, tar.ErrInsecurePath) && hdr != nil) {
			return restored, fmt.Errorf("read archive entry: %w", err)
		}

		dest, err := safefs.SafePath(absTarget, hdr.Name)
		if err != nil {
			return restored, err
		}
		if dest == absTarget {
			continue
		}
		if err := a.checkParent(absTarget, dest); err != nil {
			return restored, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, hdr.FileInfo().Mode().Perm()|0o700); err != nil {
				return restored, fmt.Errorf("create directory %s: %w", dest, err)
			}
		case tar.TypeReg:
			if err := writeEntry(dest, hdr, tr); err != nil {
				return restored, err
			}
			restored++
		case tar.TypeSymlink:
			resolved := hdr.Linkname
			if !filepath.IsAbs(resolved) {
				resolved = filepath.Join(filepath.Dir(dest), resolved)
			}
			if _, err := safefs.SafePath(absTarget, resolved); err != nil {
				return restored, fmt.Errorf("symlink %s: %w", hdr.Name, err)
			}
			if err := replaceWith(dest, func() error { return os.Symlink(hdr.Linkname, dest) }); err != nil {
				return restored, err
			}
			restored++
		case tar.TypeLink:
			src, err := safefs.SafePath(absTarget, hdr.Linkname)
			if err != nil {
				return restored, fmt.Errorf("hard link %s: %w", hdr.Name, err)
			}
			if err := replaceWith(dest, func() error { return os.Link(src, dest) }); err != nil {
				return restored, err
			}
			restored++
		default:
			a.logger.Warning("Skipping unsupported archive entry %s (type %q)", hdr.Name, hdr.Typeflag)
		}
	}
	a.logger.Debug("Extracted %d entries into %s", restored, absTarget)
	return restored, nil
}

// checkParent refuses to write through a directory symlink that leaves the
// target tree.
func (a *Archiver) checkParent(absTarget, dest string) error {
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", parent, err)
	}
	realTarget, err := filepath.EvalSymlinks(absTarget)
	if err != nil {
		return fmt.Errorf("resolve target dir: %w", err)
	}
	realParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", parent, err)
	}
	rel, err := filepath.Rel(realTarget, realParent)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &safefs.TraversalError{Base: absTarget, Name: dest, Reason: "parent directory is a symlink leaving the target"}
	}
	return nil
}

func replaceWith(dest string, create func() error) error {
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace %s: %w", dest, err)
	}
	if err := create(); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	return nil
}

func writeEntry(dest string, hdr *tar.Header, r io.Reader) error {
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace %s: %w", dest, err)
	}
	mode := hdr.FileInfo().Mode().Perm()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dest, err)
	}
	if err := os.Chmod(dest, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", dest, err)
	}
	mtime := hdr.ModTime
	if mtime.IsZero() {
		mtime = time.Now()
	}
	return os.Chtimes(dest, mtime, mtime)
}
