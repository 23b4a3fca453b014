// Package filestore resolves where received files land on disk, sanitizes
// untrusted names coming off the wire, and provides sparse-preallocated,
// random-offset write handles for the parallel transfer engine.
package filestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmptyName            = errors.New("empty name")
	ErrNullByteInName       = errors.New("null byte in name")
	ErrPathTraversal        = errors.New("path escapes download root")
	ErrNotFound             = errors.New("not found")
	ErrTooLargeForDirectRead = errors.New("file too large for direct read")
	ErrNoWritableDirectory  = errors.New("no writable directory available")
)

// maxNameBytes is the cap sanitizeName truncates to, preserving the
// extension where possible.
const maxNameBytes = 200

// separatorRunes includes ASCII slash/backslash and the Unicode
// division/solidus lookalikes used to smuggle path separators past naive
// filters.
var separatorRunes = []rune{'/', '\\', '⁄', '∕', '／', '＼'}

// forbiddenRunes are additional characters that are invalid or dangerous
// in file names across common filesystems.
var forbiddenRunes = []rune{'<', '>', ':', '"', '|', '?', '*'}

func isSeparator(r rune) bool {
	for _, s := range separatorRunes {
		if r == s {
			return true
		}
	}
	return false
}

func isForbidden(r rune) bool {
	if isSeparator(r) {
		return true
	}
	for _, f := range forbiddenRunes {
		if r == f {
			return true
		}
	}
	return r < 0x20
}

// SanitizeName replaces path separators (including Unicode lookalikes),
// control bytes and reserved characters with "_", turns every dot after
// the first in a run of dots into "_" (so "../x" becomes ".__x"), strips
// trailing dots, and truncates to maxNameBytes on a codepoint
// boundary while preserving the extension. A null byte is rejected
// outright rather than substituted.
func SanitizeName(s string) (string, error) {
	if s == "" {
		return "", ErrEmptyName
	}
	if strings.ContainsRune(s, 0) {
		return "", ErrNullByteInName
	}

	var b strings.Builder
	b.Grow(len(s))
	dotRun := 0
	for _, r := range s {
		if r == '.' {
			dotRun++
			if dotRun >= 2 {
				b.WriteByte('_')
				continue
			}
			b.WriteRune(r)
			continue
		}
		dotRun = 0
		if isForbidden(r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}

	out := strings.TrimRight(b.String(), ".")
	if out == "" {
		out = "_"
	}
	return truncatePreservingExt(out, maxNameBytes), nil
}

func truncatePreservingExt(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) >= limit {
		ext = ""
	}
	base := name[:len(name)-len(ext)]
	budget := limit - len(ext)
	for budget > 0 && !utf8.RuneStart(base[budget]) {
		budget--
	}
	if budget < 0 {
		budget = 0
	}
	return base[:budget] + ext
}

// IsWithin reports whether path, once cleaned and resolved, lives inside
// root (or equals it exactly).
func IsWithin(root, path string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		absPath = resolved
	}
	if resolvedRoot, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolvedRoot
	}
	absRoot = filepath.Clean(absRoot)
	absPath = filepath.Clean(absPath)
	if absPath == absRoot {
		return true
	}
	return strings.HasPrefix(absPath, absRoot+string(os.PathSeparator))
}

// UniqueName returns name unchanged if root/name does not yet exist,
// otherwise appends " (k)" for the smallest k>=1 that is free.
func UniqueName(root, name string) string {
	candidate := name
	for k := 1; ; k++ {
		if _, err := os.Stat(filepath.Join(root, candidate)); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
		ext := filepath.Ext(name)
		base := name[:len(name)-len(ext)]
		candidate = fmt.Sprintf("%s (%d)%s", base, k, ext)
	}
}

// candidateRoot is one entry in the ordered fallback list consulted by
// ResolveDownloadRoot, matching the "ordered list of candidate providers"
// pattern called for in place of platform-switch logic in the core.
type candidateRoot func() (string, error)

// DefaultCandidates returns the standard fallback chain: an explicit
// override (if set), ~/Downloads/Syndro, ~/.syndro/received, and finally
// syndro-received under the temp directory — each tried in order.
func DefaultCandidates(override string) []candidateRoot {
	candidates := make([]candidateRoot, 0, 4)
	if override != "" {
		candidates = append(candidates, func() (string, error) { return override, nil })
	}
	candidates = append(candidates,
		func() (string, error) {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, "Downloads", "Syndro"), nil
		},
		func() (string, error) {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, ".syndro", "received"), nil
		},
		func() (string, error) {
			return filepath.Join(os.TempDir(), "syndro-received"), nil
		},
	)
	return candidates
}

// ResolveDownloadRoot walks candidates in order, creating and
// probe-writing each in turn, and returns the first one that proves
// writable.
func ResolveDownloadRoot(candidates []candidateRoot) (string, error) {
	for _, candidate := range candidates {
		path, err := candidate()
		if err != nil {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			continue
		}
		probe := filepath.Join(path, ".syndro-write-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			continue
		}
		_ = os.Remove(probe)
		return path, nil
	}
	return "", ErrNoWritableDirectory
}

// ChunkWriter is a random-offset write handle over a sparse-preallocated
// temp file living alongside its eventual final path.
type ChunkWriter struct {
	finalPath string
	tmpPath   string
	file      *os.File
}

// OpenChunkWriter creates finalPath+".tmp", preallocates it to totalSize
// by seeking to the last byte and writing a single zero (sparse on
// filesystems that support it), and returns a handle for random-offset
// writes.
func OpenChunkWriter(finalPath string, totalSize uint64) (*ChunkWriter, error) {
	tmpPath := finalPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if totalSize > 0 {
		if _, err := f.Seek(int64(totalSize)-1, 0); err != nil {
			f.Close()
			return nil, err
		}
		if _, err := f.Write([]byte{0}); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &ChunkWriter{finalPath: finalPath, tmpPath: tmpPath, file: f}, nil
}

// WriteAt writes data at the given byte offset.
func (c *ChunkWriter) WriteAt(data []byte, offset int64) (int, error) {
	return c.file.WriteAt(data, offset)
}

// TempPath returns the path of the not-yet-visible temp file backing this
// writer, so a caller can verify its contents (e.g. hash them) before
// calling Finalize.
func (c *ChunkWriter) TempPath() string {
	return c.tmpPath
}

// Sync flushes written data to the temp file without closing it, so
// TempPath can be read correctly through a second, independent handle.
func (c *ChunkWriter) Sync() error {
	return c.file.Sync()
}

// Finalize flushes and closes the temp file, removes any prior file at
// finalPath, and atomically renames the temp file into place.
func (c *ChunkWriter) Finalize() (string, error) {
	if err := c.file.Sync(); err != nil {
		c.file.Close()
		return "", err
	}
	if err := c.file.Close(); err != nil {
		return "", err
	}
	_ = os.Remove(c.finalPath)
	if err := os.Rename(c.tmpPath, c.finalPath); err != nil {
		return "", err
	}
	return c.finalPath, nil
}

// Abort closes and deletes the temp file, discarding all written bytes.
func (c *ChunkWriter) Abort() error {
	c.file.Close()
	return os.Remove(c.tmpPath)
}

// StreamingReader opens path and returns the open file together with a
// chunkSize read buffer, so the caller can read the file in pieces
// without loading it whole; it reads nothing itself.
func StreamingReader(path string, chunkSize int) (*os.File, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, make([]byte, chunkSize), nil
}

// StreamingSink opens finalPath+".tmp" for sequential append-style
// writes; callers call Finalize/Abort on the returned ChunkWriter-style
// handle once the stream completes.
func StreamingSink(finalPath string) (*ChunkWriter, error) {
	tmpPath := finalPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &ChunkWriter{finalPath: finalPath, tmpPath: tmpPath, file: f}, nil
}

// Append writes data at the stream's current position (sequential mode).
func (c *ChunkWriter) Append(data []byte) (int, error) {
	return c.file.Write(data)
}
