// Package archive validates and installs uploaded plugin bundles. The
// installer is the admission gate for plugin code: it inspects bytes only and
// never executes anything. Validation failures are structured results, not
// errors, so an upload endpoint can echo them back directly.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/colloq/colloq/internal/plugin"
)

// Size ceilings. The upload ceiling applies to the raw buffer before any
// parsing; the extraction ceiling is computed from entry headers before any
// file is written.
const (
	MaxUploadSize  = 50 << 20
	MaxExtractSize = 100 << 20
)

// Type identifies the detected archive format.
type Type string

// Supported archive formats.
const (
	TypeZip   Type = "zip"
	TypeTarGz Type = "tar.gz"
)

// Validation and extraction errors.
var (
	ErrTooLarge        = errors.New("archive: upload exceeds 50MB ceiling")
	ErrExtractTooLarge = errors.New("archive: extracted size exceeds 100MB ceiling")
	ErrUnknownFormat   = errors.New("archive: unknown format, expected zip or tar.gz")
	ErrEmpty           = errors.New("archive: no entries")
	ErrManifestMissing = errors.New("archive: manifest.json not found at root or one directory deep")
	ErrUnsafePath      = errors.New("archive: entry path escapes the plugin directory")
)

// ValidationResult reports whether an uploaded bundle may be installed.
type ValidationResult struct {
	Valid       bool             `json:"valid"`
	Error       string           `json:"error,omitempty"`
	Manifest    *plugin.Manifest `json:"manifest,omitempty"`
	ArchiveType Type             `json:"archiveType,omitempty"`
}

// ExtractResult reports the outcome of installing a bundle.
type ExtractResult struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	PluginName string `json:"pluginName,omitempty"`
	PluginPath string `json:"pluginPath,omitempty"`
	Conflict   bool   `json:"conflict,omitempty"`
}

// Installer validates bundles and extracts them under the plugins root.
type Installer struct {
	root   string
	logger *slog.Logger
}

// Option configures an Installer.
type Option func(*Installer)

// WithInstallerLogger sets the installer logger.
func WithInstallerLogger(logger *slog.Logger) Option {
	return func(i *Installer) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewInstaller creates an installer that extracts into root.
func NewInstaller(root string, opts ...Option) *Installer {
	i := &Installer{root: root, logger: slog.Default()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Validate inspects an uploaded bundle without writing anything: format
// detection, size ceilings, traversal checks, manifest presence and manifest
// validity.
func (i *Installer) Validate(data []byte) ValidationResult {
	b, err := i.inspect(data)
	if err != nil {
		res := ValidationResult{Error: err.Error()}
		if b != nil {
			res.ArchiveType = b.typ
		}
		return res
	}
	return ValidationResult{Valid: true, Manifest: b.manifest, ArchiveType: b.typ}
}

// Extract validates the bundle and installs it into a directory named after
// the plugin, stripping the archive's single root folder if present.
// Installing over an existing plugin fails with Conflict set unless force is
// true, in which case the existing directory is replaced. Any write failure
// rolls the partially written directory back.
func (i *Installer) Extract(data []byte, force bool) ExtractResult {
	b, err := i.inspect(data)
	if err != nil {
		return ExtractResult{Error: err.Error()}
	}
	name := b.manifest.Name
	dir := filepath.Join(i.root, name)

	if _, err := os.Stat(dir); err == nil {
		if !force {
			return ExtractResult{
				Error:      fmt.Sprintf("plugin %q is already installed", name),
				PluginName: name,
				Conflict:   true,
			}
		}
		if err := os.RemoveAll(dir); err != nil {
			return ExtractResult{Error: fmt.Sprintf("replace existing plugin: %v", err), PluginName: name}
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ExtractResult{Error: fmt.Sprintf("create plugin directory: %v", err), PluginName: name}
	}
	if err := b.writeTo(dir); err != nil {
		// Never leave a half-installed plugin behind.
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			i.logger.Error("rollback failed", "plugin", name, "error", rmErr)
		}
		return ExtractResult{Error: err.Error(), PluginName: name}
	}

	i.logger.Info("plugin extracted", "plugin", name, "version", b.manifest.Version, "path", dir)
	return ExtractResult{Success: true, PluginName: name, PluginPath: dir}
}

// bundle is a fully inspected, admission-checked archive.
type bundle struct {
	typ      Type
	data     []byte
	prefix   string // single root folder to strip, "" for flat archives
	manifest *plugin.Manifest
}

// entry is one archive member as seen in its header.
type entry struct {
	name string
	dir  bool
	size int64
}

// inspect runs every admission check that can run without writing: size
// ceilings, traversal, manifest location and manifest validity.
func (i *Installer) inspect(data []byte) (*bundle, error) {
	if len(data) > MaxUploadSize {
		return nil, ErrTooLarge
	}
	typ, err := detectType(data)
	if err != nil {
		return nil, err
	}
	b := &bundle{typ: typ, data: data}

	entries, err := b.list()
	if err != nil {
		return b, err
	}
	if len(entries) == 0 {
		return b, ErrEmpty
	}

	var total int64
	for _, e := range entries {
		if err := checkEntryPath(e.name); err != nil {
			return b, err
		}
		if !e.dir {
			total += e.size
		}
		if total > MaxExtractSize {
			return b, ErrExtractTooLarge
		}
	}

	prefix, manifestName, err := locateManifest(entries)
	if err != nil {
		return b, err
	}
	b.prefix = prefix

	raw, err := b.readFile(manifestName)
	if err != nil {
		return b, fmt.Errorf("archive: read manifest: %w", err)
	}
	manifest, err := plugin.ParseManifest(raw)
	if err != nil {
		return b, err
	}
	b.manifest = manifest
	return b, nil
}

// detectType sniffs the magic bytes: "PK" for zip, 0x1f 0x8b for gzip.
func detectType(data []byte) (Type, error) {
	if len(data) >= 2 {
		if data[0] == 'P' && data[1] == 'K' {
			return TypeZip, nil
		}
		if data[0] == 0x1f && data[1] == 0x8b {
			return TypeTarGz, nil
		}
	}
	return "", ErrUnknownFormat
}

// checkEntryPath rejects traversal before anything touches the filesystem.
// The normalized path must not start with "/" or ".." and must not contain
// ".." anywhere.
func checkEntryPath(name string) error {
	normalized := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if strings.HasPrefix(normalized, "/") {
		return fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %s", ErrUnsafePath, name)
		}
	}
	return nil
}

// locateManifest finds manifest.json at the root or exactly one directory
// deep, returning the root prefix to strip during extraction.
func locateManifest(entries []entry) (prefix, name string, err error) {
	var nested []string
	for _, e := range entries {
		if e.dir {
			continue
		}
		clean := path.Clean(e.name)
		if clean == plugin.ManifestFileName {
			return "", clean, nil
		}
		parts := strings.Split(clean, "/")
		if len(parts) == 2 && parts[1] == plugin.ManifestFileName {
			nested = append(nested, clean)
		}
	}
	if len(nested) == 1 {
		return path.Dir(nested[0]) + "/", nested[0], nil
	}
	return "", "", ErrManifestMissing
}

// list reads entry headers without extracting.
func (b *bundle) list() ([]entry, error) {
	switch b.typ {
	case TypeZip:
		zr, err := zip.NewReader(bytes.NewReader(b.data), int64(len(b.data)))
		if err != nil {
			return nil, fmt.Errorf("archive: open zip: %w", err)
		}
		entries := make([]entry, 0, len(zr.File))
		for _, f := range zr.File {
			entries = append(entries, entry{
				name: f.Name,
				dir:  f.FileInfo().IsDir(),
				size: int64(f.UncompressedSize64),
			})
		}
		return entries, nil
	case TypeTarGz:
		var entries []entry
		err := b.walkTar(func(hdr *tar.Header, _ *tar.Reader) error {
			entries = append(entries, entry{
				name: hdr.Name,
				dir:  hdr.Typeflag == tar.TypeDir,
				size: hdr.Size,
			})
			return nil
		})
		return entries, err
	default:
		return nil, ErrUnknownFormat
	}
}

// readFile returns the contents of one archive member by exact name.
func (b *bundle) readFile(name string) ([]byte, error) {
	switch b.typ {
	case TypeZip:
		zr, err := zip.NewReader(bytes.NewReader(b.data), int64(len(b.data)))
		if err != nil {
			return nil, err
		}
		for _, f := range zr.File {
			if path.Clean(f.Name) != name {
				continue
			}
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(io.LimitReader(rc, MaxExtractSize))
		}
		return nil, fmt.Errorf("entry %q not found", name)
	case TypeTarGz:
		var content []byte
		err := b.walkTar(func(hdr *tar.Header, tr *tar.Reader) error {
			if content != nil || path.Clean(hdr.Name) != name {
				return nil
			}
			data, err := io.ReadAll(io.LimitReader(tr, MaxExtractSize))
			if err != nil {
				return err
			}
			content = data
			return nil
		})
		if err != nil {
			return nil, err
		}
		if content == nil {
			return nil, fmt.Errorf("entry %q not found", name)
		}
		return content, nil
	default:
		return nil, ErrUnknownFormat
	}
}

// writeTo extracts the bundle into dir, stripping the root prefix. Entries
// outside the root prefix (zip metadata folders and the like) are skipped.
// Each target path is re-verified to resolve inside dir; the header pre-check
// already ran, but extraction never trusts it.
func (b *bundle) writeTo(dir string) error {
	var written int64
	writeEntry := func(name string, isDir bool, r io.Reader) error {
		rel, ok := b.strip(name)
		if !ok || rel == "." || rel == "" {
			return nil
		}
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, dir+string(os.PathSeparator)) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, name)
		}
		if isDir {
			return os.MkdirAll(target, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		// Copy against the remaining budget so a header that lied about its
		// size cannot blow past the ceiling.
		n, err := io.Copy(out, io.LimitReader(r, MaxExtractSize-written+1))
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		written += n
		if written > MaxExtractSize {
			return ErrExtractTooLarge
		}
		return nil
	}

	switch b.typ {
	case TypeZip:
		zr, err := zip.NewReader(bytes.NewReader(b.data), int64(len(b.data)))
		if err != nil {
			return err
		}
		for _, f := range zr.File {
			if f.FileInfo().IsDir() {
				if err := writeEntry(f.Name, true, nil); err != nil {
					return err
				}
				continue
			}
			rc, err := f.Open()
			if err != nil {
				return err
			}
			err = writeEntry(f.Name, false, rc)
			rc.Close()
			if err != nil {
				return err
			}
		}
		return nil
	case TypeTarGz:
		return b.walkTar(func(hdr *tar.Header, tr *tar.Reader) error {
			switch hdr.Typeflag {
			case tar.TypeDir:
				return writeEntry(hdr.Name, true, nil)
			case tar.TypeReg:
				return writeEntry(hdr.Name, false, tr)
			default:
				// Symlinks and devices never belong in a plugin bundle.
				return fmt.Errorf("%w: %s is not a regular file", ErrUnsafePath, hdr.Name)
			}
		})
	default:
		return ErrUnknownFormat
	}
}

// strip removes the bundle's root prefix from an entry name. The second
// return is false for entries outside the prefix.
func (b *bundle) strip(name string) (string, bool) {
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if b.prefix == "" {
		return clean, true
	}
	if clean+"/" == b.prefix {
		return ".", true
	}
	if !strings.HasPrefix(clean, b.prefix) {
		return "", false
	}
	return strings.TrimPrefix(clean, b.prefix), true
}

// walkTar iterates the tar stream, invoking fn per header.
func (b *bundle) walkTar(fn func(hdr *tar.Header, tr *tar.Reader) error) error {
	gz, err := gzip.NewReader(bytes.NewReader(b.data))
	if err != nil {
		return fmt.Errorf("archive: open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: read tar: %w", err)
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}
