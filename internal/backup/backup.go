// Package backup creates and restores tar.gz archives of the miningops
// database (the registered pull-miner set and migrations) and its config.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/HerbHall/miningops/internal/version"
)

// ManifestName is the archive entry describing the backup.
const ManifestName = "manifest.json"

// maxEntrySize bounds a single restored file.
const maxEntrySize = 1 << 30

var (
	// ErrExists is returned when a restore would overwrite a file and force
	// is not set.
	ErrExists = errors.New("file already exists")

	// ErrUnsafePath is returned for archive entries that would escape the
	// target directory.
	ErrUnsafePath = errors.New("unsafe path in archive")

	// ErrNoManifest is returned for archives not produced by Backup.
	ErrNoManifest = errors.New("archive has no manifest")
)

// Manifest records what an archive contains.
type Manifest struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Database  string    `json:"database"`
	Config    string    `json:"config,omitempty"`
}

// Backup writes a tar.gz archive at outputPath holding the SQLite database,
// the config file when configPath names an existing file, and a manifest.
// The WAL is checkpointed first so the copied database is self-contained.
func Backup(ctx context.Context, dbPath, configPath, outputPath string) (err error) {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("database file not found: %w", err)
	}
	if err := checkpointWAL(ctx, dbPath); err != nil {
		return fmt.Errorf("WAL checkpoint failed: %w", err)
	}

	manifest := Manifest{
		Version:   version.Short(),
		CreatedAt: time.Now().UTC(),
		Database:  filepath.Base(dbPath),
	}
	if configPath != "" {
		if _, statErr := os.Stat(configPath); statErr == nil {
			manifest.Config = filepath.Base(configPath)
		}
	}

	outFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer func() {
		if cerr := outFile.Close(); err == nil {
			err = cerr
		}
	}()

	gw := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gw)

	if err := addManifest(tw, manifest); err != nil {
		return fmt.Errorf("adding manifest to archive: %w", err)
	}
	if err := addFileToTar(tw, dbPath, manifest.Database); err != nil {
		return fmt.Errorf("adding database to archive: %w", err)
	}
	if manifest.Config != "" {
		if err := addFileToTar(tw, configPath, manifest.Config); err != nil {
			return fmt.Errorf("adding config to archive: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	return nil
}

// Restore extracts the archive at inputPath into dataDir and returns its
// manifest. Existing files are only replaced when force is set.
func Restore(ctx context.Context, inputPath, dataDir string, force bool) (*Manifest, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("opening backup: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("reading backup: %w", err)
	}
	defer gr.Close()

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	var manifest *Manifest
	tr := tar.NewReader(gr)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return nil, fmt.Errorf("%w: %v", ErrUnsafePath, err)
		}
		if err != nil {
			return nil, fmt.Errorf("reading backup: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		if hdr.Name == ManifestName {
			manifest = &Manifest{}
			if err := json.NewDecoder(io.LimitReader(tr, 1<<16)).Decode(manifest); err != nil {
				return nil, fmt.Errorf("decoding manifest: %w", err)
			}
			continue
		}
		if manifest == nil {
			return nil, ErrNoManifest
		}

		target, err := safeJoin(dataDir, hdr.Name)
		if err != nil {
			return nil, err
		}
		if err := extractFile(tr, target, hdr, force); err != nil {
			return nil, err
		}
	}
	if manifest == nil {
		return nil, ErrNoManifest
	}
	return manifest, nil
}

// safeJoin resolves name inside dir, rejecting names that would leave it.
func safeJoin(dir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(dir, clean), nil
}

func extractFile(r io.Reader, target string, hdr *tar.Header, force bool) error {
	if hdr.Size > maxEntrySize {
		return fmt.Errorf("entry %q too large: %d bytes", hdr.Name, hdr.Size)
	}
	if _, err := os.Stat(target); err == nil && !force {
		return fmt.Errorf("%w: %s (use force to overwrite)", ErrExists, target)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(target), err)
	}

	// Write beside the target and rename so a failed restore never leaves
	// a truncated database behind.
	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".restore-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.CopyN(tmp, r, hdr.Size); err != nil {
		tmp.Close()
		return fmt.Errorf("extracting %s: %w", hdr.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("extracting %s: %w", hdr.Name, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("replacing %s: %w", target, err)
	}
	return nil
}

// checkpointWAL runs a TRUNCATE checkpoint to flush the WAL into the main
// database file.
func checkpointWAL(ctx context.Context, dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func addManifest(tw *tar.Writer, m Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:     ManifestName,
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(b)),
		ModTime:  m.CreatedAt,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = tw.Write(b)
	return err
}

// addFileToTar adds a single file to the tar archive under the given name.
func addFileToTar(tw *tar.Writer, filePath, archiveName string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = archiveName

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	_, err = io.Copy(tw, f)
	return err
}
