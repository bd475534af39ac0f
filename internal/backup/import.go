package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/fsutil"
	"github.com/prefbridge/prefbridge/internal/syncthing"
)

// ConfigReplacer pushes a full daemon configuration. *syncthing.RestAPI implements it.
type ConfigReplacer interface {
	IsConfigLoaded() bool
	ReplaceConfig(ctx context.Context, cfg *syncthing.Config) error
}

// Load reads and verifies an archive. Archived preferences that are unknown,
// secret or invalid are skipped with a warning.
func Load(inputPath, password string) (*Archive, error) {
	if strings.TrimSpace(inputPath) == "" {
		return nil, core.ErrValidation(core.CodeInvalidValue, "input path is required")
	}
	data, err := fsutil.ReadFileScoped(inputPath)
	if err != nil {
		return nil, core.ErrNotFound("backup", inputPath).WithCause(err)
	}
	if IsSealed(data) {
		if data, err = Open(data, password); err != nil {
			return nil, core.ErrValidation(core.CodeBadArchive, err.Error()).WithCause(err)
		}
	}

	files, err := readArchiveFiles(data)
	if err != nil {
		return nil, badArchive(err)
	}
	manifestData, ok := files[manifestArchivePath]
	if !ok {
		return nil, badArchive(fmt.Errorf("archive is missing %s", manifestArchivePath))
	}
	manifest, err := decodeManifest(manifestData)
	if err != nil {
		return nil, badArchive(fmt.Errorf("decoding manifest: %w", err))
	}
	if err := validateArchiveAgainstManifest(manifest, files); err != nil {
		return nil, badArchive(err)
	}

	archive := &Archive{Manifest: manifest}
	archive.Preferences, archive.Warnings, err = decodePreferences(files[preferencesArchivePath])
	if err != nil {
		return nil, badArchive(fmt.Errorf("decoding preferences: %w", err))
	}
	if manifest.DaemonConfigPresent {
		var cfg syncthing.Config
		if err := json.Unmarshal(files[daemonConfigArchivePath], &cfg); err != nil {
			return nil, badArchive(fmt.Errorf("decoding daemon config: %w", err))
		}
		archive.DaemonConfig = &cfg
	}
	return archive, nil
}

// Import loads an archive, writes its preferences durably to store and
// pushes its daemon configuration when the daemon has one loaded. daemon may
// be nil.
func Import(ctx context.Context, opts *ImportOptions, store core.PersistentStore, daemon ConfigReplacer) (*ImportReport, error) {
	if opts == nil {
		return nil, core.ErrValidation(core.CodeInvalidValue, "options are required")
	}
	archive, err := Load(opts.InputPath, opts.Password)
	if err != nil {
		return nil, err
	}

	report := &ImportReport{
		DryRun:       opts.DryRun,
		Manifest:     archive.Manifest,
		RestoredKeys: archive.Preferences.Keys(),
		Warnings:     append([]string(nil), archive.Warnings...),
	}
	if opts.DryRun {
		return report, nil
	}

	if err := store.Write(ctx, archive.Preferences, true); err != nil {
		return nil, err
	}

	if archive.DaemonConfig != nil {
		switch {
		case daemon == nil || !daemon.IsConfigLoaded():
			report.Warnings = append(report.Warnings, "daemon configuration not loaded, archived daemon settings were not applied")
		default:
			if err := daemon.ReplaceConfig(ctx, archive.DaemonConfig); err != nil {
				return report, err
			}
			report.DaemonConfigApplied = true
		}
	}
	return report, nil
}

func badArchive(err error) error {
	return core.ErrValidation(core.CodeBadArchive, err.Error()).WithCause(err)
}

func readArchiveFiles(data []byte) (map[string][]byte, error) {
	gzReader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	files := make(map[string][]byte)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("unsupported tar entry type %d for %s", header.Typeflag, header.Name)
		}
		name, err := cleanArchivePath(header.Name)
		if err != nil {
			return nil, err
		}
		content, err := io.ReadAll(tarReader)
		if err != nil {
			return nil, fmt.Errorf("reading tar entry %s: %w", name, err)
		}
		files[name] = content
	}
	return files, nil
}

func cleanArchivePath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("invalid archive path %q", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path traversal detected: %s", p)
	}
	return clean, nil
}

func decodeManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	if manifest.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported backup version: %d", manifest.Version)
	}
	return &manifest, nil
}

func validateArchiveAgainstManifest(manifest *Manifest, files map[string][]byte) error {
	for _, entry := range manifest.Files {
		content, ok := files[entry.Path]
		if !ok {
			return fmt.Errorf("manifest entry not found in archive: %s", entry.Path)
		}
		if int64(len(content)) != entry.Size {
			return fmt.Errorf("size mismatch for %s: manifest=%d archive=%d", entry.Path, entry.Size, len(content))
		}
		hash := sha256.Sum256(content)
		if hex.EncodeToString(hash[:]) != entry.SHA256 {
			return fmt.Errorf("checksum mismatch for %s", entry.Path)
		}
	}
	if _, ok := files[preferencesArchivePath]; !ok {
		return fmt.Errorf("archive is missing required entry: %s", preferencesArchivePath)
	}
	if manifest.DaemonConfigPresent {
		if _, ok := files[daemonConfigArchivePath]; !ok {
			return fmt.Errorf("archive is missing daemon config entry: %s", daemonConfigArchivePath)
		}
	}
	return nil
}

func decodePreferences(data []byte) (core.Snapshot, []string, error) {
	var encoded map[string]core.Encoded
	if err := yaml.Unmarshal(data, &encoded); err != nil {
		return core.Snapshot{}, nil, err
	}

	keys := make([]string, 0, len(encoded))
	for key := range encoded {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var warnings []string
	values := make(map[string]core.Value, len(encoded))
	for _, key := range keys {
		entry, known := core.Lookup(key)
		switch {
		case !known:
			warnings = append(warnings, fmt.Sprintf("skipped unknown preference %s", key))
			continue
		case entry.Scope != core.ScopeLocal || core.SecretKeys.Contains(key):
			warnings = append(warnings, fmt.Sprintf("skipped %s: not restorable from a backup", key))
			continue
		}
		v, err := encoded[key].Decode()
		if err == nil {
			v = core.Normalize(key, v)
			err = core.Validate(key, v)
		}
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("skipped %s: %v", key, err))
			continue
		}
		values[key] = v
	}
	return core.NewSnapshot(values), warnings, nil
}
