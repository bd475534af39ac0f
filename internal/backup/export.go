package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/fsutil"
)

// Export writes an archive with the local preferences and, when given, the
// daemon configuration. Secret preferences are left out.
func Export(opts *ExportOptions) (*ExportResult, error) {
	if opts == nil {
		return nil, core.ErrValidation(core.CodeInvalidValue, "options are required")
	}
	if strings.TrimSpace(opts.OutputPath) == "" {
		return nil, core.ErrValidation(core.CodeInvalidValue, "output path is required")
	}

	prefs := opts.Preferences.Filter(func(key string) bool {
		return !core.SecretKeys.Contains(key)
	})

	manifest := &Manifest{
		Version:         FormatVersion,
		CreatedAt:       time.Now().UTC(),
		AppVersion:      opts.AppVersion,
		PreferenceCount: prefs.Len(),
		Files:           make([]FileEntry, 0, 2),
	}

	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzWriter)

	prefData, err := encodePreferences(prefs)
	if err != nil {
		return nil, fmt.Errorf("encoding preferences: %w", err)
	}
	if err := addBytesToArchive(tarWriter, manifest, preferencesArchivePath, prefData); err != nil {
		return nil, err
	}

	if opts.DaemonConfig != nil {
		cfgData, err := json.MarshalIndent(opts.DaemonConfig, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding daemon config: %w", err)
		}
		if err := addBytesToArchive(tarWriter, manifest, daemonConfigArchivePath, cfgData); err != nil {
			return nil, err
		}
		manifest.DaemonConfigPresent = true
		if len(opts.DaemonConfig.Devices) > 0 {
			manifest.DeviceID = opts.DaemonConfig.Devices[0].DeviceID
		}
	}

	manifestData, err := encodeManifest(manifest)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := writeTarEntry(tarWriter, manifestArchivePath, manifestData); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}
	if err := tarWriter.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip stream: %w", err)
	}

	data := buf.Bytes()
	sealed := opts.Password != ""
	if sealed {
		if data, err = Seal(data, opts.Password); err != nil {
			return nil, err
		}
	}

	if err := fsutil.WriteFileAtomic(opts.OutputPath, data, 0o600); err != nil {
		return nil, core.ErrStorage(core.CodeWriteFailed, "writing backup").WithCause(err)
	}
	return &ExportResult{OutputPath: opts.OutputPath, Sealed: sealed, Manifest: manifest}, nil
}

func encodePreferences(prefs core.Snapshot) ([]byte, error) {
	encoded := make(map[string]core.Encoded, prefs.Len())
	for key, v := range prefs.Map() {
		encoded[key] = v.Encode()
	}
	return yaml.Marshal(encoded)
}

func encodeManifest(manifest *Manifest) ([]byte, error) {
	sort.Slice(manifest.Files, func(i, j int) bool {
		return manifest.Files[i].Path < manifest.Files[j].Path
	})
	return yaml.Marshal(manifest)
}

func addBytesToArchive(tw *tar.Writer, manifest *Manifest, name string, data []byte) error {
	if err := writeTarEntry(tw, name, data); err != nil {
		return fmt.Errorf("writing archive entry %s: %w", name, err)
	}
	hash := sha256.Sum256(data)
	manifest.Files = append(manifest.Files, FileEntry{
		Path:   name,
		SHA256: hex.EncodeToString(hash[:]),
		Size:   int64(len(data)),
	})
	return nil
}

func writeTarEntry(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:     path.Clean(name),
		Mode:     0o600,
		Size:     int64(len(data)),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
