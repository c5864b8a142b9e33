package generic

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Manifest captures metadata for one archived backup.
type Manifest struct {
	Service   string    `json:"service"`
	Kind      string    `json:"kind"`
	Sources   []string  `json:"sources"`
	CreatedAt time.Time `json:"createdAt"`
}

// archiveSources writes a tar.gz of the given source directories/files to
// dst. Paths inside the archive are rooted at each source's base name.
func archiveSources(dst string, sources []string) (int64, error) {
	f, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	fail := func(err error) (int64, error) {
		tw.Close()
		gz.Close()
		f.Close()
		os.Remove(dst)
		return 0, err
	}

	for _, src := range sources {
		src = filepath.Clean(src)
		base := filepath.Base(src)
		err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(src, path)
			if err != nil {
				return err
			}
			name := base
			if rel != "." {
				name = filepath.Join(base, rel)
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(name)
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			_, err = io.Copy(tw, in)
			return err
		})
		if err != nil {
			return fail(fmt.Errorf("archive %s: %w", src, err))
		}
	}

	if err := tw.Close(); err != nil {
		return fail(err)
	}
	if err := gz.Close(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dst)
		return 0, err
	}
	info, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// trialExtract opens the archive and reads the first header, catching
// truncated or corrupt files cheaply.
func trialExtract(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	if _, err := tr.Next(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeChecksum(artifactPath string) error {
	sum, err := sha256File(artifactPath)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(artifactPath))
	return os.WriteFile(artifactPath+".sha256", []byte(line), 0o644)
}

// readChecksum returns the recorded sha256 for an artifact.
func readChecksum(artifactPath string) (string, error) {
	raw, err := os.ReadFile(artifactPath + ".sha256")
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 1 {
		return "", fmt.Errorf("malformed checksum file for %s", artifactPath)
	}
	return fields[0], nil
}

func writeManifest(artifactPath string, mf Manifest) error {
	f, err := os.Create(artifactPath + ".manifest.json")
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(mf)
}
