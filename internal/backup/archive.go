package backup

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// ArchiveVersion is written into every metadata.json.
const ArchiveVersion = "2.0"

// Member names inside the archive.
const (
	metadataFile = "metadata.json"
	sqlDumpFile  = "postgres.sql"
	graphFile    = "graph.json"
)

// Metadata describes one archive: where it came from, what it holds, and
// a SHA-256 per member so restores can refuse a corrupted file.
type Metadata struct {
	Version            string            `json:"version"`
	CreatedAt          time.Time         `json:"created_at"`
	OrganizationID     string            `json:"organization_id"`
	Hostname           string            `json:"hostname"`
	PgEntities         int               `json:"pg_entities"`
	GraphEntities      int               `json:"graph_entities"`
	GraphRelationships int               `json:"graph_relationships"`
	Files              map[string]string `json:"files"`
}

// writeArchive writes the tar.gz at path: data members first, then the
// metadata describing them. Returns the archive size on disk.
func writeArchive(path string, meta *Metadata, files map[string][]byte) (int64, error) {
	meta.Files = make(map[string]string, len(files))
	names := make([]string, 0, len(files))
	for name, data := range files {
		meta.Files[name] = checksum(data)
		names = append(names, name)
	}
	sort.Strings(names)

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode metadata: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create archive %s: %w", path, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, name := range names {
		if err := writeMember(tw, name, files[name], meta.CreatedAt); err != nil {
			return 0, err
		}
	}
	if err := writeMember(tw, metadataFile, metaJSON, meta.CreatedAt); err != nil {
		return 0, err
	}
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("close gzip: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat archive: %w", err)
	}
	return info.Size(), nil
}

func writeMember(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write member %s: %w", name, err)
	}
	return nil
}

// readArchive loads an archive and verifies every member against the
// metadata checksums. A member the metadata does not list is an error, as
// is a listed member that is missing or altered.
func readArchive(path string) (*Metadata, map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("read gzip %s: %w", path, err)
	}
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar %s: %w", path, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, nil, fmt.Errorf("read member %s: %w", hdr.Name, err)
		}
		files[hdr.Name] = data
	}

	rawMeta, ok := files[metadataFile]
	if !ok {
		return nil, nil, fmt.Errorf("archive %s has no %s", path, metadataFile)
	}
	delete(files, metadataFile)

	var meta Metadata
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, nil, fmt.Errorf("decode metadata: %w", err)
	}

	for name, want := range meta.Files {
		data, ok := files[name]
		if !ok {
			return nil, nil, fmt.Errorf("archive member %s is missing", name)
		}
		if got := checksum(data); got != want {
			return nil, nil, fmt.Errorf("archive member %s failed checksum", name)
		}
	}
	for name := range files {
		if _, ok := meta.Files[name]; !ok {
			return nil, nil, fmt.Errorf("archive member %s is not in the metadata", name)
		}
	}
	return &meta, files, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
