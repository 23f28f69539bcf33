package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/nexusquantum/nimbus/internal/db/models"
	"github.com/nexusquantum/nimbus/pkg/fs"
)

const (
	memoryImageFile = "memory-image"
	vmStateFile     = "vm-state"
	rootfsCopyFile  = "rootfs-copy"
	metadataFile    = "metadata.json"
)

// Layout maps snapshot artifact sets onto disk. Every snapshot gets its own
// directory under its image digest, holding the memory image, the device
// state, a rootfs copy and a metadata document. Once a snapshot is ready its
// directory is immutable until the row is deleted; rebuilds write a new
// directory and never touch the old one.
type Layout struct {
	root string
}

func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

// Dir is the artifact directory for one snapshot of an image. The algorithm
// prefix is flattened into the path so digests stay valid directory names.
func (l *Layout) Dir(imageDigest digest.Digest, snapshotID string) string {
	return filepath.Join(l.root, imageDigest.Algorithm().String()+"-"+imageDigest.Encoded(), snapshotID)
}

func (l *Layout) MemoryImagePath(dir string) string { return filepath.Join(dir, memoryImageFile) }
func (l *Layout) VMStatePath(dir string) string     { return filepath.Join(dir, vmStateFile) }
func (l *Layout) RootfsCopyPath(dir string) string  { return filepath.Join(dir, rootfsCopyFile) }

// Metadata is persisted next to the artifacts so a directory is
// self-describing even without the database.
type Metadata struct {
	SnapshotID        string    `json:"snapshot_id"`
	RuntimeImageID    string    `json:"runtime_image_id"`
	ImageDigest       string    `json:"image_digest"`
	HypervisorVersion string    `json:"hypervisor_version"`
	CreatedAt         time.Time `json:"created_at"`

	// DrivePath is the rootfs location baked into the captured device
	// state. The hypervisor reopens the drive at exactly this path on
	// load, so a restore must place a rootfs copy there first.
	DrivePath string `json:"drive_path"`

	Meta models.SnapshotMeta
}

func (l *Layout) WriteMetadata(dir string, md Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return fs.WriteFileAtomic(filepath.Join(dir, metadataFile), data, 0o644)
}

func (l *Layout) ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &md, nil
}

// Remove deletes an artifact directory tree.
func (l *Layout) Remove(dir string) error {
	if dir == "" || dir == "/" || !filepath.IsAbs(dir) {
		return fmt.Errorf("refusing to remove %q", dir)
	}
	return os.RemoveAll(dir)
}

// CopyRootfs clones the booted rootfs into the artifact directory.
func (l *Layout) CopyRootfs(srcPath, dir string) (string, error) {
	dst := l.RootfsCopyPath(dir)
	if err := fs.CloneFile(srcPath, dst); err != nil {
		return "", fmt.Errorf("copy rootfs: %w", err)
	}
	return dst, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
