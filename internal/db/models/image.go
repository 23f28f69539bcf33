package models

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// RuntimeImage is a registered disk image containing the container engine
// and its dependencies. Snapshots are only valid for the exact image version
// they were built from, so the digest is part of the record.
type RuntimeImage struct {
	ID         string
	Name       string
	KernelPath string
	RootfsPath string
	Digest     string
	CreatedAt  time.Time
}

type ImageStore struct {
	db *sql.DB
}

func NewImageStore(database *sql.DB) *ImageStore {
	return &ImageStore{db: database}
}

func (s *ImageStore) Insert(ctx context.Context, img *RuntimeImage) error {
	query := `
		INSERT INTO runtime_images (id, name, kernel_path, rootfs_path, digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, query,
		img.ID, img.Name, img.KernelPath, img.RootfsPath, img.Digest, now)
	if err != nil {
		return err
	}

	img.CreatedAt = time.Unix(now, 0)
	return nil
}

func (s *ImageStore) Get(ctx context.Context, id string) (*RuntimeImage, error) {
	query := `SELECT id, name, kernel_path, rootfs_path, digest, created_at FROM runtime_images WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	var createdAt int64
	img := &RuntimeImage{}
	err := row.Scan(&img.ID, &img.Name, &img.KernelPath, &img.RootfsPath, &img.Digest, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	img.CreatedAt = time.Unix(createdAt, 0)
	return img, nil
}

func (s *ImageStore) List(ctx context.Context) ([]*RuntimeImage, error) {
	query := `SELECT id, name, kernel_path, rootfs_path, digest, created_at FROM runtime_images ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []*RuntimeImage
	for rows.Next() {
		var createdAt int64
		img := &RuntimeImage{}
		if err := rows.Scan(&img.ID, &img.Name, &img.KernelPath, &img.RootfsPath, &img.Digest, &createdAt); err != nil {
			return nil, err
		}
		img.CreatedAt = time.Unix(createdAt, 0)
		images = append(images, img)
	}

	return images, rows.Err()
}
