package models

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// BootMethod records which boot path produced a running container.
type BootMethod string

const (
	BootWarm BootMethod = "warm"
	BootCold BootMethod = "cold"
)

type Container struct {
	ID         string
	Name       string
	ImageRef   string
	VMID       string
	BootMethod BootMethod
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type ContainerStore struct {
	db *sql.DB
}

func NewContainerStore(database *sql.DB) *ContainerStore {
	return &ContainerStore{db: database}
}

func (s *ContainerStore) Insert(ctx context.Context, c *Container) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO containers (id, name, image_ref, vm_id, boot_method, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, c.ImageRef, c.VMID, string(c.BootMethod), now, now)
	if err != nil {
		return err
	}

	c.CreatedAt = time.Unix(now, 0)
	c.UpdatedAt = c.CreatedAt
	return nil
}

func (s *ContainerStore) Get(ctx context.Context, id string) (*Container, error) {
	var (
		c         Container
		method    string
		createdAt int64
		updatedAt int64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, image_ref, vm_id, boot_method, created_at, updated_at
		FROM containers WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &c.ImageRef, &c.VMID, &method, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.BootMethod = BootMethod(method)
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

func (s *ContainerStore) List(ctx context.Context) ([]*Container, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, image_ref, vm_id, boot_method, created_at, updated_at
		FROM containers ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var containers []*Container
	for rows.Next() {
		var (
			c         Container
			method    string
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.ImageRef, &c.VMID, &method, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		c.BootMethod = BootMethod(method)
		c.CreatedAt = time.Unix(createdAt, 0)
		c.UpdatedAt = time.Unix(updatedAt, 0)
		containers = append(containers, &c)
	}
	return containers, rows.Err()
}
