package config

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"dbops-orchestrator/internal/domain"
)

// Inventory is the seed file loaded at startup: the managed databases,
// their maintenance windows and the job definitions to register.
type Inventory struct {
	Databases []*domain.DatabaseInstance  `yaml:"databases"`
	Windows   []*domain.MaintenanceWindow `yaml:"windows"`
	Jobs      []*domain.JobDefinition     `yaml:"jobs"`
}

// JobSaver registers a definition the same way the API does.
type JobSaver interface {
	Save(ctx context.Context, job *domain.JobDefinition) error
}

// LoadInventory reads an inventory file. Unknown keys are rejected.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return ParseInventory(data)
}

// ParseInventory decodes inventory YAML.
func ParseInventory(data []byte) (*Inventory, error) {
	var inv Inventory
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&inv); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	return &inv, nil
}

// Seed writes databases first, then windows, then jobs, so every job finds
// its database. Jobs need a fixed id so reseeding on restart updates them
// in place. It stops at the first failure.
func (inv *Inventory) Seed(ctx context.Context, writer domain.InventoryWriter, jobs JobSaver) error {
	for _, db := range inv.Databases {
		if err := writer.SaveDatabase(ctx, db); err != nil {
			return fmt.Errorf("seed database %q: %w", db.ID, err)
		}
	}
	for _, w := range inv.Windows {
		if err := writer.SaveWindow(ctx, w); err != nil {
			return fmt.Errorf("seed window %q: %w", w.ID, err)
		}
	}
	for _, job := range inv.Jobs {
		if job.ID == "" {
			return fmt.Errorf("seed job %q: id is required", job.Name)
		}
		if err := jobs.Save(ctx, job); err != nil {
			return fmt.Errorf("seed job %q: %w", job.Name, err)
		}
	}
	return nil
}
