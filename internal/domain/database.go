package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDatabaseNotFound is returned when a database instance is not known to the inventory.
var ErrDatabaseNotFound = errors.New("database instance not found")

// EngineKind identifies the database engine behind an instance.
type EngineKind string

const (
	EngineOracle    EngineKind = "oracle"
	EngineSQLServer EngineKind = "sqlserver"
)

// Environment is the deployment tier of an instance.
type Environment string

const (
	EnvironmentDevelopment Environment = "development"
	EnvironmentStaging     Environment = "staging"
	EnvironmentProduction  Environment = "production"
)

// HAMode is the high-availability topology of an instance.
type HAMode string

const (
	HAStandalone      HAMode = "standalone"
	HARAC             HAMode = "rac"
	HADataGuard       HAMode = "data_guard"
	HAAlwaysOn        HAMode = "always_on"
	HAFailoverCluster HAMode = "failover_cluster"
)

// DatabaseInstance is a client database managed by the orchestrator.
// It is owned by the CRUD layer and treated as read-only here.
type DatabaseInstance struct {
	ID                  string      `json:"id" yaml:"id"`
	ClientID            string      `json:"client_id" yaml:"client_id"`
	Name                string      `json:"name" yaml:"name"`
	Engine              EngineKind  `json:"engine" yaml:"engine"`
	Version             string      `json:"version,omitempty" yaml:"version"`
	Host                string      `json:"host" yaml:"host"`
	Port                int         `json:"port" yaml:"port"`
	ServiceName         string      `json:"service_name,omitempty" yaml:"service_name"` // Oracle service name or SQL Server database name
	Environment         Environment `json:"environment" yaml:"environment"`
	HAMode              HAMode      `json:"ha_mode,omitempty" yaml:"ha_mode"`
	BackupRetentionDays int         `json:"backup_retention_days,omitempty" yaml:"backup_retention_days"`
	Active              bool        `json:"active" yaml:"active"`
}

// Validate checks if the database instance is usable by the orchestrator.
func (d *DatabaseInstance) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("database id cannot be empty")
	}
	switch d.Engine {
	case EngineOracle, EngineSQLServer:
	default:
		return fmt.Errorf("invalid engine kind: %s", d.Engine)
	}
	if d.HAMode == "" {
		d.HAMode = HAStandalone
	}
	return nil
}

// Retention returns the default backup retention configured on the instance.
func (d *DatabaseInstance) Retention() time.Duration {
	return time.Duration(d.BackupRetentionDays) * 24 * time.Hour
}

// Inventory gives read-only access to database instances and their maintenance windows.
type Inventory interface {
	GetDatabase(ctx context.Context, id string) (*DatabaseInstance, error)
	ListDatabases(ctx context.Context) ([]*DatabaseInstance, error)
	ListWindows(ctx context.Context, databaseID string) ([]*MaintenanceWindow, error)
}

// InventoryWriter seeds the inventory. It sits outside the orchestrator
// core, which only reads the inventory.
type InventoryWriter interface {
	SaveDatabase(ctx context.Context, db *DatabaseInstance) error
	SaveWindow(ctx context.Context, w *MaintenanceWindow) error
}
