package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
)

func init() {
	goose.AddMigrationContext(upLeaseEntries, downLeaseEntries)
}

// LeaseEntry is one client binding. Deleted is 0 while the binding is active
// and 1 once it has been released or declined; rows are never removed.
type LeaseEntry struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	MACAddr   string    `gorm:"column:mac_addr;type:text;not null;index"`
	IPAddr    string    `gorm:"column:ip_addr;type:text;not null;index"`
	Deleted   int16     `gorm:"type:smallint;not null;default:0"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (LeaseEntry) TableName() string { return "lease_entries" }

// LeaseEvent is the audit trail of binding changes.
type LeaseEvent struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	MACAddr string            `gorm:"column:mac_addr;type:text;not null;index"`
	IPAddr  string            `gorm:"column:ip_addr;type:text"`
	Action  string            `gorm:"type:text;not null"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (LeaseEvent) TableName() string { return "lease_events" }

func upLeaseEntries(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&LeaseEntry{}, &LeaseEvent{})
}

func downLeaseEntries(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&LeaseEvent{}, &LeaseEntry{})
}
