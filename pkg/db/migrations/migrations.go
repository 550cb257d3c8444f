// Package migrations registers the goose migrations for the lease database.
// Each migration describes its tables as gorm models and applies them with
// AutoMigrate inside the goose transaction.
package migrations

import (
	"database/sql"
	"embed"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// FS holds the migration sources so goose can match registered versions
// without a migrations directory on disk.
//
//go:embed *.go
var FS embed.FS

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}
