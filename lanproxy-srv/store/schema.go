package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
)

// ColumnType represents the type of a database column
type ColumnType string

const (
	ColumnTypeSerial    ColumnType = "SERIAL"    // PostgreSQL auto-increment
	ColumnTypeInteger   ColumnType = "INTEGER"   // SQLite/PostgreSQL integer
	ColumnTypeText      ColumnType = "TEXT"      // Text/VARCHAR
	ColumnTypeTimestamp ColumnType = "TIMESTAMP" // Timestamp with timezone
	ColumnTypeBytea     ColumnType = "BYTEA"     // PostgreSQL binary data
)

// ColumnDefinition defines a database column
type ColumnDefinition struct {
	Name          string
	Type          ColumnType
	NotNull       bool
	PrimaryKey    bool
	AutoIncrement bool
}

// IndexDefinition defines a database index
type IndexDefinition struct {
	Name    string
	Table   string
	Columns []string
	Unique  bool
}

// TableDefinition defines a complete database table
type TableDefinition struct {
	Name    string
	Columns []ColumnDefinition
	Indexes []IndexDefinition
}

// ExpectedTables returns the tables shared by the SQL backends
func ExpectedTables() []TableDefinition {
	return []TableDefinition{
		{
			Name: "request_logs",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeSerial, PrimaryKey: true, AutoIncrement: true},
				{Name: "date", Type: ColumnTypeTimestamp, NotNull: true},
				{Name: "client_ip", Type: ColumnTypeText, NotNull: true},
				{Name: "domain", Type: ColumnTypeText, NotNull: true},
				{Name: "resource_path", Type: ColumnTypeText},
				{Name: "method", Type: ColumnTypeText, NotNull: true},
				{Name: "status_code", Type: ColumnTypeInteger, NotNull: true},
				{Name: "customer_id", Type: ColumnTypeInteger},
			},
			Indexes: []IndexDefinition{
				{Name: "idx_request_logs_date", Table: "request_logs", Columns: []string{"date"}},
				{Name: "idx_request_logs_domain", Table: "request_logs", Columns: []string{"domain"}},
			},
		},
		{
			Name: "cached_responses",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeSerial, PrimaryKey: true, AutoIncrement: true},
				{Name: "url", Type: ColumnTypeText, NotNull: true},
				{Name: "response", Type: ColumnTypeBytea},
				{Name: "stored_at", Type: ColumnTypeTimestamp, NotNull: true},
			},
			Indexes: []IndexDefinition{
				{Name: "idx_cached_responses_url", Table: "cached_responses", Columns: []string{"url"}},
			},
		},
		{
			Name: "filtered_hosts",
			Columns: []ColumnDefinition{
				{Name: "host", Type: ColumnTypeText, PrimaryKey: true},
			},
		},
	}
}

// SchemaInitializer creates missing tables and indexes
type SchemaInitializer struct {
	db     *sql.DB
	driver string
	tables []TableDefinition
}

// NewSchemaInitializer creates a new schema initializer
func NewSchemaInitializer(db *sql.DB, driver string) *SchemaInitializer {
	return &SchemaInitializer{
		db:     db,
		driver: driver,
		tables: ExpectedTables(),
	}
}

// InitializeSchema initializes the database schema
func (si *SchemaInitializer) InitializeSchema() error {
	logger.Debug("Initializing database schema (driver: %s)", si.driver)

	for _, table := range si.tables {
		query := si.generateCreateTableSQL(table)
		logger.Trace("Creating table %s with SQL: %s", table.Name, query)
		if _, err := si.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table.Name, err)
		}
	}

	for _, table := range si.tables {
		for _, index := range table.Indexes {
			if _, err := si.db.Exec(si.generateCreateIndexSQL(index)); err != nil {
				return fmt.Errorf("failed to create index %s: %w", index.Name, err)
			}
		}
	}

	return nil
}

// generateCreateTableSQL generates CREATE TABLE SQL for the specific driver
func (si *SchemaInitializer) generateCreateTableSQL(table TableDefinition) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n", table.Name))

	columnDefs := make([]string, 0, len(table.Columns))
	for _, column := range table.Columns {
		columnDefs = append(columnDefs, "  "+si.generateColumnSQL(column))
	}

	builder.WriteString(strings.Join(columnDefs, ",\n"))
	builder.WriteString("\n)")

	return builder.String()
}

// generateColumnSQL generates column definition SQL
func (si *SchemaInitializer) generateColumnSQL(column ColumnDefinition) string {
	parts := []string{column.Name, string(si.convertColumnType(column.Type))}

	if column.PrimaryKey {
		if si.driver == "sqlite3" && column.AutoIncrement {
			parts = append(parts, "PRIMARY KEY AUTOINCREMENT")
		} else {
			parts = append(parts, "PRIMARY KEY")
		}
	}

	if column.NotNull && !column.PrimaryKey {
		parts = append(parts, "NOT NULL")
	}

	return strings.Join(parts, " ")
}

// convertColumnType converts our ColumnType to database-specific types
func (si *SchemaInitializer) convertColumnType(colType ColumnType) ColumnType {
	if si.driver != "sqlite3" {
		return colType
	}
	switch colType {
	case ColumnTypeSerial:
		return ColumnTypeInteger
	case ColumnTypeTimestamp:
		return "DATETIME"
	case ColumnTypeBytea:
		return "BLOB"
	}
	return colType
}

// generateCreateIndexSQL generates CREATE INDEX SQL
func (si *SchemaInitializer) generateCreateIndexSQL(index IndexDefinition) string {
	unique := ""
	if index.Unique {
		unique = "UNIQUE "
	}

	columns := strings.Join(index.Columns, ", ")
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s(%s)",
		unique, index.Name, index.Table, columns)
}
