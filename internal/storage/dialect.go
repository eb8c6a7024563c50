package storage

import (
	"fmt"
	"strings"

	"usermetrics/internal/dbclient"
	"usermetrics/internal/etl"
)

// dialect carries the per-driver differences of the SQL warehouse.
type dialect struct {
	name        string
	numbered    bool   // $1, $2 instead of ?
	quoteChar   string // identifier quote
	textType    string
	keyType     string // short indexed strings
	bigintType  string
	intType     string
	timeType    string
	inlineIndex bool // CREATE INDEX IF NOT EXISTS is unavailable
}

var dialects = map[string]dialect{
	dbclient.DriverSQLite: {
		name: dbclient.DriverSQLite, quoteChar: `"`,
		textType: "TEXT", keyType: "TEXT", bigintType: "INTEGER", intType: "INTEGER", timeType: "TIMESTAMP",
	},
	dbclient.DriverPostgres: {
		name: dbclient.DriverPostgres, numbered: true, quoteChar: `"`,
		textType: "TEXT", keyType: "VARCHAR(64)", bigintType: "BIGINT", intType: "INTEGER", timeType: "TIMESTAMPTZ",
	},
	dbclient.DriverMySQL: {
		name: dbclient.DriverMySQL, quoteChar: "`",
		textType: "TEXT", keyType: "VARCHAR(64)", bigintType: "BIGINT", intType: "INT", timeType: "DATETIME(6)",
		inlineIndex: true,
	},
}

func (d dialect) quote(name string) string {
	return d.quoteChar + name + d.quoteChar
}

// placeholder returns the n-th (1-based) bind parameter.
func (d dialect) placeholder(n int) string {
	if d.numbered {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d dialect) placeholders(from, count int) string {
	ph := make([]string, count)
	for i := range ph {
		ph[i] = d.placeholder(from + i)
	}
	return strings.Join(ph, ", ")
}

func (d dialect) quoteAll(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = d.quote(n)
	}
	return strings.Join(q, ", ")
}

// personsColumnType maps a projected column to its SQL type.
func (d dialect) personsColumnType(col string) string {
	switch col {
	case "faker_id":
		return d.bigintType
	case "ingestion_date":
		return "VARCHAR(10)"
	case "age_group", "gender", "country_code":
		return d.keyType
	default:
		return d.textType
	}
}

// personsDDL creates the analytical table and its partition index.
func (d dialect) personsDDL(table string) []string {
	defs := make([]string, 0, len(etl.FinalColumns)+1)
	for _, col := range etl.FinalColumns {
		defs = append(defs, d.quote(col)+" "+d.personsColumnType(col))
	}
	index := "idx_" + table + "_ingestion_date"
	if d.inlineIndex {
		defs = append(defs, "INDEX "+d.quote(index)+" ("+d.quote("ingestion_date")+")")
	}
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS " + d.quote(table) + " (\n\t" + strings.Join(defs, ",\n\t") + "\n)",
	}
	if !d.inlineIndex {
		stmts = append(stmts, "CREATE INDEX IF NOT EXISTS "+d.quote(index)+" ON "+d.quote(table)+" ("+d.quote("ingestion_date")+")")
	}
	return stmts
}

func (d dialect) metadataDDL(table string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + d.quote(table) + ` (
	id VARCHAR(36) PRIMARY KEY,
	ingestion_time ` + d.timeType + ` NOT NULL,
	records_inserted ` + d.bigintType + ` NOT NULL,
	filepath ` + d.textType + ` NOT NULL,
	column_count ` + d.intType + ` NOT NULL,
	column_list ` + d.textType + ` NOT NULL,
	schema_signature VARCHAR(64) NOT NULL
)`,
	}
}

func (d dialect) runsDDL(table string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + d.quote(table) + ` (
	id VARCHAR(36) PRIMARY KEY,
	phase VARCHAR(16) NOT NULL,
	partition_key VARCHAR(10) NOT NULL,
	started_at ` + d.timeType + ` NOT NULL,
	finished_at ` + d.timeType + ` NOT NULL,
	status VARCHAR(16) NOT NULL,
	rows_read ` + d.bigintType + ` NOT NULL,
	rows_written ` + d.bigintType + ` NOT NULL,
	error ` + d.textType + ` NOT NULL
)`,
	}
}
