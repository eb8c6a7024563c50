package storage

import (
	"fmt"
	"path/filepath"
	"time"
)

// SnapshotFile is the file name of every partition snapshot.
const SnapshotFile = "persons.parquet"

// DateLayout is the layout of run dates and ingestion_date values.
const DateLayout = "2006-01-02"

// Partition is the calendar date a run writes to.
type Partition struct {
	Year  int
	Month int
	Day   int
}

// ParsePartition parses a YYYY-MM-DD run date.
func ParsePartition(runDate string) (Partition, error) {
	t, err := time.Parse(DateLayout, runDate)
	if err != nil {
		return Partition{}, Error.New("invalid run date %q: %v", runDate, err)
	}
	return Partition{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}, nil
}

// Key returns the ingestion_date value of the partition.
func (p Partition) Key() string {
	return fmt.Sprintf("%04d-%02d-%02d", p.Year, p.Month, p.Day)
}

// Dir returns base/YYYY/MM/DD.
func (p Partition) Dir(base string) string {
	return filepath.Join(base,
		fmt.Sprintf("%04d", p.Year),
		fmt.Sprintf("%02d", p.Month),
		fmt.Sprintf("%02d", p.Day))
}

// SnapshotPath returns base/YYYY/MM/DD/persons.parquet for runDate.
func SnapshotPath(base, runDate string) (string, error) {
	p, err := ParsePartition(runDate)
	if err != nil {
		return "", err
	}
	return filepath.Join(p.Dir(base), SnapshotFile), nil
}

// PartitionFromPath recovers the run date from a snapshot path under base.
// ok is false for any path that is not a snapshot file.
func PartitionFromPath(base, path string) (runDate string, ok bool) {
	rel, err := filepath.Rel(base, path)
	if err != nil || filepath.Base(rel) != SnapshotFile {
		return "", false
	}
	var y, m, d int
	dir := filepath.ToSlash(filepath.Dir(rel))
	if n, err := fmt.Sscanf(dir, "%04d/%02d/%02d", &y, &m, &d); err != nil || n != 3 {
		return "", false
	}
	key := Partition{Year: y, Month: m, Day: d}.Key()
	if _, err := ParsePartition(key); err != nil {
		return "", false
	}
	if filepath.ToSlash(filepath.Join(fmt.Sprintf("%04d", y), fmt.Sprintf("%02d", m), fmt.Sprintf("%02d", d))) != dir {
		return "", false
	}
	return key, true
}
