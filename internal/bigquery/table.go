package bigquery

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	projectPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{4,28}[a-z0-9]$`)
	namePattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// maxNameLen is the longest dataset, table or column name BigQuery accepts.
const maxNameLen = 1024

// TableRef identifies a BigQuery table.
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

// ParseTableRef parses "project.dataset.table" or "dataset.table". The
// short form takes defaultProject.
func ParseTableRef(raw, defaultProject string) (TableRef, error) {
	raw = strings.Trim(strings.TrimSpace(raw), "`")
	parts := strings.Split(raw, ".")

	var ref TableRef
	switch len(parts) {
	case 3:
		ref = TableRef{Project: parts[0], Dataset: parts[1], Table: parts[2]}
	case 2:
		ref = TableRef{Project: defaultProject, Dataset: parts[0], Table: parts[1]}
	default:
		return TableRef{}, fmt.Errorf("bigquery: table %q must be project.dataset.table", raw)
	}

	if ref.Project == "" {
		return TableRef{}, fmt.Errorf("bigquery: table %q has no project and none is configured", raw)
	}
	if !projectPattern.MatchString(ref.Project) {
		return TableRef{}, fmt.Errorf("bigquery: invalid project id %q", ref.Project)
	}
	if !validName(ref.Dataset) {
		return TableRef{}, fmt.Errorf("bigquery: invalid dataset %q", ref.Dataset)
	}
	if !validName(ref.Table) {
		return TableRef{}, fmt.Errorf("bigquery: invalid table %q", ref.Table)
	}
	return ref, nil
}

// String returns the fully-qualified id without quoting.
func (r TableRef) String() string {
	return r.Project + "." + r.Dataset + "." + r.Table
}

// Quoted returns the id quoted for use in standard SQL.
func (r TableRef) Quoted() string {
	return "`" + r.String() + "`"
}

// ValidColumn reports whether name is a plain column identifier.
func ValidColumn(name string) bool {
	return validName(name)
}

func validName(name string) bool {
	return len(name) <= maxNameLen && namePattern.MatchString(name)
}
