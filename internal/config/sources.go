package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// DataSourceFile is the YAML seed listing data tables to register at startup.
type DataSourceFile struct {
	DataTables []DataTableSpec `yaml:"data_tables"`
}

// DataTableSpec is one data table entry of the seed file.
type DataTableSpec struct {
	Name       string       `yaml:"name"`
	Kind       string       `yaml:"kind"`
	Driver     string       `yaml:"driver,omitempty"`
	DSN        string       `yaml:"dsn,omitempty"`
	Directory  string       `yaml:"directory,omitempty"`
	Table      string       `yaml:"table,omitempty"`
	Partition  string       `yaml:"partition,omitempty"`
	Timezone   string       `yaml:"timezone,omitempty"`
	RowLimit   int          `yaml:"row_limit,omitempty"`
	RemoteOnly bool         `yaml:"remote_only,omitempty"`
	Columns    []ColumnSpec `yaml:"columns"`
}

// ColumnSpec maps a source column to a semantic group.
type ColumnSpec struct {
	Name     string `yaml:"name"`
	Group    string `yaml:"group"`
	DataType string `yaml:"data_type,omitempty"`
}

// LoadDataSources parses the YAML seed file at path. A missing file yields
// an empty result.
func LoadDataSources(path string) ([]domain.DataTable, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseDataSources(raw)
}

// ParseDataSources converts the YAML document into validated data tables.
func ParseDataSources(raw []byte) ([]domain.DataTable, error) {
	var file DataSourceFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse data sources: %w", err)
	}

	out := make([]domain.DataTable, 0, len(file.DataTables))
	for i, spec := range file.DataTables {
		dt := domain.DataTable{
			Name:       spec.Name,
			Kind:       domain.SourceKind(strings.ToLower(spec.Kind)),
			Driver:     spec.Driver,
			DSN:        spec.DSN,
			Directory:  spec.Directory,
			Table:      spec.Table,
			Partition:  spec.Partition,
			Timezone:   spec.Timezone,
			RowLimit:   spec.RowLimit,
			RemoteOnly: spec.RemoteOnly,
		}
		for j, c := range spec.Columns {
			col := domain.LogicalColumn{
				Name:  c.Name,
				Group: domain.SemanticGroup(strings.ToUpper(c.Group)),
				Order: j,
			}
			if c.DataType != "" {
				col.DataType = domain.RawType(strings.ToUpper(c.DataType))
				if !col.DataType.Valid() {
					return nil, fmt.Errorf("data_tables[%d].columns[%d]: unknown data type %q", i, j, c.DataType)
				}
				col.DataTypeSource = domain.TypeSourceUser
			}
			if col.Group == "" {
				col.Group = domain.GroupGeneric
			}
			dt.Columns = append(dt.Columns, col)
		}
		if err := dt.Validate(); err != nil {
			return nil, fmt.Errorf("data_tables[%d]: %w", i, err)
		}
		out = append(out, dt)
	}
	return out, nil
}
