package domain

import (
	"strings"
	"time"
)

// SourceKind identifies which adapter reads a data table.
type SourceKind string

// Supported source kinds.
const (
	SourceCSV              SourceKind = "csv"
	SourceV2               SourceKind = "v2"
	SourceEFA              SourceKind = "efa"
	SourceRelational       SourceKind = "relational"
	SourceSoftwareWorkshop SourceKind = "software_workshop"
	SourceVertical         SourceKind = "vertical"
)

// IsFileDrop reports whether the kind reads files from a drop directory.
func (k SourceKind) IsFileDrop() bool {
	return k == SourceCSV || k == SourceV2 || k == SourceEFA
}

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceCSV, SourceV2, SourceEFA, SourceRelational, SourceSoftwareWorkshop, SourceVertical:
		return true
	}
	return false
}

// SemanticGroup is the canonical meaning of a column independent of its
// source-specific name.
type SemanticGroup string

// Semantic groups.
const (
	GroupFactoryID   SemanticGroup = "FACTORY_ID"
	GroupFactoryName SemanticGroup = "FACTORY_NAME"
	GroupPlantID     SemanticGroup = "PLANT_ID"
	GroupPlantName   SemanticGroup = "PLANT_NAME"
	GroupDeptID      SemanticGroup = "DEPT_ID"
	GroupDeptName    SemanticGroup = "DEPT_NAME"
	GroupLineID      SemanticGroup = "LINE_ID"
	GroupLineName    SemanticGroup = "LINE_NAME"
	GroupLineNo      SemanticGroup = "LINE_NO"
	GroupEquipID     SemanticGroup = "EQUIP_ID"
	GroupEquipName   SemanticGroup = "EQUIP_NAME"
	GroupEquipNo     SemanticGroup = "EQUIP_NO"
	GroupStationNo   SemanticGroup = "STATION_NO"
	GroupPartType    SemanticGroup = "PART_TYPE"
	GroupPartNo      SemanticGroup = "PART_NO"
	GroupPartName    SemanticGroup = "PART_NAME"
	GroupProcessID   SemanticGroup = "PROCESS_ID"
	GroupProcessName SemanticGroup = "PROCESS_NAME"
	GroupDataID      SemanticGroup = "DATA_ID"
	GroupDataName    SemanticGroup = "DATA_NAME"
	GroupUnit        SemanticGroup = "UNIT"

	GroupDataValue       SemanticGroup = "DATA_VALUE"
	GroupDataSerial      SemanticGroup = "DATA_SERIAL"
	GroupDataTime        SemanticGroup = "DATA_TIME"
	GroupAutoIncremental SemanticGroup = "AUTO_INCREMENTAL"
	GroupHorizontalData  SemanticGroup = "HORIZONTAL_DATA"
	GroupGeneric         SemanticGroup = "GENERIC"
)

// RawType is the canonical data type inferred for a column.
type RawType string

// Raw types, in classification priority order for numerics.
const (
	TypeUnknown  RawType = ""
	TypeBoolean  RawType = "BOOLEAN"
	TypeSmallInt RawType = "SMALL_INT"
	TypeInteger  RawType = "INTEGER"
	TypeBigInt   RawType = "BIG_INT"
	TypeReal     RawType = "REAL"
	TypeDatetime RawType = "DATETIME"
	TypeDate     RawType = "DATE"
	TypeTime     RawType = "TIME"
	TypeCategory RawType = "CATEGORY"
	TypeText     RawType = "TEXT"
)

// Valid reports whether t is a known, assigned raw type.
func (t RawType) Valid() bool {
	switch t {
	case TypeBoolean, TypeSmallInt, TypeInteger, TypeBigInt, TypeReal,
		TypeDatetime, TypeDate, TypeTime, TypeCategory, TypeText:
		return true
	}
	return false
}

// Who assigned a column's data type.
const (
	TypeSourceAuto = "auto"
	TypeSourceUser = "user"
)

// LogicalColumn maps one source column onto a semantic group.
type LogicalColumn struct {
	ID             int64
	DataTableID    int64
	Name           string
	Group          SemanticGroup
	DataType       RawType
	DataTypeSource string
	Order          int
}

// DataTable is one configured external data source feed.
type DataTable struct {
	ID         int64
	Name       string
	Kind       SourceKind
	Driver     string // database/sql driver name for relational kinds
	DSN        string
	Directory  string // drop directory for file kinds
	Table      string // table name or partition prefix
	Partition  string // partition suffix layout, e.g. "200601" for monthly tables
	Timezone   string
	RowLimit   int
	Approved   bool
	Columns    []LogicalColumn
	RemoteOnly bool // edge has no direct access; work is forwarded to the bridge
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Location returns the configured time zone, falling back to UTC.
func (d *DataTable) Location() *time.Location {
	if d.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ColumnByGroup returns the first column mapped to g.
func (d *DataTable) ColumnByGroup(g SemanticGroup) (LogicalColumn, bool) {
	for _, c := range d.Columns {
		if c.Group == g {
			return c, true
		}
	}
	return LogicalColumn{}, false
}

// ColumnsByGroup returns every column mapped to g, in configured order.
func (d *DataTable) ColumnsByGroup(g SemanticGroup) []LogicalColumn {
	var out []LogicalColumn
	for _, c := range d.Columns {
		if c.Group == g {
			out = append(out, c)
		}
	}
	return out
}

// Column looks a column up by source name (case-insensitive).
func (d *DataTable) Column(name string) (LogicalColumn, bool) {
	for _, c := range d.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return LogicalColumn{}, false
}

// Horizontal reports whether the table stores one column per measured item.
func (d *DataTable) Horizontal() bool {
	for _, c := range d.Columns {
		if c.Group == GroupHorizontalData {
			return true
		}
	}
	return false
}

// TimeColumn returns the DATA_TIME column name, or "".
func (d *DataTable) TimeColumn() string {
	if c, ok := d.ColumnByGroup(GroupDataTime); ok {
		return c.Name
	}
	return ""
}

// SerialColumn returns the DATA_SERIAL column name, or "".
func (d *DataTable) SerialColumn() string {
	if c, ok := d.ColumnByGroup(GroupDataSerial); ok {
		return c.Name
	}
	return ""
}

// ProcessGroup returns the group that names a row's process: PROCESS_NAME
// when configured, else PROCESS_ID. ok is false when neither is mapped and
// every row belongs to one process named after the data table.
func (d *DataTable) ProcessGroup() (g SemanticGroup, column string, ok bool) {
	for _, g := range []SemanticGroup{GroupProcessName, GroupProcessID} {
		if c, found := d.ColumnByGroup(g); found {
			return g, c.Name, true
		}
	}
	return "", "", false
}

// Validate checks that the data table definition is usable.
func (d *DataTable) Validate() error {
	if d.Name == "" {
		return ErrValidation("name is required")
	}
	if !d.Kind.Valid() {
		return ErrValidation("unknown source kind %q", d.Kind)
	}
	if d.Kind.IsFileDrop() && d.Directory == "" {
		return ErrValidation("directory is required for %s sources", d.Kind)
	}
	if !d.Kind.IsFileDrop() && d.DSN == "" {
		return ErrValidation("dsn is required for %s sources", d.Kind)
	}
	if (d.Kind == SourceRelational || d.Kind == SourceVertical) && d.Driver == "" {
		return ErrValidation("driver is required for %s sources", d.Kind)
	}
	if d.RowLimit < 0 {
		return ErrValidation("row_limit must be non-negative")
	}
	seen := make(map[string]bool, len(d.Columns))
	for _, c := range d.Columns {
		key := strings.ToLower(c.Name)
		if seen[key] {
			return ErrValidation("duplicate column %q", c.Name)
		}
		seen[key] = true
	}
	return nil
}

// Process is a configured manufacturing process fed by a data table.
type Process struct {
	ID          int64
	DataTableID int64
	Name        string
	CreatedAt   time.Time
}
