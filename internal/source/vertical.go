package source

import (
	"log/slog"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// newVerticalAdapter reads a long-format table: one row per measured item
// with DATA_NAME and DATA_VALUE columns.
func newVerticalAdapter(dt *domain.DataTable, deps Deps, logger *slog.Logger) (*relationalAdapter, error) {
	if _, ok := dt.ColumnByGroup(domain.GroupDataName); !ok {
		return nil, domain.ErrValidation("vertical data table %q needs a DATA_NAME column", dt.Name)
	}
	if _, ok := dt.ColumnByGroup(domain.GroupDataValue); !ok {
		return nil, domain.ErrValidation("vertical data table %q needs a DATA_VALUE column", dt.Name)
	}
	a, err := newRelationalAdapter(dt, deps, logger)
	if err != nil {
		return nil, err
	}
	a.kind = domain.SourceVertical
	return a, nil
}

// Software Workshop exports quality measurements through a fixed view.
const softwareWorkshopView = "sw_quality_measurements"

// SoftwareWorkshopColumns is the column mapping of the measurement view,
// applied when the data table does not configure its own.
var SoftwareWorkshopColumns = []domain.LogicalColumn{
	{Name: "factory_name", Group: domain.GroupFactoryName},
	{Name: "line_id", Group: domain.GroupLineID},
	{Name: "line_name", Group: domain.GroupLineName},
	{Name: "equip_id", Group: domain.GroupEquipID},
	{Name: "equip_name", Group: domain.GroupEquipName},
	{Name: "part_no", Group: domain.GroupPartNo},
	{Name: "process_id", Group: domain.GroupProcessID},
	{Name: "process_name", Group: domain.GroupProcessName},
	{Name: "quality_id", Group: domain.GroupDataID},
	{Name: "quality_name", Group: domain.GroupDataName},
	{Name: "unit", Group: domain.GroupUnit},
	{Name: "child_equip_serial", Group: domain.GroupDataSerial},
	{Name: "measured_at", Group: domain.GroupDataTime},
	{Name: "measured_value", Group: domain.GroupDataValue},
}

// Effective returns dt with the defaults of its source kind applied. For
// Software Workshop tables without their own mapping that is the fixed view
// and column set; other tables are returned as is.
func Effective(dt *domain.DataTable) *domain.DataTable {
	if dt.Kind != domain.SourceSoftwareWorkshop {
		return dt
	}
	cp := *dt
	if cp.Driver == "" {
		cp.Driver = "pgx"
	}
	if cp.Table == "" {
		cp.Table = softwareWorkshopView
	}
	if len(cp.Columns) == 0 {
		cp.Columns = make([]domain.LogicalColumn, len(SoftwareWorkshopColumns))
		for i, c := range SoftwareWorkshopColumns {
			c.DataTableID = dt.ID
			c.Order = i
			cp.Columns[i] = c
		}
	}
	return &cp
}

func newSoftwareWorkshopAdapter(dt *domain.DataTable, deps Deps, logger *slog.Logger) (*relationalAdapter, error) {
	a, err := newVerticalAdapter(Effective(dt), deps, logger)
	if err != nil {
		return nil, err
	}
	a.kind = domain.SourceSoftwareWorkshop
	return a, nil
}
