package domain

// Relation names one of the persisted master-data projections.
type Relation string

// Master relations. RelationRelationship is the index join table.
const (
	RelationFactoryMachine Relation = "factory_machine"
	RelationPart           Relation = "part"
	RelationProcessData    Relation = "process_data"
	RelationRelationship   Relation = "relationship"
)

// FactoryMachineGroups lists the semantic groups of the location hierarchy.
var FactoryMachineGroups = []SemanticGroup{
	GroupFactoryID, GroupFactoryName, GroupPlantID, GroupPlantName,
	GroupDeptID, GroupDeptName, GroupLineID, GroupLineName, GroupLineNo,
	GroupEquipID, GroupEquipName, GroupEquipNo, GroupStationNo,
}

// PartGroups lists the semantic groups of the product hierarchy.
var PartGroups = []SemanticGroup{GroupPartType, GroupPartNo, GroupPartName}

// ProcessDataGroups lists the semantic groups of the process/data-item hierarchy.
var ProcessDataGroups = []SemanticGroup{
	GroupProcessID, GroupProcessName, GroupDataID, GroupDataName, GroupUnit,
}

// NonMasterGroups are dropped before master projection.
var NonMasterGroups = []SemanticGroup{
	GroupDataValue, GroupDataSerial, GroupDataTime, GroupAutoIncremental,
	GroupHorizontalData, GroupGeneric,
}

// MasterRow is one deduplicated master tuple with its surrogate index.
// Values align with the owning relation's Columns.
type MasterRow struct {
	Index  int64
	Values []string
}

// MasterRelation is one projection of the master triad.
type MasterRelation struct {
	Name    Relation
	Columns []SemanticGroup
	Rows    []MasterRow
}

// MaxIndex returns the largest index in use, or 0.
func (r *MasterRelation) MaxIndex() int64 {
	var m int64
	for _, row := range r.Rows {
		if row.Index > m {
			m = row.Index
		}
	}
	return m
}

// RelationshipRow links one combination of master indices.
type RelationshipRow struct {
	FactoryMachine int64
	Part           int64
	ProcessData    int64
}

// MasterTriad is the full master-data state of one data table.
type MasterTriad struct {
	FactoryMachine *MasterRelation
	Part           *MasterRelation
	ProcessData    *MasterRelation
	Relationship   []RelationshipRow
}

// Relations returns the three master relations in a fixed order.
func (t *MasterTriad) Relations() []*MasterRelation {
	return []*MasterRelation{t.FactoryMachine, t.Part, t.ProcessData}
}

// GroupsFor returns the membership list of a master relation.
func GroupsFor(rel Relation) []SemanticGroup {
	switch rel {
	case RelationFactoryMachine:
		return FactoryMachineGroups
	case RelationPart:
		return PartGroups
	case RelationProcessData:
		return ProcessDataGroups
	}
	return nil
}

// CategoryValue is one distinct value of a CATEGORY column.
type CategoryValue struct {
	DataTableID int64
	Column      string
	Value       string
}
