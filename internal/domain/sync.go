package domain

import "time"

// ChangedType tells receivers what kind of mutation an envelope carries.
type ChangedType string

// Changed types published on the sync channel.
const (
	ChangedMasterConfig      ChangedType = "MASTER_CONFIG"
	ChangedConfig            ChangedType = "CONFIG"
	ChangedMasterImport      ChangedType = "MASTER_IMPORT"
	ChangedTransactionImport ChangedType = "TRANSACTION_IMPORT"
	ChangedProcLink          ChangedType = "PROC_LINK"
	ChangedScanMaster        ChangedType = "SCAN_MASTER"
	ChangedScanDataType      ChangedType = "SCAN_DATA_TYPE"
	ChangedCategoryDrift     ChangedType = "CATEGORY_DRIFT"
	ChangedJobCancel         ChangedType = "JOB_CANCEL"
)

// CrudType describes the row-level operation behind a change.
type CrudType string

// CRUD types.
const (
	CrudInsert CrudType = "INSERT"
	CrudUpdate CrudType = "UPDATE"
	CrudDelete CrudType = "DELETE"
)

// TransactionWatermark is the last cycle replicated or imported for a process.
type TransactionWatermark struct {
	ProcessID         int64
	LastSyncedCycleID int64
	UpdatedAt         time.Time
}

// Cycle is one transaction record of a process.
type Cycle struct {
	ProcessID int64
	CycleID   int64
	Serial    string
	Time      time.Time
	Values    map[string]any
}

// CycleRejectColumns labels the layout of rejected cycles:
// process id, serial, time and the raw values.
var CycleRejectColumns = []string{"process_id", "serial", "time", "values"}
