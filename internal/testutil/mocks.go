// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase.
package testutil

import (
	"context"
	"time"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// === Data Table Repository Mock ===

// MockDataTableRepo implements domain.DataTableRepository for testing.
type MockDataTableRepo struct {
	CreateFn        func(ctx context.Context, dt *domain.DataTable) (*domain.DataTable, error)
	GetByIDFn       func(ctx context.Context, id int64) (*domain.DataTable, error)
	GetByNameFn     func(ctx context.Context, name string) (*domain.DataTable, error)
	ListFn          func(ctx context.Context) ([]domain.DataTable, error)
	SetApprovedFn   func(ctx context.Context, id int64, approved bool) error
	SetColumnTypeFn func(ctx context.Context, columnID int64, t domain.RawType, source string) error
}

// Create implements the interface method for testing.
func (m *MockDataTableRepo) Create(ctx context.Context, dt *domain.DataTable) (*domain.DataTable, error) {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, dt)
	}
	panic("unexpected call to MockDataTableRepo.Create")
}

// GetByID implements the interface method for testing.
func (m *MockDataTableRepo) GetByID(ctx context.Context, id int64) (*domain.DataTable, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	panic("unexpected call to MockDataTableRepo.GetByID")
}

// GetByName implements the interface method for testing.
func (m *MockDataTableRepo) GetByName(ctx context.Context, name string) (*domain.DataTable, error) {
	if m.GetByNameFn != nil {
		return m.GetByNameFn(ctx, name)
	}
	panic("unexpected call to MockDataTableRepo.GetByName")
}

// List implements the interface method for testing.
func (m *MockDataTableRepo) List(ctx context.Context) ([]domain.DataTable, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx)
	}
	panic("unexpected call to MockDataTableRepo.List")
}

// SetApproved implements the interface method for testing.
func (m *MockDataTableRepo) SetApproved(ctx context.Context, id int64, approved bool) error {
	if m.SetApprovedFn != nil {
		return m.SetApprovedFn(ctx, id, approved)
	}
	panic("unexpected call to MockDataTableRepo.SetApproved")
}

// SetColumnType implements the interface method for testing.
func (m *MockDataTableRepo) SetColumnType(ctx context.Context, columnID int64, t domain.RawType, source string) error {
	if m.SetColumnTypeFn != nil {
		return m.SetColumnTypeFn(ctx, columnID, t, source)
	}
	panic("unexpected call to MockDataTableRepo.SetColumnType")
}

var _ domain.DataTableRepository = (*MockDataTableRepo)(nil)

// === Process Repository Mock ===

// MockProcessRepo implements domain.ProcessRepository for testing.
type MockProcessRepo struct {
	UpsertFn          func(ctx context.Context, dataTableID int64, name string) (*domain.Process, error)
	GetByIDFn         func(ctx context.Context, id int64) (*domain.Process, error)
	ListByDataTableFn func(ctx context.Context, dataTableID int64) ([]domain.Process, error)
	ListFn            func(ctx context.Context) ([]domain.Process, error)
}

// Upsert implements the interface method for testing.
func (m *MockProcessRepo) Upsert(ctx context.Context, dataTableID int64, name string) (*domain.Process, error) {
	if m.UpsertFn != nil {
		return m.UpsertFn(ctx, dataTableID, name)
	}
	panic("unexpected call to MockProcessRepo.Upsert")
}

// GetByID implements the interface method for testing.
func (m *MockProcessRepo) GetByID(ctx context.Context, id int64) (*domain.Process, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	panic("unexpected call to MockProcessRepo.GetByID")
}

// ListByDataTable implements the interface method for testing.
func (m *MockProcessRepo) ListByDataTable(ctx context.Context, dataTableID int64) ([]domain.Process, error) {
	if m.ListByDataTableFn != nil {
		return m.ListByDataTableFn(ctx, dataTableID)
	}
	panic("unexpected call to MockProcessRepo.ListByDataTable")
}

// List implements the interface method for testing.
func (m *MockProcessRepo) List(ctx context.Context) ([]domain.Process, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx)
	}
	panic("unexpected call to MockProcessRepo.List")
}

var _ domain.ProcessRepository = (*MockProcessRepo)(nil)

// === Category Repository Mock ===

// MockCategoryRepo implements domain.CategoryRepository for testing.
type MockCategoryRepo struct {
	ListValuesFn func(ctx context.Context, dataTableID int64, column string) ([]string, error)
	AddValuesFn  func(ctx context.Context, dataTableID int64, column string, values []string) (int, error)
}

// ListValues implements the interface method for testing.
func (m *MockCategoryRepo) ListValues(ctx context.Context, dataTableID int64, column string) ([]string, error) {
	if m.ListValuesFn != nil {
		return m.ListValuesFn(ctx, dataTableID, column)
	}
	panic("unexpected call to MockCategoryRepo.ListValues")
}

// AddValues implements the interface method for testing.
func (m *MockCategoryRepo) AddValues(ctx context.Context, dataTableID int64, column string, values []string) (int, error) {
	if m.AddValuesFn != nil {
		return m.AddValuesFn(ctx, dataTableID, column, values)
	}
	panic("unexpected call to MockCategoryRepo.AddValues")
}

var _ domain.CategoryRepository = (*MockCategoryRepo)(nil)

// === Pull Cursor Repository Mock ===

// MockPullCursorRepo implements domain.PullCursorRepository for testing.
type MockPullCursorRepo struct {
	GetFn  func(ctx context.Context, dataTableID int64, dir domain.Direction) (*domain.PullCursor, error)
	SaveFn func(ctx context.Context, c *domain.PullCursor) error
	Saved  []domain.PullCursor // collected cursors for assertions
}

// Get implements the interface method for testing.
func (m *MockPullCursorRepo) Get(ctx context.Context, dataTableID int64, dir domain.Direction) (*domain.PullCursor, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, dataTableID, dir)
	}
	return nil, domain.ErrNotFound("pull cursor %d/%s not found", dataTableID, dir)
}

// Save implements the interface method for testing.
func (m *MockPullCursorRepo) Save(ctx context.Context, c *domain.PullCursor) error {
	if m.SaveFn != nil {
		if err := m.SaveFn(ctx, c); err != nil {
			return err
		}
	}
	m.Saved = append(m.Saved, *c)
	return nil
}

var _ domain.PullCursorRepository = (*MockPullCursorRepo)(nil)

// === Watermark Repository Mock ===

// MockWatermarkRepo implements domain.WatermarkRepository for testing.
type MockWatermarkRepo struct {
	GetFn     func(ctx context.Context, processID int64) (*domain.TransactionWatermark, error)
	AdvanceFn func(ctx context.Context, processID, cycleID int64) error
}

// Get implements the interface method for testing.
func (m *MockWatermarkRepo) Get(ctx context.Context, processID int64) (*domain.TransactionWatermark, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, processID)
	}
	panic("unexpected call to MockWatermarkRepo.Get")
}

// Advance implements the interface method for testing.
func (m *MockWatermarkRepo) Advance(ctx context.Context, processID, cycleID int64) error {
	if m.AdvanceFn != nil {
		return m.AdvanceFn(ctx, processID, cycleID)
	}
	panic("unexpected call to MockWatermarkRepo.Advance")
}

var _ domain.WatermarkRepository = (*MockWatermarkRepo)(nil)

// === Auto-Link Repository Mock ===

// MockAutoLinkRepo implements domain.AutoLinkRepository for testing.
type MockAutoLinkRepo struct {
	ListFn   func(ctx context.Context, processID int64) ([]domain.AutoLinkSample, error)
	CountFn  func(ctx context.Context, processID int64) (int, error)
	UpsertFn func(ctx context.Context, samples []domain.AutoLinkSample) error
}

// List implements the interface method for testing.
func (m *MockAutoLinkRepo) List(ctx context.Context, processID int64) ([]domain.AutoLinkSample, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx, processID)
	}
	panic("unexpected call to MockAutoLinkRepo.List")
}

// Count implements the interface method for testing.
func (m *MockAutoLinkRepo) Count(ctx context.Context, processID int64) (int, error) {
	if m.CountFn != nil {
		return m.CountFn(ctx, processID)
	}
	panic("unexpected call to MockAutoLinkRepo.Count")
}

// Upsert implements the interface method for testing.
func (m *MockAutoLinkRepo) Upsert(ctx context.Context, samples []domain.AutoLinkSample) error {
	if m.UpsertFn != nil {
		return m.UpsertFn(ctx, samples)
	}
	panic("unexpected call to MockAutoLinkRepo.Upsert")
}

var _ domain.AutoLinkRepository = (*MockAutoLinkRepo)(nil)

// === Job Repository Mock ===

// MockJobRepo implements domain.JobRepository for testing.
type MockJobRepo struct {
	CreateFn         func(ctx context.Context, j *domain.Job) (*domain.Job, error)
	GetByIDFn        func(ctx context.Context, id string) (*domain.Job, error)
	ListFn           func(ctx context.Context, f domain.JobFilter) ([]domain.Job, error)
	MarkProcessingFn func(ctx context.Context, id string) error
	UpdateProgressFn func(ctx context.Context, id string, percent float64) error
	FinishFn         func(ctx context.Context, id string, status domain.JobStatus, message string) error
}

// Create implements the interface method for testing.
func (m *MockJobRepo) Create(ctx context.Context, j *domain.Job) (*domain.Job, error) {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, j)
	}
	panic("unexpected call to MockJobRepo.Create")
}

// GetByID implements the interface method for testing.
func (m *MockJobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	panic("unexpected call to MockJobRepo.GetByID")
}

// List implements the interface method for testing.
func (m *MockJobRepo) List(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx, f)
	}
	panic("unexpected call to MockJobRepo.List")
}

// MarkProcessing implements the interface method for testing.
func (m *MockJobRepo) MarkProcessing(ctx context.Context, id string) error {
	if m.MarkProcessingFn != nil {
		return m.MarkProcessingFn(ctx, id)
	}
	panic("unexpected call to MockJobRepo.MarkProcessing")
}

// UpdateProgress implements the interface method for testing.
func (m *MockJobRepo) UpdateProgress(ctx context.Context, id string, percent float64) error {
	if m.UpdateProgressFn != nil {
		return m.UpdateProgressFn(ctx, id, percent)
	}
	panic("unexpected call to MockJobRepo.UpdateProgress")
}

// Finish implements the interface method for testing.
func (m *MockJobRepo) Finish(ctx context.Context, id string, status domain.JobStatus, message string) error {
	if m.FinishFn != nil {
		return m.FinishFn(ctx, id, status, message)
	}
	panic("unexpected call to MockJobRepo.Finish")
}

var _ domain.JobRepository = (*MockJobRepo)(nil)

// === Transaction Store Mock ===

// MockTransactionStore implements domain.TransactionStore for testing.
type MockTransactionStore struct {
	ImportFn     func(ctx context.Context, processID int64, cycles []domain.Cycle) (int, error)
	ApplyFn      func(ctx context.Context, processID int64, cycles []domain.Cycle) error
	AfterFn      func(ctx context.Context, processID, afterCycleID int64, limit int) ([]domain.Cycle, error)
	MaxCycleIDFn func(ctx context.Context, processID int64) (int64, error)
	SamplesFn    func(ctx context.Context, processID int64, since time.Time, limit int) ([]domain.AutoLinkSample, error)
}

// Import implements the interface method for testing.
func (m *MockTransactionStore) Import(ctx context.Context, processID int64, cycles []domain.Cycle) (int, error) {
	if m.ImportFn != nil {
		return m.ImportFn(ctx, processID, cycles)
	}
	panic("unexpected call to MockTransactionStore.Import")
}

// Apply implements the interface method for testing.
func (m *MockTransactionStore) Apply(ctx context.Context, processID int64, cycles []domain.Cycle) error {
	if m.ApplyFn != nil {
		return m.ApplyFn(ctx, processID, cycles)
	}
	panic("unexpected call to MockTransactionStore.Apply")
}

// After implements the interface method for testing.
func (m *MockTransactionStore) After(ctx context.Context, processID, afterCycleID int64, limit int) ([]domain.Cycle, error) {
	if m.AfterFn != nil {
		return m.AfterFn(ctx, processID, afterCycleID, limit)
	}
	panic("unexpected call to MockTransactionStore.After")
}

// MaxCycleID implements the interface method for testing.
func (m *MockTransactionStore) MaxCycleID(ctx context.Context, processID int64) (int64, error) {
	if m.MaxCycleIDFn != nil {
		return m.MaxCycleIDFn(ctx, processID)
	}
	panic("unexpected call to MockTransactionStore.MaxCycleID")
}

// Samples implements the interface method for testing.
func (m *MockTransactionStore) Samples(ctx context.Context, processID int64, since time.Time, limit int) ([]domain.AutoLinkSample, error) {
	if m.SamplesFn != nil {
		return m.SamplesFn(ctx, processID, since, limit)
	}
	panic("unexpected call to MockTransactionStore.Samples")
}

var _ domain.TransactionStore = (*MockTransactionStore)(nil)

// === Cancel Flags Mock ===

// MockCancelFlags implements domain.CancelFlags for testing.
type MockCancelFlags struct {
	RequestFn   func(ctx context.Context, jobID string) error
	RequestedFn func(ctx context.Context, jobID string) (bool, error)
	ClearFn     func(ctx context.Context, jobID string) error
}

// Request implements the interface method for testing.
func (m *MockCancelFlags) Request(ctx context.Context, jobID string) error {
	if m.RequestFn != nil {
		return m.RequestFn(ctx, jobID)
	}
	panic("unexpected call to MockCancelFlags.Request")
}

// Requested implements the interface method for testing.
func (m *MockCancelFlags) Requested(ctx context.Context, jobID string) (bool, error) {
	if m.RequestedFn != nil {
		return m.RequestedFn(ctx, jobID)
	}
	return false, nil
}

// Clear implements the interface method for testing.
func (m *MockCancelFlags) Clear(ctx context.Context, jobID string) error {
	if m.ClearFn != nil {
		return m.ClearFn(ctx, jobID)
	}
	return nil
}

var _ domain.CancelFlags = (*MockCancelFlags)(nil)
