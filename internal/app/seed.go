package app

import (
	"context"
	"fmt"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/config"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// seedDataTables registers the data tables of the seed file that are not
// known yet and queues a scan for each of them. Known names are left
// untouched so operator edits survive restarts.
func (a *App) seedDataTables(ctx context.Context, path string) error {
	specs, err := config.LoadDataSources(path)
	if err != nil {
		return err
	}
	for i := range specs {
		spec := &specs[i]
		_, err := a.Repos.Tables.GetByName(ctx, spec.Name)
		if err == nil {
			continue
		}
		if !domain.IsNotFound(err) {
			return err
		}

		dt, err := a.Repos.Tables.Create(ctx, spec)
		if err != nil {
			return fmt.Errorf("create %s: %w", spec.Name, err)
		}
		a.logger.Info("data table registered", "data_table_id", dt.ID, "name", dt.Name, "kind", string(dt.Kind))
		if err := a.Publisher.PublishConfigChange(ctx, "data_table", domain.CrudInsert, map[string]any{
			"id": dt.ID, "name": dt.Name, "kind": string(dt.Kind),
		}); err != nil {
			a.logger.Warn("publish data table", "data_table_id", dt.ID, "error", err)
		}

		// Stored as PENDING; Start picks it up.
		if _, err := a.Repos.Jobs.Create(ctx, &domain.Job{Kind: domain.JobKindScan, DataTableID: dt.ID}); err != nil {
			return fmt.Errorf("queue scan of %s: %w", dt.Name, err)
		}
	}
	return nil
}
