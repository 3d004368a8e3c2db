package app

import (
	"context"
	"errors"

	"skinmarket-ingest/internal/persistence"
	"skinmarket-ingest/internal/storage"
)

// RebuildRollups recomputes every daily rollup and market insight whose
// facts fall in [From, To) from the append-only listing table.
func (a *App) RebuildRollups(ctx context.Context, opts RebuildOptions) error {
	from := storage.Day(opts.From)
	to := storage.Day(opts.To)
	if !opts.To.Equal(to) {
		to = to.AddDate(0, 0, 1)
	}
	if !from.Before(to) {
		return errors.New("重算范围为空，请检查 --from/--to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法重算")
	}
	defer closeStore()

	counts, err := persistence.NewGateway(store, a.Logger).Rebuild(ctx, from, to)
	if err != nil {
		return err
	}
	if counts.Errors > 0 {
		return errors.New("部分汇总重算失败，请检查日志")
	}
	return nil
}

// Migrate applies the embedded schema.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法迁移")
	}
	defer closeStore()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("schema migrated")
	return nil
}
