package mysql

import (
	"context"
	"fmt"

	"github.com/artie-labs/binlogd/config"
	"github.com/artie-labs/binlogd/sources/mysql/bootstrap"
)

// RequestBootstrap queues a table bootstrap for the configured client. The running daemon sees the insert in the
// binlog and starts it.
func RequestBootstrap(ctx context.Context, cfg config.Settings, req bootstrap.Request) (int64, error) {
	if req.Database == "" || req.Table == "" {
		return 0, fmt.Errorf("database and table are required")
	}

	storeDatabase := cfg.GetStoreDatabase()
	if err := migrate(ctx, cfg.MySQL, storeDatabase); err != nil {
		return 0, err
	}

	db, err := openDB(cfg.MySQL, storeDatabase)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	id, err := bootstrap.NewStore(db, cfg.GetClientID()).Request(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("failed to request bootstrap of %s.%s: %w", req.Database, req.Table, err)
	}
	return id, nil
}
