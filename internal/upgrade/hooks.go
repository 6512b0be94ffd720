package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

func init() {
	RegisterDataHook(1, "001_normalize_client_keys", normalizeClientKeys)
}

// normalizeClientKeys rekeys rows stored under a full chat id
// ("573001112233@s.whatsapp.net") to the bare conversation key. When both
// forms exist the bare row wins and the other is dropped.
func normalizeClientKeys(ctx context.Context, tx *sql.Tx) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE clients SET key = split_part(key, '@', 1), updated_at = NOW()
		WHERE key LIKE '%@%'
		  AND NOT EXISTS (SELECT 1 FROM clients c WHERE c.key = split_part(clients.key, '@', 1))
	`)
	if err != nil {
		return fmt.Errorf("rekey clients: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM clients WHERE key LIKE '%@%'`); err != nil {
		return fmt.Errorf("drop duplicate clients: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("upgrade: client keys normalized", "rows", n)
	}
	return nil
}
