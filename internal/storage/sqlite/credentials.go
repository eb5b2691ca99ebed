package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetCredentials returns the sensitive fields of a cluster, empty when there are none.
func (r *Repository) GetCredentials(ctx context.Context, tenantID, clusterID string) (map[string]string, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT fields FROM credentials WHERE tenant_id = ? AND cluster_id = ?`, tenantID, clusterID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("could not query credentials: %w", err)
	}

	fields := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("could not unmarshal credentials: %w", err)
	}

	return fields, nil
}

// SetCredentials stores the sensitive fields of a cluster.
func (r *Repository) SetCredentials(ctx context.Context, tenantID, clusterID string, fields map[string]string) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("could not marshal credentials: %w", err)
	}

	query := `
		INSERT INTO credentials (tenant_id, cluster_id, fields) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, cluster_id) DO UPDATE SET fields = excluded.fields
	`
	if _, err := r.db.ExecContext(ctx, query, tenantID, clusterID, string(raw)); err != nil {
		return fmt.Errorf("could not store credentials: %w", err)
	}

	return nil
}

// WipeCredentials removes the sensitive fields of a cluster.
func (r *Repository) WipeCredentials(ctx context.Context, tenantID, clusterID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE tenant_id = ? AND cluster_id = ?`, tenantID, clusterID); err != nil {
		return fmt.Errorf("could not wipe credentials: %w", err)
	}

	r.logger.Debugf("Wiped credentials of cluster %s", clusterID)
	return nil
}
