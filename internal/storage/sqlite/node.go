package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/slok/clusterd/internal/model"
)

// CreateNode creates a new node in the repository.
func (r *Repository) CreateNode(ctx context.Context, n model.Node) error {
	services, props, actions, err := encodeNode(n)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO nodes (id, cluster_id, num, services, properties, actions)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query, n.ID, n.ClusterID, n.Num, services, props, actions)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("node %s: %w", n.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert node: %w", err)
	}

	r.logger.Debugf("Created node in repository: %s", n.ID)
	return nil
}

const nodeColumns = `id, cluster_id, num, services, properties, actions`

// GetNode retrieves a node by ID.
func (r *Repository) GetNode(ctx context.Context, id string) (*model.Node, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("node %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query node: %w", err)
	}

	return &n, nil
}

// UpdateNode updates an existing node.
func (r *Repository) UpdateNode(ctx context.Context, n model.Node) error {
	services, props, actions, err := encodeNode(n)
	if err != nil {
		return err
	}

	query := `
		UPDATE nodes
		SET cluster_id = ?, num = ?, services = ?, properties = ?, actions = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query, n.ClusterID, n.Num, services, props, actions, n.ID)
	if err != nil {
		return fmt.Errorf("could not update node: %w", err)
	}
	if err := checkAffected(result, "node", n.ID); err != nil {
		return err
	}

	r.logger.Debugf("Updated node in repository: %s", n.ID)
	return nil
}

// ListClusterNodes returns the nodes of a cluster ordered by node number.
func (r *Repository) ListClusterNodes(ctx context.Context, clusterID string) ([]model.Node, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE cluster_id = ? ORDER BY num ASC`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("could not query nodes: %w", err)
	}
	defer rows.Close()

	nodes := []model.Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return nodes, nil
}

func encodeNode(n model.Node) (services, props, actions string, err error) {
	if services, err = marshalJSON(n.Services); err != nil {
		return "", "", "", err
	}
	if props, err = marshalJSON(n.Properties); err != nil {
		return "", "", "", err
	}
	if actions, err = marshalJSON(n.Actions); err != nil {
		return "", "", "", err
	}
	return services, props, actions, nil
}

func scanNode(s scanner) (model.Node, error) {
	var n model.Node
	var services, props, actions string
	if err := s.Scan(&n.ID, &n.ClusterID, &n.Num, &services, &props, &actions); err != nil {
		return model.Node{}, err
	}

	if err := json.Unmarshal([]byte(services), &n.Services); err != nil {
		return model.Node{}, fmt.Errorf("could not decode node services: %w", err)
	}
	if err := json.Unmarshal([]byte(props), &n.Properties); err != nil {
		return model.Node{}, fmt.Errorf("could not decode node properties: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &n.Actions); err != nil {
		return model.Node{}, fmt.Errorf("could not decode node actions: %w", err)
	}

	return n, nil
}
