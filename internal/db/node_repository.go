package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tOgg1/scanfleet/internal/models"
)

// Node repository errors.
var (
	ErrNodeNotFound      = errors.New("node not found")
	ErrNodeAlreadyExists = errors.New("node already exists")
)

const nodeColumns = `id, name, ip_address, ssh_port, username, password, ssh_key_path, is_local,
	status, last_version, last_heartbeat_at, deploy_started_at, script_exited_at, created_at, updated_at`

// NodeRepository handles node persistence.
type NodeRepository struct {
	db *DB
}

// NewNodeRepository creates a new NodeRepository.
func NewNodeRepository(db *DB) *NodeRepository {
	return &NodeRepository{db: db}
}

// Create inserts node and assigns its ID.
func (r *NodeRepository) Create(ctx context.Context, node *models.Node) error {
	if err := node.Validate(); err != nil {
		return fmt.Errorf("invalid node: %w", err)
	}

	now := time.Now().UTC()
	node.CreatedAt = now
	node.UpdatedAt = now

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO nodes (
			name, ip_address, ssh_port, username, password, ssh_key_path, is_local,
			status, last_version, last_heartbeat_at, deploy_started_at, script_exited_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		node.Name,
		node.IPAddress,
		node.SSHPort,
		node.Username,
		node.Password,
		node.SSHKeyPath,
		boolToInt(node.IsLocal),
		string(node.Status),
		node.LastVersion,
		formatTimePtr(node.LastHeartbeatAt),
		formatTimePtr(node.DeployStartedAt),
		formatTimePtr(node.ScriptExitedAt),
		formatTime(node.CreatedAt),
		formatTime(node.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrNodeAlreadyExists
		}
		return fmt.Errorf("failed to insert node: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read node id: %w", err)
	}
	node.ID = id
	return nil
}

// GetOrCreate returns the node named node.Name, inserting node when no such
// node exists. created reports whether the insert happened.
func (r *NodeRepository) GetOrCreate(ctx context.Context, node *models.Node) (*models.Node, bool, error) {
	if err := node.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid node: %w", err)
	}

	var result *models.Node
	var created bool
	err := r.db.TransactionWithRetry(ctx, 0, 0, func(tx *sql.Tx) error {
		existing, err := scanNode(tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE name = ?`, node.Name))
		if err == nil {
			result, created = existing, false
			return nil
		}
		if !errors.Is(err, ErrNodeNotFound) {
			return err
		}

		now := time.Now().UTC()
		node.CreatedAt = now
		node.UpdatedAt = now
		res, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (name, ip_address, ssh_port, username, password, ssh_key_path, is_local, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, node.Name, node.IPAddress, node.SSHPort, node.Username, node.Password, node.SSHKeyPath,
			boolToInt(node.IsLocal), string(node.Status), formatTime(now), formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to insert node: %w", err)
		}
		if node.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read node id: %w", err)
		}
		result, created = node, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// Get retrieves a node by ID.
func (r *NodeRepository) Get(ctx context.Context, id int64) (*models.Node, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	return scanNode(row)
}

// GetByName retrieves a node by its unique name.
func (r *NodeRepository) GetByName(ctx context.Context, name string) (*models.Node, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE name = ?`, name)
	return scanNode(row)
}

// List returns all nodes ordered by id.
func (r *NodeRepository) List(ctx context.Context) ([]*models.Node, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}

// Update writes every mutable field of node.
func (r *NodeRepository) Update(ctx context.Context, node *models.Node) error {
	if err := node.Validate(); err != nil {
		return fmt.Errorf("invalid node: %w", err)
	}
	node.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE nodes SET
			name = ?, ip_address = ?, ssh_port = ?, username = ?, password = ?, ssh_key_path = ?,
			is_local = ?, status = ?, last_version = ?, last_heartbeat_at = ?,
			deploy_started_at = ?, script_exited_at = ?, updated_at = ?
		WHERE id = ?
	`,
		node.Name,
		node.IPAddress,
		node.SSHPort,
		node.Username,
		node.Password,
		node.SSHKeyPath,
		boolToInt(node.IsLocal),
		string(node.Status),
		node.LastVersion,
		formatTimePtr(node.LastHeartbeatAt),
		formatTimePtr(node.DeployStartedAt),
		formatTimePtr(node.ScriptExitedAt),
		formatTime(node.UpdatedAt),
		node.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrNodeAlreadyExists
		}
		return fmt.Errorf("failed to update node: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// Delete removes a node by ID.
func (r *NodeRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// CountByStatus returns node counts keyed by status.
func (r *NodeRepository) CountByStatus(ctx context.Context) (map[models.NodeStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM nodes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count nodes: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.NodeStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan node count: %w", err)
		}
		counts[models.NodeStatus(status)] = count
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*models.Node, error) {
	var node models.Node
	var isLocal int
	var status string
	var lastHeartbeat, deployStarted, scriptExited sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&node.ID,
		&node.Name,
		&node.IPAddress,
		&node.SSHPort,
		&node.Username,
		&node.Password,
		&node.SSHKeyPath,
		&isLocal,
		&status,
		&node.LastVersion,
		&lastHeartbeat,
		&deployStarted,
		&scriptExited,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}

	node.IsLocal = isLocal != 0
	node.Status = models.NodeStatus(status)
	node.LastHeartbeatAt = parseTimePtr(lastHeartbeat)
	node.DeployStartedAt = parseTimePtr(deployStarted)
	node.ScriptExitedAt = parseTimePtr(scriptExited)
	node.CreatedAt = parseTime(createdAt)
	node.UpdatedAt = parseTime(updatedAt)

	return &node, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// Fixed-width so stored timestamps sort lexically; TTL checks need the
// sub-second precision.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, value)
	return t
}

func parseTimePtr(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, value.String)
	if err != nil {
		return nil
	}
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
