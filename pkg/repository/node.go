package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kcenon/pacs-system-sub002/pkg/pacserrors"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

// nodeRow is the wire shape of the nodes table; transfer_syntaxes is
// stored as a JSON text column per spec §6.3.
type nodeRow struct {
	PK               int64     `db:"pk"`
	NodeID           string    `db:"node_id"`
	AETitle          string    `db:"ae_title"`
	Host             string    `db:"host"`
	Port             int       `db:"port"`
	TLSProfile       string    `db:"tls_profile"`
	SupportsCStore   bool      `db:"supports_cstore"`
	SupportsCFind    bool      `db:"supports_cfind"`
	SupportsCMove    bool      `db:"supports_cmove"`
	SupportsCEcho    bool      `db:"supports_cecho"`
	TransferSyntaxes string    `db:"transfer_syntaxes"`
	Status           string    `db:"status"`
	LastVerified     time.Time `db:"last_verified"`
	LastError        string    `db:"last_error"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// NodeRepository persists types.Node rows (spec §3.1, §6.3 "nodes").
type NodeRepository struct {
	repo *Repository[nodeRow, int64]
	db   *sqlx.DB
}

// NewNodeRepository constructs a NodeRepository over db.
func NewNodeRepository(db *sqlx.DB) *NodeRepository {
	mapper := Mapper[nodeRow, int64]{
		Table:    "nodes",
		PKColumn: "pk",
		GetPK:    func(r *nodeRow) int64 { return r.PK },
		SetPK:    func(r *nodeRow, pk int64) { r.PK = pk },
		HasPK:    func(r *nodeRow) bool { return r.PK != 0 },
		InsertColumns: func(r *nodeRow) map[string]any {
			return map[string]any{
				"node_id": r.NodeID, "ae_title": r.AETitle, "host": r.Host, "port": r.Port,
				"tls_profile": r.TLSProfile, "supports_cstore": r.SupportsCStore, "supports_cfind": r.SupportsCFind,
				"supports_cmove": r.SupportsCMove, "supports_cecho": r.SupportsCEcho,
				"transfer_syntaxes": r.TransferSyntaxes, "status": r.Status,
				"last_verified": r.LastVerified, "last_error": r.LastError,
				"created_at": r.CreatedAt, "updated_at": r.UpdatedAt,
			}
		},
		UpdateColumns: func(r *nodeRow) map[string]any {
			return map[string]any{
				"ae_title": r.AETitle, "host": r.Host, "port": r.Port, "tls_profile": r.TLSProfile,
				"supports_cstore": r.SupportsCStore, "supports_cfind": r.SupportsCFind,
				"supports_cmove": r.SupportsCMove, "supports_cecho": r.SupportsCEcho,
				"transfer_syntaxes": r.TransferSyntaxes, "status": r.Status,
				"last_verified": r.LastVerified, "last_error": r.LastError, "updated_at": r.UpdatedAt,
			}
		},
	}
	return &NodeRepository{repo: New(db, mapper), db: db}
}

func rowFromNode(n *types.Node) *nodeRow {
	syntaxes, _ := json.Marshal(n.TransferSyntaxes)
	return &nodeRow{
		PK: n.PK, NodeID: n.ID, AETitle: n.AETitle, Host: n.Host, Port: n.Port,
		TLSProfile: n.TLSProfile, SupportsCStore: n.SupportsCStore, SupportsCFind: n.SupportsCFind,
		SupportsCMove: n.SupportsCMove, SupportsCEcho: n.SupportsCEcho,
		TransferSyntaxes: string(syntaxes), Status: string(n.Status),
		LastVerified: n.LastVerified, LastError: n.LastError,
		CreatedAt: n.CreatedAt, UpdatedAt: n.UpdatedAt,
	}
}

func nodeFromRow(r *nodeRow) *types.Node {
	var syntaxes []string
	_ = json.Unmarshal([]byte(r.TransferSyntaxes), &syntaxes)
	return &types.Node{
		PK: r.PK, ID: r.NodeID, AETitle: r.AETitle, Host: r.Host, Port: r.Port,
		TLSProfile: r.TLSProfile, SupportsCStore: r.SupportsCStore, SupportsCFind: r.SupportsCFind,
		SupportsCMove: r.SupportsCMove, SupportsCEcho: r.SupportsCEcho,
		TransferSyntaxes: syntaxes, Status: types.NodeStatus(r.Status),
		LastVerified: r.LastVerified, LastError: r.LastError,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// FindByID returns the node with the given node_id.
func (nr *NodeRepository) FindByID(ctx context.Context, nodeID string) (*types.Node, error) {
	rows, err := nr.repo.FindWhere(ctx, "node_id", OpEquals, nodeID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, pacserrors.NewNotFoundError("node " + nodeID)
	}
	return nodeFromRow(&rows[0]), nil
}

// FindAll returns every registered node.
func (nr *NodeRepository) FindAll(ctx context.Context) ([]*types.Node, error) {
	rows, err := nr.repo.FindAll(ctx, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Node, len(rows))
	for i := range rows {
		out[i] = nodeFromRow(&rows[i])
	}
	return out, nil
}

// Save upserts a node (spec §4.4 register/update).
func (nr *NodeRepository) Save(ctx context.Context, n *types.Node) error {
	row := rowFromNode(n)
	if err := nr.repo.Save(ctx, row); err != nil {
		return err
	}
	n.PK = row.PK
	return nil
}

// Remove deletes a node by its surrogate pk.
func (nr *NodeRepository) Remove(ctx context.Context, pk int64) error {
	return nr.repo.Remove(ctx, pk)
}

// UpdateStatus persists a health-loop status transition without
// touching the rest of the node's fields.
func (nr *NodeRepository) UpdateStatus(ctx context.Context, nodeID string, status types.NodeStatus, lastError string) error {
	query := `UPDATE nodes SET status = $1, last_verified = $2, last_error = $3, updated_at = $4 WHERE node_id = $5`
	_, err := nr.db.ExecContext(ctx, query, string(status), time.Now(), lastError, time.Now(), nodeID)
	if err != nil {
		return pacserrors.NewRepositoryError("update_status nodes", err)
	}
	return nil
}
