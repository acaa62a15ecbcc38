package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/database"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

// PgOrderRepository handles purchase order data operations.
type PgOrderRepository struct {
	db database.Querier
}

// NewOrderRepository creates a new order repository on a pool or transaction.
func NewOrderRepository(db database.Querier) *PgOrderRepository {
	return &PgOrderRepository{db: db}
}

const orderColumns = `
	id::text, po_number, state, outlet_id, supplier_id, total_cost::text,
	approval_tier, submission_round, notes, created_by, created_at, updated_at
`

// Create inserts the order header and its lines. The PO number is drawn from
// a sequence when the caller leaves it empty.
func (r *PgOrderRepository) Create(ctx context.Context, po *PurchaseOrder) error {
	if po.Number == "" {
		var seq int64
		if err := r.db.QueryRow(ctx, `SELECT nextval('purchase_order_number_seq')`).Scan(&seq); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to allocate purchase order number")
		}
		po.Number = fmt.Sprintf("PO-%06d", seq)
	}

	query := `
		INSERT INTO purchase_orders
		    (id, po_number, state, outlet_id, supplier_id, total_cost,
		     approval_tier, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6::numeric,
		        $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		po.ID,
		po.Number,
		string(po.State),
		po.OutletID,
		po.SupplierID,
		po.TotalCost.String(),
		po.ApprovalTier,
		po.Notes,
		po.CreatedBy,
	).Scan(&po.CreatedAt, &po.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return errors.Conflict("purchase order " + po.Number + " already exists")
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create purchase order")
	}

	return r.insertLines(ctx, po)
}

// GetByID retrieves an order with its lines.
func (r *PgOrderRepository) GetByID(ctx context.Context, id string) (*PurchaseOrder, error) {
	return r.get(ctx, id, "")
}

// GetForUpdate retrieves an order and locks the header row.
func (r *PgOrderRepository) GetForUpdate(ctx context.Context, id string) (*PurchaseOrder, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

// lookupClause matches on the primary key when id is a UUID and on the PO
// number otherwise, so either lookup can use its index.
func lookupClause(id string) string {
	if _, err := uuid.Parse(id); err == nil && len(id) == 36 {
		return ` WHERE id = $1::uuid`
	}
	return ` WHERE po_number = $1`
}

func (r *PgOrderRepository) get(ctx context.Context, id, lock string) (*PurchaseOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM purchase_orders` + lookupClause(id) + lock

	po, err := r.scanOrder(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("purchase_order", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get purchase order")
	}

	lines, err := r.getLines(ctx, po.ID)
	if err != nil {
		return nil, err
	}
	po.Lines = lines
	return po, nil
}

// ReplaceLines rewrites the lines, total and notes of an order.
func (r *PgOrderRepository) ReplaceLines(ctx context.Context, po *PurchaseOrder) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM purchase_order_lines WHERE po_id = $1`, po.ID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear purchase order lines")
	}
	if err := r.insertLines(ctx, po); err != nil {
		return err
	}

	query := `
		UPDATE purchase_orders
		SET supplier_id = $2, total_cost = $3::numeric, notes = $4, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`
	err := r.db.QueryRow(ctx, query, po.ID, po.SupplierID, po.TotalCost.String(), po.Notes).Scan(&po.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("purchase_order", po.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update purchase order")
	}
	return nil
}

// UpdateState stores state, approval tier, submission round and notes.
func (r *PgOrderRepository) UpdateState(ctx context.Context, po *PurchaseOrder) error {
	query := `
		UPDATE purchase_orders
		SET state = $2, approval_tier = $3, submission_round = $4, notes = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`
	err := r.db.QueryRow(ctx, query, po.ID, string(po.State), po.ApprovalTier, po.Round, po.Notes).Scan(&po.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("purchase_order", po.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update purchase order state")
	}
	return nil
}

// UpdateLineReceipt stores the cumulative receipt quantities of one line.
func (r *PgOrderRepository) UpdateLineReceipt(ctx context.Context, orderID string, line LineItem) error {
	query := `
		UPDATE purchase_order_lines
		SET quantity_received = $3, quantity_damaged = $4, status = $5
		WHERE po_id = $1 AND product_id = $2
	`
	tag, err := r.db.Exec(ctx, query, orderID, line.ProductID, line.QuantityReceived, line.QuantityDamaged, line.Status)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update line receipt")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("purchase_order_line", line.ProductID)
	}
	return nil
}

// ── line helpers ──────────────────────────────────────────────────────────────

func (r *PgOrderRepository) insertLines(ctx context.Context, po *PurchaseOrder) error {
	lineQuery := `
		INSERT INTO purchase_order_lines
		    (po_id, line_no, product_id, quantity, unit_cost,
		     quantity_received, quantity_damaged, status)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)
	`
	for i := range po.Lines {
		line := &po.Lines[i]
		line.LineNo = i + 1
		if line.Status == "" {
			line.Status = workflow.LinePending
		}
		_, err := r.db.Exec(ctx, lineQuery,
			po.ID,
			line.LineNo,
			line.ProductID,
			line.Quantity,
			line.UnitCost.String(),
			line.QuantityReceived,
			line.QuantityDamaged,
			line.Status,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return errors.InvalidInput("lines", "duplicate product "+line.ProductID)
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create purchase order line")
		}
	}
	return nil
}

func (r *PgOrderRepository) getLines(ctx context.Context, orderID string) ([]LineItem, error) {
	query := `
		SELECT line_no, product_id, quantity, unit_cost::text,
		       quantity_received, quantity_damaged, status
		FROM purchase_order_lines
		WHERE po_id = $1
		ORDER BY line_no
	`
	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get purchase order lines")
	}
	defer rows.Close()

	lines := []LineItem{}
	for rows.Next() {
		var line LineItem
		var unitCost string
		if err := rows.Scan(
			&line.LineNo,
			&line.ProductID,
			&line.Quantity,
			&unitCost,
			&line.QuantityReceived,
			&line.QuantityDamaged,
			&line.Status,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan purchase order line")
		}
		if line.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "invalid unit cost")
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PgOrderRepository) scanOrder(sc rowScanner) (*PurchaseOrder, error) {
	po := &PurchaseOrder{}
	var state, total string

	err := sc.Scan(
		&po.ID,
		&po.Number,
		&state,
		&po.OutletID,
		&po.SupplierID,
		&total,
		&po.ApprovalTier,
		&po.Round,
		&po.Notes,
		&po.CreatedBy,
		&po.CreatedAt,
		&po.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	po.State = workflow.OrderState(state)
	if po.TotalCost, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	return po, nil
}
