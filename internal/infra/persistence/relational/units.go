package relational

import (
	"context"
	"database/sql"
	"errors"

	"unitcore/pkg/domain"
)

func (x *queries) PutUnit(ctx context.Context, u domain.UnitRecord) error {
	if _, err := x.exec(ctx, "put unit", `INSERT INTO unit (id, version) VALUES (?, 1)`, u.ID); err != nil {
		return err
	}
	if err := x.insertEdges(ctx, "unit_attribute", "attribute_ref_id", u.ID, u.AttributeIDs); err != nil {
		return err
	}
	return x.insertEdges(ctx, "unit_child", "child_id", u.ID, u.ChildIDs)
}

func (x *queries) insertEdges(ctx context.Context, table, column, unitID string, ids []string) error {
	query := `INSERT INTO ` + table + ` (unit_id, ` + column + `, ordinal) VALUES (?, ?, ?)`
	for i, id := range ids {
		if _, err := x.exec(ctx, "insert "+table, query, unitID, id, i); err != nil {
			return err
		}
	}
	return nil
}

func (x *queries) GetUnit(ctx context.Context, id string) (domain.UnitRecord, error) {
	rec := domain.UnitRecord{ID: id}
	err := x.q.QueryRowContext(ctx, x.d.rebind(`SELECT version FROM unit WHERE id = ?`), id).Scan(&rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UnitRecord{}, domain.NotFoundError{Entity: domain.EntityUnit, ID: id}
	}
	if err != nil {
		return domain.UnitRecord{}, x.d.storageErr("get unit", err)
	}
	if rec.AttributeIDs, err = x.stringColumn(ctx, "get unit attributes",
		`SELECT attribute_ref_id FROM unit_attribute WHERE unit_id = ? ORDER BY ordinal`, id); err != nil {
		return domain.UnitRecord{}, err
	}
	if rec.ChildIDs, err = x.stringColumn(ctx, "get unit children",
		`SELECT child_id FROM unit_child WHERE unit_id = ? ORDER BY ordinal`, id); err != nil {
		return domain.UnitRecord{}, err
	}
	return rec, nil
}

func (x *queries) UpdateUnitAttributes(ctx context.Context, id string, expectedVersion int64, attributeIDs []string) error {
	res, err := x.exec(ctx, "update unit",
		`UPDATE unit SET version = version + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND version = ?`,
		id, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return x.d.storageErr("update unit", err)
	}
	if n == 0 {
		var one int
		err := x.q.QueryRowContext(ctx, x.d.rebind(`SELECT 1 FROM unit WHERE id = ?`), id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFoundError{Entity: domain.EntityUnit, ID: id}
		}
		if err != nil {
			return x.d.storageErr("update unit", err)
		}
		return domain.ConflictError{UnitID: id}
	}
	if _, err := x.exec(ctx, "update unit", `DELETE FROM unit_attribute WHERE unit_id = ?`, id); err != nil {
		return err
	}
	return x.insertEdges(ctx, "unit_attribute", "attribute_ref_id", id, attributeIDs)
}

func (x *queries) FindUnits(ctx context.Context, q domain.UnitQuery) ([]domain.UnitRecord, error) {
	query := `SELECT u.id FROM unit u WHERE 1 = 1`
	var args []any
	if q.AttributeID != "" {
		query += ` AND EXISTS (SELECT 1 FROM unit_attribute a WHERE a.unit_id = u.id AND a.attribute_ref_id = ?)`
		args = append(args, q.AttributeID)
	}
	if q.ChildID != "" {
		query += ` AND EXISTS (SELECT 1 FROM unit_child c WHERE c.unit_id = u.id AND c.child_id = ?)`
		args = append(args, q.ChildID)
	}
	query += x.d.orderByID("u.id") + limitClause(q.Limit)
	ids, err := x.stringColumn(ctx, "find units", query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]domain.UnitRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := x.GetUnit(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
