package relational

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"unitcore/pkg/domain"
)

// attributeTable maps one attribute type onto its own table.
type attributeTable struct {
	name    string
	columns []string
	values  func(domain.Payload) []any
	scan    func(*sql.Row) (domain.Payload, error)
}

var attributeTables = map[domain.AttributeType]attributeTable{
	domain.AttributeAddress: {
		name:    "attribute_address",
		columns: []string{"number", "street", "street2", "city", "zip", "state", "country", "entrance", "latitude", "longitude"},
		values: func(p domain.Payload) []any {
			a := p.(domain.Address)
			var lat, lng sql.NullFloat64
			if a.Coordinates != nil {
				lat = sql.NullFloat64{Float64: a.Coordinates.Latitude, Valid: true}
				lng = sql.NullFloat64{Float64: a.Coordinates.Longitude, Valid: true}
			}
			return []any{a.Number, a.Street, a.Street2, a.City, a.Zip, a.State, a.Country, a.Entrance, lat, lng}
		},
		scan: func(row *sql.Row) (domain.Payload, error) {
			var a domain.Address
			var lat, lng sql.NullFloat64
			if err := row.Scan(&a.Number, &a.Street, &a.Street2, &a.City, &a.Zip, &a.State, &a.Country, &a.Entrance, &lat, &lng); err != nil {
				return nil, err
			}
			if lat.Valid && lng.Valid {
				a.Coordinates = &domain.Coordinates{Latitude: lat.Float64, Longitude: lng.Float64}
			}
			return a, nil
		},
	},
	domain.AttributeLabel: {
		name:    "attribute_label",
		columns: []string{"label"},
		values:  func(p domain.Payload) []any { return []any{p.(domain.Label).Label} },
		scan: func(row *sql.Row) (domain.Payload, error) {
			var l domain.Label
			err := row.Scan(&l.Label)
			return l, err
		},
	},
	domain.AttributePrice: {
		name:    "attribute_price",
		columns: []string{"price"},
		values:  func(p domain.Payload) []any { return []any{p.(domain.Price).Price} },
		scan: func(row *sql.Row) (domain.Payload, error) {
			var pr domain.Price
			err := row.Scan(&pr.Price)
			return pr, err
		},
	},
	domain.AttributeComment: {
		name:    "attribute_comment",
		columns: []string{"comment"},
		values:  func(p domain.Payload) []any { return []any{p.(domain.Comment).Comment} },
		scan: func(row *sql.Row) (domain.Payload, error) {
			var c domain.Comment
			err := row.Scan(&c.Comment)
			return c, err
		},
	},
}

func tableFor(t domain.AttributeType) (attributeTable, error) {
	tbl, ok := attributeTables[t]
	if !ok {
		return attributeTable{}, domain.InvalidTypeError{Type: string(t)}
	}
	return tbl, nil
}

// upsertSQL renders INSERT ... ON CONFLICT(id) DO UPDATE, understood by both
// sqlite and postgres.
func (tbl attributeTable) upsertSQL() string {
	cols := append([]string{"id"}, tbl.columns...)
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	sets := make([]string, len(tbl.columns))
	for i, c := range tbl.columns {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		tbl.name, strings.Join(cols, ", "), marks, strings.Join(sets, ", "))
}

func (tbl attributeTable) selectSQL() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(tbl.columns, ", "), tbl.name)
}

func (x *queries) PutAttribute(ctx context.Context, internalID string, rec domain.AttributeCreate) error {
	tbl, err := tableFor(rec.Type())
	if err != nil {
		return err
	}
	args := append([]any{internalID}, tbl.values(rec.Payload)...)
	_, err = x.exec(ctx, "put "+string(rec.Type())+" attribute", tbl.upsertSQL(), args...)
	return err
}

func (x *queries) DeleteAttribute(ctx context.Context, t domain.AttributeType, internalID string) error {
	tbl, err := tableFor(t)
	if err != nil {
		return err
	}
	_, err = x.exec(ctx, "delete "+string(t)+" attribute", "DELETE FROM "+tbl.name+" WHERE id = ?", internalID)
	return err
}

func (x *queries) GetAttribute(ctx context.Context, t domain.AttributeType, internalID string) (domain.AttributeCreate, error) {
	tbl, err := tableFor(t)
	if err != nil {
		return domain.AttributeCreate{}, err
	}
	p, err := tbl.scan(x.q.QueryRowContext(ctx, x.d.rebind(tbl.selectSQL()), internalID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AttributeCreate{}, domain.NotFoundError{Entity: domain.EntityAttribute, ID: internalID}
	}
	if err != nil {
		return domain.AttributeCreate{}, x.d.storageErr("get "+string(t)+" attribute", err)
	}
	return domain.NewAttribute(p), nil
}
