package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/hurttlocker/capmap/internal/model"
)

const facilityColumns = `id, name, country, region, district, lat, lon, source_row_id,
	facility_type, bed_count, operating_rooms, structured_json, text_json`

// UpsertFacility stores f and sets f.ID. A facility with the same non-empty
// source row id is updated in place, so re-ingesting a file appends new
// extraction events to the existing facility.
func (s *SQLStore) UpsertFacility(ctx context.Context, f *model.Facility) (int64, error) {
	if strings.TrimSpace(f.Name) == "" {
		return 0, eris.New("facility name is required")
	}
	structured, err := marshalJSON(f.Structured, "{}")
	if err != nil {
		return 0, eris.Wrap(err, "encoding structured columns")
	}
	text, err := marshalJSON(f.Text, "{}")
	if err != nil {
		return 0, eris.Wrap(err, "encoding text columns")
	}
	now := time.Now().UTC().Format(timeFormat)
	args := []any{
		f.Name, f.Country, f.Region, f.District, nullFloat(f.Lat), nullFloat(f.Lon), f.SourceRowID,
		f.FacilityType, nullInt(f.BedCount), nullInt(f.OperatingRooms), structured, text,
	}

	existing, err := s.facilityIDBySourceRow(ctx, f.SourceRowID)
	if err != nil {
		return 0, err
	}
	if existing > 0 {
		_, err := s.exec(ctx, s.db, `UPDATE facilities SET
			name = ?, country = ?, region = ?, district = ?, lat = ?, lon = ?, source_row_id = ?,
			facility_type = ?, bed_count = ?, operating_rooms = ?, structured_json = ?, text_json = ?,
			updated_at = ?
			WHERE id = ?`, append(args, now, existing)...)
		if err != nil {
			return 0, eris.Wrapf(err, "updating facility %d", existing)
		}
		f.ID = existing
		return existing, nil
	}

	var id int64
	err = s.queryRow(ctx, s.db, `INSERT INTO facilities (
			name, country, region, district, lat, lon, source_row_id,
			facility_type, bed_count, operating_rooms, structured_json, text_json,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		append(args, now, now)...).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "inserting facility")
	}
	f.ID = id
	return id, nil
}

func (s *SQLStore) facilityIDBySourceRow(ctx context.Context, rowID string) (int64, error) {
	rowID = strings.TrimSpace(rowID)
	if rowID == "" || rowID == model.UnknownRowID {
		return 0, nil
	}
	var id int64
	err := s.queryRow(ctx, s.db,
		"SELECT id FROM facilities WHERE source_row_id = ? ORDER BY id LIMIT 1", rowID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, eris.Wrapf(err, "looking up facility for row %s", rowID)
}

// GetFacility returns one facility or ErrNotFound.
func (s *SQLStore) GetFacility(ctx context.Context, id int64) (*model.Facility, error) {
	row := s.queryRow(ctx, s.db, "SELECT "+facilityColumns+" FROM facilities WHERE id = ?", id)
	f, err := scanFacility(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "facility %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "reading facility %d", id)
	}
	return f, nil
}

// ListFacilities returns every facility ordered by id.
func (s *SQLStore) ListFacilities(ctx context.Context) ([]model.Facility, error) {
	return s.listFacilities(ctx, s.db)
}

func (s *SQLStore) listFacilities(ctx context.Context, q execer) ([]model.Facility, error) {
	rows, err := s.query(ctx, q, "SELECT "+facilityColumns+" FROM facilities ORDER BY id")
	if err != nil {
		return nil, eris.Wrap(err, "listing facilities")
	}
	defer rows.Close()

	var out []model.Facility
	for rows.Next() {
		f, err := scanFacility(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scanning facility")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "iterating facilities")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFacility(sc scanner) (*model.Facility, error) {
	var (
		f                    model.Facility
		lat, lon             sql.NullFloat64
		beds, rooms          sql.NullInt64
		structured, textJSON string
	)
	err := sc.Scan(&f.ID, &f.Name, &f.Country, &f.Region, &f.District, &lat, &lon, &f.SourceRowID,
		&f.FacilityType, &beds, &rooms, &structured, &textJSON)
	if err != nil {
		return nil, err
	}
	f.Lat = floatPtr(lat)
	f.Lon = floatPtr(lon)
	f.BedCount = intPtr(beds)
	f.OperatingRooms = intPtr(rooms)
	if err := unmarshalJSON(structured, &f.Structured); err != nil {
		return nil, eris.Wrapf(err, "decoding structured columns of facility %d", f.ID)
	}
	if err := unmarshalJSON(textJSON, &f.Text); err != nil {
		return nil, eris.Wrapf(err, "decoding text columns of facility %d", f.ID)
	}
	return &f, nil
}

func marshalJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
