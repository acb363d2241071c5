package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/hurttlocker/capmap/internal/model"
)

const extractionColumns = `id, facility_id, profile_json, confidence_json, warnings_json, model_version`

const spanColumns = `id, facility_id, extraction_id, source_row_id, source_field, quote, supports_path, start_char, end_char`

// SaveExtraction appends one extraction event and its evidence in a single
// transaction. It sets ext.ID and returns the stored spans.
func (s *SQLStore) SaveExtraction(ctx context.Context, ext *model.Extraction, evidence []model.EvidenceItem) ([]model.EvidenceSpan, error) {
	if ext.FacilityID <= 0 {
		return nil, eris.New("extraction needs a facility id")
	}
	profile, err := marshalJSON(ext.Profile, "{}")
	if err != nil {
		return nil, eris.Wrap(err, "encoding profile")
	}
	confidence, err := marshalJSON(ext.Confidence, "{}")
	if err != nil {
		return nil, eris.Wrap(err, "encoding confidence")
	}
	warnings, err := marshalJSON(ext.Warnings, "[]")
	if err != nil {
		return nil, eris.Wrap(err, "encoding warnings")
	}

	var spans []model.EvidenceSpan
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := s.queryRow(ctx, tx, `INSERT INTO extractions
				(facility_id, profile_json, confidence_json, warnings_json, model_version, created_at)
			VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
			ext.FacilityID, profile, confidence, warnings, ext.ModelVersion,
			time.Now().UTC().Format(timeFormat)).Scan(&id)
		if err != nil {
			return eris.Wrap(err, "inserting extraction")
		}
		ext.ID = id

		spans = make([]model.EvidenceSpan, 0, len(evidence))
		for _, ev := range evidence {
			span := model.EvidenceSpan{
				FacilityID:   ext.FacilityID,
				ExtractionID: id,
				SourceRowID:  ev.RowID,
				SourceField:  ev.SourceField,
				Quote:        ev.Quote,
				SupportsPath: ev.SupportsPath,
				StartChar:    ev.StartChar,
				EndChar:      ev.EndChar,
			}
			err := s.queryRow(ctx, tx, `INSERT INTO evidence_spans
					(facility_id, extraction_id, source_row_id, source_field, quote, supports_path, start_char, end_char)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
				span.FacilityID, span.ExtractionID, span.SourceRowID, span.SourceField, span.Quote,
				span.SupportsPath, nullInt(span.StartChar), nullInt(span.EndChar)).Scan(&span.ID)
			if err != nil {
				return eris.Wrap(err, "inserting evidence span")
			}
			spans = append(spans, span)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return spans, nil
}

// LatestExtraction returns the highest-id extraction of a facility, or
// ErrNotFound.
func (s *SQLStore) LatestExtraction(ctx context.Context, facilityID int64) (*model.Extraction, error) {
	row := s.queryRow(ctx, s.db,
		"SELECT "+extractionColumns+" FROM extractions WHERE facility_id = ? ORDER BY id DESC LIMIT 1", facilityID)
	ext, err := scanExtraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "extraction for facility %d", facilityID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "reading latest extraction of facility %d", facilityID)
	}
	return ext, nil
}

// ExtractionCount returns how many extraction events a facility has.
func (s *SQLStore) ExtractionCount(ctx context.Context, facilityID int64) (int, error) {
	var n int
	err := s.queryRow(ctx, s.db, "SELECT COUNT(*) FROM extractions WHERE facility_id = ?", facilityID).Scan(&n)
	return n, eris.Wrap(err, "counting extractions")
}

// EvidenceForExtraction returns the spans of one extraction in insert order.
func (s *SQLStore) EvidenceForExtraction(ctx context.Context, extractionID int64) ([]model.EvidenceSpan, error) {
	rows, err := s.query(ctx, s.db,
		"SELECT "+spanColumns+" FROM evidence_spans WHERE extraction_id = ? ORDER BY id", extractionID)
	if err != nil {
		return nil, eris.Wrap(err, "querying evidence")
	}
	return collectSpans(rows)
}

func scanExtraction(sc scanner) (*model.Extraction, error) {
	var (
		ext                           model.Extraction
		profile, confidence, warnings string
	)
	if err := sc.Scan(&ext.ID, &ext.FacilityID, &profile, &confidence, &warnings, &ext.ModelVersion); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(profile, &ext.Profile); err != nil {
		return nil, eris.Wrapf(err, "decoding profile of extraction %d", ext.ID)
	}
	if err := unmarshalJSON(confidence, &ext.Confidence); err != nil {
		return nil, eris.Wrapf(err, "decoding confidence of extraction %d", ext.ID)
	}
	if err := unmarshalJSON(warnings, &ext.Warnings); err != nil {
		return nil, eris.Wrapf(err, "decoding warnings of extraction %d", ext.ID)
	}
	return &ext, nil
}

func collectSpans(rows *sql.Rows) ([]model.EvidenceSpan, error) {
	defer rows.Close()
	var out []model.EvidenceSpan
	for rows.Next() {
		var (
			span       model.EvidenceSpan
			start, end sql.NullInt64
		)
		if err := rows.Scan(&span.ID, &span.FacilityID, &span.ExtractionID, &span.SourceRowID,
			&span.SourceField, &span.Quote, &span.SupportsPath, &start, &end); err != nil {
			return nil, eris.Wrap(err, "scanning evidence span")
		}
		span.StartChar = intPtr(start)
		span.EndChar = intPtr(end)
		out = append(out, span)
	}
	return out, eris.Wrap(rows.Err(), "iterating evidence spans")
}
