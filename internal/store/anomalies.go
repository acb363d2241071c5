package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"

	"github.com/hurttlocker/capmap/internal/model"
)

// ReplaceAnomalies deletes the stored anomaly set and inserts anomalies in
// one transaction. Readers see either the old set or the new one.
func (s *SQLStore) ReplaceAnomalies(ctx context.Context, anomalies []model.Anomaly) error {
	now := time.Now().UTC().Format(timeFormat)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, "DELETE FROM anomalies"); err != nil {
			return eris.Wrap(err, "clearing anomalies")
		}
		for i := range anomalies {
			a := &anomalies[i]
			ids, err := marshalJSON(a.EvidenceSpanIDs, "[]")
			if err != nil {
				return eris.Wrap(err, "encoding evidence span ids")
			}
			err = s.queryRow(ctx, tx, `INSERT INTO anomalies
					(facility_id, type, severity, description, evidence_span_ids_json, created_at)
				VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
				a.FacilityID, a.Type, string(a.Severity), a.Description, ids, now).Scan(&a.ID)
			if err != nil {
				return eris.Wrapf(err, "inserting %s anomaly for facility %d", a.Type, a.FacilityID)
			}
		}
		return nil
	})
}

// ListAnomalies returns the stored anomaly set ordered by id.
func (s *SQLStore) ListAnomalies(ctx context.Context) ([]model.Anomaly, error) {
	return s.listAnomalies(ctx, s.db)
}

func (s *SQLStore) listAnomalies(ctx context.Context, q execer) ([]model.Anomaly, error) {
	rows, err := s.query(ctx, q,
		"SELECT id, facility_id, type, severity, description, evidence_span_ids_json FROM anomalies ORDER BY id")
	if err != nil {
		return nil, eris.Wrap(err, "listing anomalies")
	}
	defer rows.Close()

	var out []model.Anomaly
	for rows.Next() {
		var (
			a        model.Anomaly
			severity string
			ids      string
		)
		if err := rows.Scan(&a.ID, &a.FacilityID, &a.Type, &severity, &a.Description, &ids); err != nil {
			return nil, eris.Wrap(err, "scanning anomaly")
		}
		a.Severity = model.AnomalySeverity(severity)
		if err := unmarshalJSON(ids, &a.EvidenceSpanIDs); err != nil {
			return nil, eris.Wrapf(err, "decoding evidence ids of anomaly %d", a.ID)
		}
		if a.EvidenceSpanIDs == nil {
			a.EvidenceSpanIDs = []int64{}
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "iterating anomalies")
}
