package store

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"

	"github.com/hurttlocker/capmap/internal/model"
)

// latestExtractionIDs selects the newest extraction per facility.
const latestExtractionIDs = `SELECT MAX(id) FROM extractions GROUP BY facility_id`

// LoadCorpus reads every facility, its latest extraction with that
// extraction's evidence, and the anomaly set, inside one transaction so an
// anomaly rebuild is never seen half-applied.
func (s *SQLStore) LoadCorpus(ctx context.Context) (*model.Corpus, error) {
	var c model.Corpus
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		facilities, err := s.listFacilities(ctx, tx)
		if err != nil {
			return err
		}

		rows, err := s.query(ctx, tx,
			"SELECT "+extractionColumns+" FROM extractions WHERE id IN ("+latestExtractionIDs+")")
		if err != nil {
			return eris.Wrap(err, "querying latest extractions")
		}
		latest := map[int64]*model.Extraction{}
		for rows.Next() {
			ext, err := scanExtraction(rows)
			if err != nil {
				rows.Close()
				return eris.Wrap(err, "scanning extraction")
			}
			latest[ext.FacilityID] = ext
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return eris.Wrap(err, "iterating extractions")
		}
		rows.Close()

		spanRows, err := s.query(ctx, tx,
			"SELECT "+spanColumns+" FROM evidence_spans WHERE extraction_id IN ("+latestExtractionIDs+") ORDER BY id")
		if err != nil {
			return eris.Wrap(err, "querying evidence")
		}
		spans, err := collectSpans(spanRows)
		if err != nil {
			return err
		}
		byFacility := map[int64][]model.EvidenceSpan{}
		for _, sp := range spans {
			byFacility[sp.FacilityID] = append(byFacility[sp.FacilityID], sp)
		}

		c.Facilities = make([]model.FacilityRecord, 0, len(facilities))
		for _, f := range facilities {
			rec := model.FacilityRecord{Facility: f}
			if ext, ok := latest[f.ID]; ok {
				p := ext.Profile
				rec.ExtractionID = ext.ID
				rec.Profile = &p
				rec.Evidence = byFacility[f.ID]
			}
			c.Facilities = append(c.Facilities, rec)
		}

		c.Anomalies, err = s.listAnomalies(ctx, tx)
		return err
	})
	if err != nil {
		return nil, eris.Wrap(err, "loading corpus")
	}
	if c.Anomalies == nil {
		c.Anomalies = []model.Anomaly{}
	}
	return &c, nil
}
