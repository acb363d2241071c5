package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/hurttlocker/capmap/internal/model"
)

// UnknownFacilityName is used for rows without a name.
const UnknownFacilityName = "Unknown Facility"

// Record is one parsed CSV row: the facility to store and the raw row to
// extract from.
type Record struct {
	Line     int // 1-indexed line in the source file
	Facility model.Facility
	Row      model.RawRow
}

// columnAliases maps alternative header spellings onto canonical names.
var columnAliases = map[string]string{
	"facility_name":  "name",
	"latitude":       "lat",
	"longitude":      "lon",
	"lng":            "lon",
	"type":           "facility_type",
	"beds":           "bed_count",
	"or_count":       "operating_rooms",
	"row_id":         "source_row_id",
	"specialities":   "specialties",
	"num_doctors":    "doctors",
	"num_nurses":     "nurses",
	"infrastructure": "infrastructure_notes",
}

var headerCleanRE = regexp.MustCompile(`[^a-z0-9]+`)

func canonicalHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	h = strings.Trim(headerCleanRE.ReplaceAllString(h, "_"), "_")
	if alias, ok := columnAliases[h]; ok {
		return alias
	}
	return h
}

// structuredColumns are kept on the facility but never scanned as text.
var structuredColumns = map[string]bool{
	"name": true, "country": true, "region": true, "district": true, "lat": true, "lon": true,
	"source_row_id": true, "facility_type": true, "bed_count": true, "operating_rooms": true,
	"doctors": true, "nurses": true, model.FieldSpecialties: true,
}

var textColumns = func() map[string]bool {
	m := make(map[string]bool, len(model.TextFields))
	for _, f := range model.TextFields {
		m[f] = true
	}
	return m
}()

// CanHandle returns true for CSV/TSV file extensions.
func CanHandle(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".csv" || ext == ".tsv"
}

// ReadFile parses a CSV or TSV facility file.
func ReadFile(ctx context.Context, path string) ([]Record, error) {
	if !CanHandle(path) {
		return nil, eris.Errorf("unsupported file type %q (want .csv or .tsv)", filepath.Ext(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	comma := ','
	if strings.ToLower(filepath.Ext(path)) == ".tsv" {
		comma = '\t'
	}
	records, err := Read(ctx, f, comma)
	if err != nil {
		return nil, eris.Wrapf(err, "parsing %s", path)
	}
	return records, nil
}

// Read parses delimited facility rows. The first row holds the headers.
// Unparseable numbers read as missing; blank lines are skipped.
func Read(ctx context.Context, r io.Reader, comma rune) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "reading header")
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = canonicalHeader(h)
	}

	var out []Record
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, eris.Wrapf(err, "line %d", line)
		}
		values := map[string]string{}
		for i, v := range fields {
			if i >= len(columns) || columns[i] == "" {
				continue
			}
			if v = strings.TrimSpace(v); v != "" {
				values[columns[i]] = v
			}
		}
		if len(values) == 0 {
			continue
		}
		out = append(out, buildRecord(line, values))
	}
	return out, nil
}

func buildRecord(line int, values map[string]string) Record {
	name := values["name"]
	if name == "" {
		name = UnknownFacilityName
	}
	structured := map[string]string{}
	text := map[string]string{}
	for k, v := range values {
		switch {
		case textColumns[k]:
			text[k] = v
		case structuredColumns[k]:
			if k != "name" {
				structured[k] = v
			}
		default:
			structured[k] = v
		}
	}

	f := model.Facility{
		Name:           name,
		Country:        values["country"],
		Region:         values["region"],
		District:       values["district"],
		Lat:            parseFloat(values["lat"]),
		Lon:            parseFloat(values["lon"]),
		SourceRowID:    values["source_row_id"],
		FacilityType:   values["facility_type"],
		BedCount:       parseInt(values["bed_count"]),
		OperatingRooms: parseInt(values["operating_rooms"]),
		Structured:     structured,
		Text:           text,
	}
	row := model.RawRow{
		SourceRowID:    f.SourceRowID,
		FacilityType:   f.FacilityType,
		BedCount:       f.BedCount,
		OperatingRooms: f.OperatingRooms,
		Doctors:        parseInt(values["doctors"]),
		Nurses:         parseInt(values["nurses"]),
		Specialties:    splitList(values[model.FieldSpecialties]),
		Text:           text,
	}
	return Record{Line: line, Facility: f, Row: row.Clone()}
}

var listSplitRE = regexp.MustCompile(`[,;|]`)

func splitList(s string) []string {
	var out []string
	for _, part := range listSplitRE.Split(s, -1) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// parseInt accepts "12" and "12.0"; anything else reads as missing.
func parseInt(s string) *int {
	if s == "" {
		return nil
	}
	if v, err := strconv.Atoi(s); err == nil {
		return &v
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return nil
	}
	v := int(f)
	return &v
}
