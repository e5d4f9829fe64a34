package datex

import (
	"log/slog"
	"strings"

	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	"github.com/beevik/etree"
)

const (
	// recordTypePrefix is the namespace prefix regional feeds put on xsi:type values.
	recordTypePrefix = "_0:"
	// maintenanceRecordType is remapped to the cause code the national feed uses.
	maintenanceRecordType = "MaintenanceWorks"
	roadMaintenance       = "roadMaintenance"
	unknownIncidentType   = "unknown"
)

// detailedCauseElements hold the sub-classification of a v1.0 record, in lookup order.
var detailedCauseElements = []string{
	".//vehicleObstructionType",
	".//environmentalObstructionType",
	".//obstructionType",
	".//accidentType",
	".//roadMaintenanceType",
}

// V10Decoder reads DATEX II v1.0 publications (Pais Vasco, Cataluna). Element
// and attribute names are matched without regard to their namespace, so the
// decoder is indifferent to how each publisher prefixes the schema.
type V10Decoder struct {
	logger *slog.Logger
}

// NewV10Decoder creates a decoder for dialect B.
func NewV10Decoder(logger *slog.Logger) *V10Decoder {
	return &V10Decoder{logger: logger}
}

func (d *V10Decoder) Decode(data []byte) Result {
	root, err := readRoot(data)
	if err != nil {
		d.logger.Error("failed to parse v1.0 feed", "error", err)
		return Result{Err: err}
	}

	res := Result{PublicationTime: publicationTime(root)}

	for _, situation := range root.FindElements(".//situation") {
		situationID := situation.SelectAttrValue("id", "")

		for _, record := range situation.FindElements(".//situationRecord") {
			rec, ok := d.decodeRecord(record, situationID)
			if !ok {
				res.Dropped++
				continue
			}
			res.Records = append(res.Records, rec)
		}
	}

	d.logger.Info("parsed v1.0 feed", "records", len(res.Records), "dropped", res.Dropped)
	return res
}

func (d *V10Decoder) decodeRecord(record *etree.Element, situationID string) (domain.Record, bool) {
	id := record.SelectAttrValue("id", situationID)
	lat, lng, hasCoords := coordinates(record)

	if id == "" || !hasCoords {
		d.logger.Debug("dropping v1.0 situation record", "record_id", id, "has_coordinates", hasCoords)
		return domain.Record{}, false
	}

	rec := domain.Record{
		ExternalID:           id,
		Lat:                  lat,
		Lng:                  lng,
		IncidentType:         incidentType(record.SelectAttrValue("type", "")),
		DetailedCauseType:    firstOptText(record, detailedCauseElements...),
		Severity:             optText(record, ".//overallSeverity"),
		PK:                   optText(record, ".//referencePointDistance"),
		ActivationTime:       parseTime(findText(record, ".//situationRecordCreationTime")),
		SourceIdentification: optText(record, ".//sourceIdentification"),
	}

	rec.Direction = normalizeDirection(findText(record, ".//tpegDirection"))
	if rec.Direction == nil {
		rec.Direction = normalizeDirection(findText(record, ".//directionRelative"))
	}

	for _, name := range record.FindElements(".//name") {
		value := optText(name, "./descriptor/value")
		if value == nil {
			continue
		}
		switch findText(name, "./tpegDescriptorType") {
		case "linkName":
			rec.RoadName = value
		case "townName":
			rec.Municipality = value
		case "other":
			rec.Province = value
		}
	}

	if rec.RoadName == nil {
		rec.RoadName = firstOptText(record, ".//roadName/value", ".//roadNumber")
	}
	if rec.Province == nil {
		rec.Province = optText(record, ".//administrativeArea/value")
	}

	return rec, true
}

// incidentType derives the cause code from a record's xsi:type, e.g.
// "_0:MaintenanceWorks" → "roadMaintenance", "_0:Accident" → "Accident".
func incidentType(recordType string) string {
	t := strings.TrimPrefix(strings.TrimSpace(recordType), recordTypePrefix)
	switch t {
	case "":
		return unknownIncidentType
	case maintenanceRecordType:
		return roadMaintenance
	default:
		return t
	}
}
