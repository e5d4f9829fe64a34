package datex

import (
	"log/slog"
	"strings"

	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	"github.com/beevik/etree"
)

// V36Decoder reads DATEX II v3.6 publications (DGT Nacional). Situations carry
// one or more situation records; Spanish administrative areas come from the
// locationReferencingSpanishExtension block of the location point.
type V36Decoder struct {
	logger *slog.Logger
}

// NewV36Decoder creates a decoder for dialect A.
func NewV36Decoder(logger *slog.Logger) *V36Decoder {
	return &V36Decoder{logger: logger}
}

func (d *V36Decoder) Decode(data []byte) Result {
	root, err := readRoot(data)
	if err != nil {
		d.logger.Error("failed to parse v3.6 feed", "error", err)
		return Result{Err: err}
	}

	res := Result{PublicationTime: publicationTime(root)}

	for _, situation := range root.FindElements(".//situation") {
		situationID := situation.SelectAttrValue("id", "")
		severity := optText(situation, "./overallSeverity")

		for _, record := range situation.FindElements("./situationRecord") {
			rec, ok := d.decodeRecord(record, situationID, severity)
			if !ok {
				res.Dropped++
				continue
			}
			res.Records = append(res.Records, rec)
		}
	}

	d.logger.Info("parsed v3.6 feed", "records", len(res.Records), "dropped", res.Dropped)
	return res
}

func (d *V36Decoder) decodeRecord(record *etree.Element, situationID string, severity *string) (domain.Record, bool) {
	id := record.SelectAttrValue("id", situationID)
	causeType := findText(record, ".//causeType")
	lat, lng, hasCoords := coordinates(record)

	if id == "" || causeType == "" || !hasCoords {
		d.logger.Debug("dropping v3.6 situation record",
			"record_id", id,
			"has_cause", causeType != "",
			"has_coordinates", hasCoords,
		)
		return domain.Record{}, false
	}

	rec := domain.Record{
		ExternalID:           id,
		Lat:                  lat,
		Lng:                  lng,
		IncidentType:         causeType,
		DetailedCauseType:    detailedCause(record),
		RoadName:             optText(record, ".//roadName"),
		Severity:             severity,
		Direction:            normalizeDirection(findText(record, ".//tpegDirection")),
		PK:                   optText(record, ".//referencePointDistance"),
		ActivationTime:       parseTime(findText(record, ".//situationRecordCreationTime")),
		SourceIdentification: optText(record, ".//sourceIdentification"),
	}

	if ext := record.FindElement(".//extendedTpegNonJunctionPoint"); ext != nil {
		rec.Municipality = optText(ext, "./municipality")
		rec.Province = optText(ext, "./province")
		rec.AutonomousCommunity = optText(ext, "./autonomousCommunity")
	}

	return rec, true
}

// detailedCause reads the typed value inside detailedCauseType, e.g.
// <vehicleObstructionType>vehicleStuck</vehicleObstructionType>.
func detailedCause(record *etree.Element) *string {
	dct := record.FindElement(".//detailedCauseType")
	if dct == nil {
		return nil
	}
	for _, child := range dct.ChildElements() {
		if s := strings.TrimSpace(child.Text()); s != "" {
			return &s
		}
	}
	if s := strings.TrimSpace(dct.Text()); s != "" {
		return &s
	}
	return nil
}
