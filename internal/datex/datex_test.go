package datex

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func assertGolden(t *testing.T, name string, records []domain.Record) {
	t.Helper()
	out, err := json.MarshalIndent(records, "", "  ")
	require.NoError(t, err)
	g := goldie.New(t)
	g.Assert(t, name, append(out, '\n'))
}

func TestParse_V36Golden(t *testing.T) {
	res := Parse(domain.DialectA, loadFixture(t, "nacional_v36.xml"), discardLogger())

	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Dropped, "R3 has no cause type, R4 has no coordinates")
	require.NotNil(t, res.PublicationTime)
	assert.Equal(t, time.Date(2024, time.March, 1, 10, 15, 0, 0, time.UTC), *res.PublicationTime)
	assertGolden(t, "nacional_v36", res.Records)
}

func TestParse_V10Golden(t *testing.T) {
	res := Parse(domain.DialectB, loadFixture(t, "regional_v10.xml"), discardLogger())

	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Dropped, "BV4 has no coordinates")
	require.NotNil(t, res.PublicationTime)
	assert.Equal(t, time.Date(2024, time.March, 1, 10, 20, 0, 0, time.UTC), *res.PublicationTime)
	assertGolden(t, "regional_v10", res.Records)
}

func TestV36_FromPointFallback(t *testing.T) {
	xml := []byte(`<d2:payload xmlns:d2="http://levelC/schema/3/d2Payload" xmlns:sit="http://levelC/schema/3/situation" xmlns:loc="http://levelC/schema/3/locationReferencing">
  <sit:situation id="S1">
    <sit:situationRecord id="only-from">
      <sit:cause><sit:causeType>roadworks</sit:causeType></sit:cause>
      <loc:from><loc:pointCoordinates><loc:latitude>41.65</loc:latitude><loc:longitude>-0.88</loc:longitude></loc:pointCoordinates></loc:from>
    </sit:situationRecord>
  </sit:situation>
</d2:payload>`)

	res := NewV36Decoder(discardLogger()).Decode(xml)

	require.NoError(t, res.Err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "only-from", res.Records[0].ExternalID)
	assert.InDelta(t, 41.65, res.Records[0].Lat, 1e-9)
	assert.InDelta(t, -0.88, res.Records[0].Lng, 1e-9)
}

func TestV36_ToPointWins(t *testing.T) {
	xml := []byte(`<payload>
  <situation id="S1">
    <situationRecord id="both">
      <cause><causeType>accident</causeType></cause>
      <to><pointCoordinates><latitude>1.5</latitude><longitude>2.5</longitude></pointCoordinates></to>
      <from><pointCoordinates><latitude>3.5</latitude><longitude>4.5</longitude></pointCoordinates></from>
    </situationRecord>
  </situation>
</payload>`)

	res := NewV36Decoder(discardLogger()).Decode(xml)

	require.Len(t, res.Records, 1)
	assert.InDelta(t, 1.5, res.Records[0].Lat, 1e-9)
	assert.InDelta(t, 2.5, res.Records[0].Lng, 1e-9)
}

func TestDecode_MalformedXML(t *testing.T) {
	for _, dialect := range []domain.Dialect{domain.DialectA, domain.DialectB} {
		t.Run(dialect.String(), func(t *testing.T) {
			res := Parse(dialect, []byte(`<payload><situation id="x">`), discardLogger())
			require.Error(t, res.Err)
			assert.Empty(t, res.Records)
		})
	}
}

func TestDecode_EmptyInput(t *testing.T) {
	res := Parse(domain.DialectB, nil, discardLogger())
	require.Error(t, res.Err)
	assert.Empty(t, res.Records)
}

func TestDecode_ValidDocumentWithoutSituations(t *testing.T) {
	res := Parse(domain.DialectA, []byte(`<payload><publicationTime>2024-03-01T10:00:00</publicationTime></payload>`), discardLogger())
	require.NoError(t, res.Err)
	assert.Empty(t, res.Records)
	assert.Zero(t, res.Dropped)
}

func TestDecode_NonNumericCoordinatesDropped(t *testing.T) {
	xml := []byte(`<d2LogicalModel><situation id="S"><situationRecord id="R">
  <to><pointCoordinates><latitude>north</latitude><longitude>-2.1</longitude></pointCoordinates></to>
</situationRecord></situation></d2LogicalModel>`)

	res := NewV10Decoder(discardLogger()).Decode(xml)
	require.NoError(t, res.Err)
	assert.Empty(t, res.Records)
	assert.Equal(t, 1, res.Dropped)
}

func TestForDialect_Unknown(t *testing.T) {
	_, err := ForDialect(domain.Dialect(99), discardLogger())
	require.Error(t, err)

	res := Parse(domain.Dialect(99), []byte(`<a/>`), discardLogger())
	require.Error(t, res.Err)
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01T09:58:12", time.Date(2024, 3, 1, 9, 58, 12, 0, time.UTC)},
		{"2024-03-01T09:58:12.345", time.Date(2024, 3, 1, 9, 58, 12, 345000000, time.UTC)},
		{"2024-03-01T09:58:12+01:00", time.Date(2024, 3, 1, 9, 58, 12, 0, time.UTC)},
		{"2024-03-01T09:58:12.5+02:00", time.Date(2024, 3, 1, 9, 58, 12, 500000000, time.UTC)},
		{"2024-03-01T09:58:12Z", time.Date(2024, 3, 1, 9, 58, 12, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := parseTime(tt.in)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, *got)
		})
	}

	assert.Nil(t, parseTime(""))
	assert.Nil(t, parseTime("yesterday"))
	assert.Nil(t, parseTime("2024-03-01"))
}

func TestNormalizeDirection(t *testing.T) {
	assert.Equal(t, "Ambos sentidos", *normalizeDirection("bothWays"))
	assert.Equal(t, "Ambos sentidos", *normalizeDirection("both"))
	assert.Equal(t, "Creciente", *normalizeDirection("positive"))
	assert.Equal(t, "Decreciente", *normalizeDirection("negative"))
	assert.Equal(t, "westBound", *normalizeDirection("westBound"))
	assert.Nil(t, normalizeDirection(""))
}

func TestIncidentType(t *testing.T) {
	assert.Equal(t, "roadMaintenance", incidentType("_0:MaintenanceWorks"))
	assert.Equal(t, "Accident", incidentType("_0:Accident"))
	assert.Equal(t, "VehicleObstruction", incidentType("VehicleObstruction"))
	assert.Equal(t, "unknown", incidentType(""))
}
