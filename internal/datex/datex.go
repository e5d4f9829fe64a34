// Package datex decodes DGT DATEX II situation publications into canonical
// records. Two independent decoders exist, one per schema family; Parse picks
// one from the declared dialect and applies road classification afterwards.
package datex

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	"github.com/beevik/etree"
)

// Result is the outcome of decoding one feed document. Decoding never fails
// outright: a malformed document yields no records and a non-nil Err.
type Result struct {
	Records         []domain.Record
	PublicationTime *time.Time
	// Dropped counts situation records discarded for a missing id, type or coordinates.
	Dropped int
	// Err is set when the document itself could not be read.
	Err error
}

// Decoder turns raw feed bytes into canonical records.
type Decoder interface {
	Decode(data []byte) Result
}

// Parse decodes data with the decoder for dialect and classifies every record.
func Parse(dialect domain.Dialect, data []byte, logger *slog.Logger) Result {
	dec, err := ForDialect(dialect, logger)
	if err != nil {
		return Result{Err: err}
	}
	res := dec.Decode(data)
	for i := range res.Records {
		res.Records[i] = domain.Classify(res.Records[i])
	}
	return res
}

// ForDialect returns the decoder for a schema family.
func ForDialect(dialect domain.Dialect, logger *slog.Logger) (Decoder, error) {
	switch dialect {
	case domain.DialectA:
		return NewV36Decoder(logger), nil
	case domain.DialectB:
		return NewV10Decoder(logger), nil
	default:
		return nil, fmt.Errorf("unsupported dialect %d", dialect)
	}
}

// directions normalizes TPEG direction tokens; unknown tokens pass through.
var directions = map[string]string{
	"bothWays":    "Ambos sentidos",
	"both":        "Ambos sentidos",
	"positive":    "Creciente",
	"negative":    "Decreciente",
	"creciente":   "Creciente",
	"decreciente": "Decreciente",
}

func normalizeDirection(token string) *string {
	if token == "" {
		return nil
	}
	if d, ok := directions[token]; ok {
		return &d
	}
	return &token
}

// parseTime reads DATEX timestamps such as "2024-03-01T09:58:12.345+01:00".
// The offset is discarded, not applied; the wall clock is kept as UTC.
func parseTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if i := strings.IndexByte(value, '+'); i >= 0 {
		value = value[:i]
	}
	value = strings.TrimSuffix(value, "Z")

	// time.Parse accepts an optional fractional second after the seconds field.
	t, err := time.Parse("2006-01-02T15:04:05", value)
	if err != nil {
		return nil
	}
	return &t
}

func readRoot(data []byte) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("read xml: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.New("read xml: document has no root element")
	}
	return root, nil
}

// findText returns the trimmed text of the first element matching path, or "".
func findText(e *etree.Element, path string) string {
	if el := e.FindElement(path); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}

func optText(e *etree.Element, path string) *string {
	if s := findText(e, path); s != "" {
		return &s
	}
	return nil
}

func firstOptText(e *etree.Element, paths ...string) *string {
	for _, p := range paths {
		if s := optText(e, p); s != nil {
			return s
		}
	}
	return nil
}

// pointCoordinates reads latitude/longitude under the first element matching path.
// Both values must be present and numeric.
func pointCoordinates(e *etree.Element, path string) (lat, lng float64, ok bool) {
	pt := e.FindElement(path)
	if pt == nil {
		return 0, 0, false
	}
	latText := findText(pt, "./latitude")
	lngText := findText(pt, "./longitude")
	if latText == "" || lngText == "" {
		return 0, 0, false
	}
	lat, errLat := strconv.ParseFloat(latText, 64)
	lng, errLng := strconv.ParseFloat(lngText, 64)
	if errLat != nil || errLng != nil {
		return 0, 0, false
	}
	return lat, lng, true
}

// coordinates prefers the "to" point of a linear location and falls back to "from".
func coordinates(record *etree.Element) (lat, lng float64, ok bool) {
	if lat, lng, ok = pointCoordinates(record, ".//to/pointCoordinates"); ok {
		return lat, lng, true
	}
	return pointCoordinates(record, ".//from/pointCoordinates")
}

func publicationTime(root *etree.Element) *time.Time {
	return parseTime(findText(root, ".//publicationTime"))
}
