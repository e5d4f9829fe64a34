package feed

import (
	"fmt"

	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
)

// Kind classifies why a feed download failed.
type Kind string

const (
	KindTimeout    Kind = "timeout"
	KindHTTPStatus Kind = "http_status"
	KindTransport  Kind = "transport"
	KindOther      Kind = "other"
)

// FetchError describes a failed download of one source.
type FetchError struct {
	Source     domain.Source
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("fetch %s: http status %d", e.Source, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
