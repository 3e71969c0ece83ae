// Package pagination extracts FHIR paging parameters from a request.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultCount = 20
	MaxCount     = 100
)

// Params holds the page window requested by the client.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads _count and _offset from the request. Parameters travel in
// the query string, or in the form body on POST _search. Absent or malformed
// values fall back to the defaults; _count is capped so a client cannot force
// an unbounded page.
func FromContext(c echo.Context) Params {
	limit := intParam(c, "_count")
	if limit <= 0 {
		limit = DefaultCount
	}
	if limit > MaxCount {
		limit = MaxCount
	}

	offset := intParam(c, "_offset")
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

func intParam(c echo.Context, name string) int {
	v := c.QueryParam(name)
	if v == "" {
		v = c.FormValue(name)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
