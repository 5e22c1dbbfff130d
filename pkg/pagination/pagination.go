// Package pagination parses limit/offset query parameters and wraps list
// results with totals and navigation links.
package pagination

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is one page request.
type Params struct {
	Limit  int
	Offset int
}

// Parse reads limit and offset from q. Missing values take the defaults and
// limit is capped at MaxLimit; malformed or negative values are errors.
func Parse(q url.Values) (Params, error) {
	p := Params{Limit: DefaultLimit}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Params{}, fmt.Errorf("invalid limit %q", v)
		}
		p.Limit = min(n, MaxLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Params{}, fmt.Errorf("invalid offset %q", v)
		}
		p.Offset = n
	}
	return p, nil
}

// FromContext parses the request's query string.
func FromContext(c echo.Context) (Params, error) {
	return Parse(c.QueryParams())
}

func (p Params) hasNext(total int) bool { return p.Offset+p.Limit < total }

func (p Params) previousOffset() int { return max(p.Offset-p.Limit, 0) }

// Page is one page of a list result.
type Page[T any] struct {
	Data    []T    `json:"data"`
	Total   int    `json:"total"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	HasMore bool   `json:"has_more"`
	Links   []Link `json:"links,omitempty"`
}

// Link is a single navigation link.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// NewPage wraps items. A nil slice is rendered as an empty array.
func NewPage[T any](items []T, total int, p Params) *Page[T] {
	if items == nil {
		items = []T{}
	}
	return &Page[T]{
		Data:    items,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.hasNext(total),
	}
}

// WithLinks adds self, next and previous links derived from the request
// URL. Filters already in the query string are carried over.
func (pg *Page[T]) WithLinks(u *url.URL) *Page[T] {
	p := Params{Limit: pg.Limit, Offset: pg.Offset}
	link := func(rel string, offset int) Link {
		q := u.Query()
		q.Set("limit", strconv.Itoa(p.Limit))
		q.Set("offset", strconv.Itoa(offset))
		return Link{Relation: rel, URL: u.Path + "?" + q.Encode()}
	}

	pg.Links = []Link{link("self", p.Offset)}
	if p.hasNext(pg.Total) {
		pg.Links = append(pg.Links, link("next", p.Offset+p.Limit))
	}
	if p.Offset > 0 {
		pg.Links = append(pg.Links, link("previous", p.previousOffset()))
	}
	return pg
}
