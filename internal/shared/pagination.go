package shared

import (
	"net/url"
	"strconv"
)

const (
	defaultPerPage = 50
	maxPerPage     = 500
)

// Pagination describes a page of a listing.
type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

// NewPagination normalises page and perPage.
func NewPagination(page, perPage int) Pagination {
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	if page <= 0 {
		page = 1
	}
	return Pagination{Page: page, PerPage: perPage}
}

// PaginationFromQuery reads page and per_page query parameters. Malformed values fall
// back to the defaults.
func PaginationFromQuery(values url.Values) Pagination {
	page, _ := strconv.Atoi(values.Get("page"))
	perPage, _ := strconv.Atoi(values.Get("per_page"))
	return NewPagination(page, perPage)
}

// Limit returns the number of rows on the page.
func (p Pagination) Limit() int { return p.PerPage }

// Offset returns the number of rows before the page.
func (p Pagination) Offset() int { return (p.Page - 1) * p.PerPage }
