package models

// Pagination describes where a page sits in the full result set.
type Pagination struct {
	Page            int  `json:"page"`
	Limit           int  `json:"limit"`
	Total           int  `json:"total"`
	TotalPages      int  `json:"total_pages"`
	HasPreviousPage bool `json:"has_previous_page"`
	HasNextPage     bool `json:"has_next_page"`
}

// NormalizePage clamps page to at least 1 and limit into [minLimit, maxLimit].
// A non-positive limit becomes minLimit; maxLimit <= 0 disables the cap.
func NormalizePage(page, limit, minLimit, maxLimit int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if minLimit <= 0 {
		minLimit = 1
	}
	if limit <= 0 {
		limit = minLimit
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	return page, limit
}

// Offset returns the row offset of page for the given limit.
func Offset(page, limit int) int {
	if page <= 1 {
		return 0
	}
	return (page - 1) * limit
}

// NewPagination computes page metadata. total=0 yields zero pages and no
// neighbours in either direction.
func NewPagination(page, limit, total int) Pagination {
	totalPages := 0
	if total > 0 && limit > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return Pagination{
		Page:            page,
		Limit:           limit,
		Total:           total,
		TotalPages:      totalPages,
		HasPreviousPage: total > 0 && page > 1,
		HasNextPage:     page < totalPages,
	}
}
