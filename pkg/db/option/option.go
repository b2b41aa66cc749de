package option

import (
	"clipforge-controlplane/pkg/db/pagination"

	"gorm.io/gorm"
)

// QueryOption is a composable gorm scope applied to repository queries.
type QueryOption func(*gorm.DB) *gorm.DB

func Apply(tx *gorm.DB, opts ...QueryOption) *gorm.DB {
	for _, opt := range opts {
		tx = opt(tx)
	}
	return tx
}

// OrderBy appends an ORDER BY clause.
func OrderBy(expr string) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Order(expr)
	}
}

// Where appends an arbitrary condition.
func Where(query interface{}, args ...interface{}) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Where(query, args...)
	}
}

// Limit caps the result set size.
func Limit(n int) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		if n > 0 {
			return tx.Limit(n)
		}
		return tx
	}
}

// ApplyPagination enforces the pagination window on the query.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		n := p.Normalized()
		return tx.Limit(n.Limit).Offset(n.Offset)
	}
}
