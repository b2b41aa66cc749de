package pagination

const (
	defaultLimit = 50
	maxLimit     = 500
)

type Pagination struct {
	Limit  int `form:"limit,default=50" validate:"gte=1,lte=500"`
	Offset int `form:"offset,default=0" validate:"gte=0"`
}

// Normalized clamps the window to sane bounds.
func (p Pagination) Normalized() Pagination {
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
