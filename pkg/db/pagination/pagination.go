package pagination

const (
	DefaultLimit = 20
	MaxLimit     = 250
)

type Pagination struct {
	Limit  int `form:"limit,default=20"`
	Offset int `form:"offset,default=0"`
}

type PageInfo struct {
	Limit      int   `json:"limit"`
	Offset     int   `json:"offset"`
	Total      int64 `json:"total"`
	HasMore    bool  `json:"hasMore"`
	NextOffset *int  `json:"nextOffset,omitempty"`
}

// Normalize clamps limit into [1, MaxLimit] and offset to >= 0.
func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

func BuildPageInfo(p Pagination, returned int, total int64) PageInfo {
	p = p.Normalize()
	info := PageInfo{
		Limit:  p.Limit,
		Offset: p.Offset,
		Total:  total,
	}
	next := p.Offset + returned
	if returned > 0 && int64(next) < total {
		info.HasMore = true
		info.NextOffset = &next
	}
	return info
}
