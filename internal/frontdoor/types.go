package frontdoor

// HitRecord counts redirects served for one source path.
type HitRecord struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Status      int    `json:"status"`
	Count       uint64 `json:"count"`

	// FirstAt and LastAt are unix nanoseconds in UTC.
	FirstAt int64 `json:"firstAt"`
	LastAt  int64 `json:"lastAt"`
}
