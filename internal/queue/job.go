package queue

// DerivativeJob is what we push to Redis Streams.
// No bytes here - workers read the published photo by Name.
type DerivativeJob struct {
	ListingID string `json:"listing_id"`
	Name      string `json:"name"` // file name inside the public dir, e.g. "1700000000000-coat-1a2b3c4d.jpg"
}
