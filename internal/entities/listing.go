package entities

import "time"

// Listing is a marketplace item. Photos holds root-relative public paths
// in submission order.
type Listing struct {
	ID          string    `json:"id" bson:"_id"`
	UserID      *string   `json:"user_id,omitempty" bson:"user_id,omitempty"`
	Description string    `json:"description" bson:"description"`
	AltText     string    `json:"alt_text" bson:"alt_text"`
	Price       *float64  `json:"price" bson:"price"`
	Photos      []string  `json:"photos" bson:"photos"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

// StagedFile is an uploaded part copied into transient storage.
type StagedFile struct {
	OriginalName string
	Path         string
	Size         int64
}

// NormalizedPhoto is a compressed JPEG produced from a StagedFile. It lives
// at ProcessingPath until the listing referencing it is stored.
type NormalizedPhoto struct {
	Name           string
	ProcessingPath string
	PublicPath     string
	Width          int
	Height         int
	Bytes          int64
}

// ListingDraft is what the text parser extracts from a free-form message.
type ListingDraft struct {
	Description string   `json:"description"`
	Price       *float64 `json:"price"`
	StyleTags   []string `json:"style_tags"`
}
