package handler

import "github.com/trunov/secondhand/internal/entities"

type CreateListingParams struct {
	Description string `validate:"required,max=2000"` // listings.description (NOT NULL)
	Price       string `validate:"omitempty,max=32"`  // parsed into listings.price
	UserID      string `validate:"omitempty,max=64"`  // from X-User-ID

	IdempotencyKey string `validate:"omitempty,max=128"` // from Idempotency-Key
}

type ParseListingRequest struct {
	Message string `json:"message" validate:"required,max=4000"`
}

type APIError struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Kind    string            `json:"kind"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type listingResponse struct {
	Success bool             `json:"success"`
	Listing entities.Listing `json:"listing"`
}

type feedResponse struct {
	Success  bool               `json:"success"`
	Listings []entities.Listing `json:"listings"`
}

type draftResponse struct {
	Success bool                  `json:"success"`
	Draft   entities.ListingDraft `json:"draft"`
}
