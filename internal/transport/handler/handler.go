package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/trunov/secondhand/internal/config"
	"github.com/trunov/secondhand/internal/entities"
)

const (
	photosField        = "photos"
	userIDHeader       = "X-User-ID"
	idempotencyHeader  = "Idempotency-Key"
	maxParseBodyLength = 64 << 10
)

type UseCase interface {
	CreateListing(ctx context.Context, params CreateListingParams, files []*multipart.FileHeader) (entities.Listing, error)
	ListFeed(ctx context.Context, limit int) ([]entities.Listing, error)
	GetListing(ctx context.Context, id string) (entities.Listing, error)
	DeleteListing(ctx context.Context, id string) error
	ParseListing(ctx context.Context, message string) (entities.ListingDraft, error)
}

type Handler struct {
	useCase   UseCase
	cfg       *config.Config
	validator *validator.Validate
	log       *zap.Logger
}

func New(useCase UseCase, cfg *config.Config, log *zap.Logger) *Handler {
	return &Handler{
		useCase:   useCase,
		cfg:       cfg,
		validator: validator.New(),
		log:       log.Named("handler"),
	}
}

func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Upload.MaxRequestBodyMB<<20)

	maxMultipartMem := h.cfg.Upload.MaxMultipartMemoryMB
	if err := r.ParseMultipartForm(maxMultipartMem << 20); err != nil {
		writeMultipartError(w, err)
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			h.log.Warn("failed to remove multipart temp files", zap.Error(err))
		}
	}()

	files := r.MultipartForm.File[photosField]
	if len(files) > h.cfg.Upload.MaxPhotos {
		writeJSONError(w,
			fmt.Sprintf("at most %d photos per listing, got %d", h.cfg.Upload.MaxPhotos, len(files)),
			entities.KindTooManyPhotos, http.StatusBadRequest)
		return
	}

	params := CreateListingParams{
		Description:    strings.TrimSpace(r.FormValue("description")),
		Price:          strings.TrimSpace(r.FormValue("price")),
		UserID:         strings.TrimSpace(r.Header.Get(userIDHeader)),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotencyHeader)),
	}

	if err := h.validator.Struct(params); err != nil {
		writeValidationError(w, err)
		return
	}

	if err := sniffParts(files); err != nil {
		writeError(w, r, err)
		return
	}

	listing, err := h.useCase.CreateListing(r.Context(), params, files)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, listingResponse{Success: true, Listing: listing})
}

func (h *Handler) ListListings(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 0)

	listings, err := h.useCase.ListFeed(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if listings == nil {
		listings = []entities.Listing{}
	}

	writeJSON(w, http.StatusOK, feedResponse{Success: true, Listings: listings})
}

func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := h.useCase.GetListing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listingResponse{Success: true, Listing: listing})
}

func (h *Handler) DeleteListing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.useCase.DeleteListing(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (h *Handler) ParseListing(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxParseBodyLength)

	var req ParseListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid JSON body", entities.KindValidation, http.StatusBadRequest)
		return
	}
	req.Message = strings.TrimSpace(req.Message)

	if err := h.validator.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	draft, err := h.useCase.ParseListing(r.Context(), req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, draftResponse{Success: true, Draft: draft})
}

func (h *Handler) Ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
