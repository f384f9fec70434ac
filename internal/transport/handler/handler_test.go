package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trunov/secondhand/internal/config"
	"github.com/trunov/secondhand/internal/entities"
)

type fakeUseCase struct {
	params   CreateListingParams
	files    int
	createFn func() (entities.Listing, error)
	feed     []entities.Listing
	limit    int
	getErr   error
	deleted  string
	draft    entities.ListingDraft
	parseErr error
}

func (f *fakeUseCase) CreateListing(_ context.Context, params CreateListingParams, files []*multipart.FileHeader) (entities.Listing, error) {
	f.params = params
	f.files = len(files)
	if f.createFn != nil {
		return f.createFn()
	}
	return entities.Listing{ID: "l-1", Description: params.Description, Photos: []string{}}, nil
}

func (f *fakeUseCase) ListFeed(_ context.Context, limit int) ([]entities.Listing, error) {
	f.limit = limit
	return f.feed, nil
}

func (f *fakeUseCase) GetListing(_ context.Context, id string) (entities.Listing, error) {
	if f.getErr != nil {
		return entities.Listing{}, f.getErr
	}
	return entities.Listing{ID: id}, nil
}

func (f *fakeUseCase) DeleteListing(_ context.Context, id string) error {
	f.deleted = id
	return nil
}

func (f *fakeUseCase) ParseListing(_ context.Context, _ string) (entities.ListingDraft, error) {
	return f.draft, f.parseErr
}

func testConfig() *config.Config {
	return &config.Config{Upload: config.UploadConfig{
		MaxRequestBodyMB:     10,
		MaxMultipartMemoryMB: 1,
		MaxPhotos:            3,
	}}
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.Set(1, 1, color.Black)
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, fields map[string]string, photos ...[]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for i, p := range photos {
		fw, err := mw.CreateFormFile(photosField, "photo"+string(rune('a'+i))+".jpg")
		require.NoError(t, err)
		_, err = fw.Write(p)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/listings", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateListing(t *testing.T) {
	uc := &fakeUseCase{}
	h := New(uc, testConfig(), zap.NewNop())

	req := multipartRequest(t, map[string]string{"description": " Blue jacket ", "price": "25.50"}, jpegBytes(t), jpegBytes(t))
	req.Header.Set(userIDHeader, "u-7")
	req.Header.Set(idempotencyHeader, "key-1")
	rec := httptest.NewRecorder()

	h.CreateListing(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Blue jacket", uc.params.Description)
	assert.Equal(t, "25.50", uc.params.Price)
	assert.Equal(t, "u-7", uc.params.UserID)
	assert.Equal(t, "key-1", uc.params.IdempotencyKey)
	assert.Equal(t, 2, uc.files)

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "l-1", body["listing"].(map[string]any)["id"])
}

func TestCreateListingTooManyPhotos(t *testing.T) {
	uc := &fakeUseCase{}
	h := New(uc, testConfig(), zap.NewNop())

	img := jpegBytes(t)
	rec := httptest.NewRecorder()
	h.CreateListing(rec, multipartRequest(t, map[string]string{"description": "x"}, img, img, img, img))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "too_many_photos", decode(t, rec)["kind"])
	assert.Zero(t, uc.files)
}

func TestCreateListingAcceptsMaxPhotos(t *testing.T) {
	uc := &fakeUseCase{}
	h := New(uc, testConfig(), zap.NewNop())

	img := jpegBytes(t)
	rec := httptest.NewRecorder()
	h.CreateListing(rec, multipartRequest(t, map[string]string{"description": "x"}, img, img, img))

	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 3, uc.files)
}

func TestCreateListingMissingDescription(t *testing.T) {
	h := New(&fakeUseCase{}, testConfig(), zap.NewNop())

	rec := httptest.NewRecorder()
	h.CreateListing(rec, multipartRequest(t, map[string]string{"description": "   "}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "validation_failed", body["kind"])
	assert.Equal(t, "is required", body["fields"].(map[string]any)["description"])
}

func TestCreateListingRejectsNonImage(t *testing.T) {
	uc := &fakeUseCase{}
	h := New(uc, testConfig(), zap.NewNop())

	rec := httptest.NewRecorder()
	h.CreateListing(rec, multipartRequest(t, map[string]string{"description": "x"}, []byte("just some text, not a photo")))

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, "unsupported_media", decode(t, rec)["kind"])
	assert.Zero(t, uc.files)
}

func TestCreateListingNotMultipart(t *testing.T) {
	h := New(&fakeUseCase{}, testConfig(), zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/listings", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.CreateListing(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateListingBodyTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Upload.MaxRequestBodyMB = 1
	h := New(&fakeUseCase{}, cfg, zap.NewNop())

	rec := httptest.NewRecorder()
	h.CreateListing(rec, multipartRequest(t, map[string]string{"description": "x"}, bytes.Repeat([]byte{0xff}, 2<<20)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCreateListingErrorKinds(t *testing.T) {
	cases := map[entities.ErrorKind]int{
		entities.KindValidation: http.StatusBadRequest,
		entities.KindDecode:     http.StatusUnprocessableEntity,
		entities.KindTimeout:    http.StatusUnprocessableEntity,
		entities.KindPersist:    http.StatusInternalServerError,
		entities.KindStaging:    http.StatusInternalServerError,
		entities.KindUpstream:   http.StatusBadGateway,
	}
	for kind, code := range cases {
		t.Run(string(kind), func(t *testing.T) {
			uc := &fakeUseCase{createFn: func() (entities.Listing, error) {
				return entities.Listing{}, entities.NewError(kind, "photo 1 failed", nil)
			}}
			h := New(uc, testConfig(), zap.NewNop())

			rec := httptest.NewRecorder()
			h.CreateListing(rec, multipartRequest(t, map[string]string{"description": "x"}, jpegBytes(t)))

			assert.Equal(t, code, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, string(kind), body["kind"])
			assert.Equal(t, "photo 1 failed", body["error"])
		})
	}
}

func TestStatusForUnauthorized(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, statusFor(entities.KindUnauthorized))
}

func TestListListingsPassesLimit(t *testing.T) {
	uc := &fakeUseCase{}
	h := New(uc, testConfig(), zap.NewNop())

	rec := httptest.NewRecorder()
	h.ListListings(rec, httptest.NewRequest(http.MethodGet, "/listings?limit=5", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, uc.limit)
	assert.Equal(t, []any{}, decode(t, rec)["listings"])
}

func withID(req *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestGetListingNotFound(t *testing.T) {
	uc := &fakeUseCase{getErr: entities.NewError(entities.KindNotFound, "listing not found", entities.ErrNotFound)}
	h := New(uc, testConfig(), zap.NewNop())

	rec := httptest.NewRecorder()
	h.GetListing(rec, withID(httptest.NewRequest(http.MethodGet, "/listings/nope", nil), "nope"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode(t, rec)["kind"])
}

func TestDeleteListing(t *testing.T) {
	uc := &fakeUseCase{}
	h := New(uc, testConfig(), zap.NewNop())

	rec := httptest.NewRecorder()
	h.DeleteListing(rec, withID(httptest.NewRequest(http.MethodDelete, "/admin/listings/l-9", nil), "l-9"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "l-9", uc.deleted)
}

func TestParseListing(t *testing.T) {
	price := 40.0
	uc := &fakeUseCase{draft: entities.ListingDraft{Description: "Denim jacket", Price: &price, StyleTags: []string{"vintage"}}}
	h := New(uc, testConfig(), zap.NewNop())

	rec := httptest.NewRecorder()
	h.ParseListing(rec, httptest.NewRequest(http.MethodPost, "/parse-listing", strings.NewReader(`{"message":"selling my denim jacket for 40"}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	draft := decode(t, rec)["draft"].(map[string]any)
	assert.Equal(t, "Denim jacket", draft["description"])
	assert.Equal(t, 40.0, draft["price"])
}

func TestParseListingUpstreamFailure(t *testing.T) {
	uc := &fakeUseCase{parseErr: entities.NewError(entities.KindUpstream, "listing parser unavailable", nil)}
	h := New(uc, testConfig(), zap.NewNop())

	rec := httptest.NewRecorder()
	h.ParseListing(rec, httptest.NewRequest(http.MethodPost, "/parse-listing", strings.NewReader(`{"message":"hi"}`)))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestParseListingEmptyMessage(t *testing.T) {
	h := New(&fakeUseCase{}, testConfig(), zap.NewNop())

	rec := httptest.NewRecorder()
	h.ParseListing(rec, httptest.NewRequest(http.MethodPost, "/parse-listing", strings.NewReader(`{"message":"  "}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", decode(t, rec)["kind"])
}
