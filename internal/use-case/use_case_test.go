package use_case

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trunov/secondhand/internal/entities"
	"github.com/trunov/secondhand/internal/processor"
	"github.com/trunov/secondhand/internal/queue"
	"github.com/trunov/secondhand/internal/staging"
	"github.com/trunov/secondhand/internal/transport/handler"
)

type memStore struct {
	mu        sync.Mutex
	listings  []entities.Listing
	insertErr error
	lastLimit int
}

func (s *memStore) InsertListing(_ context.Context, l entities.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.listings = append(s.listings, l)
	return nil
}

func (s *memStore) ListListings(_ context.Context, limit int) ([]entities.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLimit = limit
	out := make([]entities.Listing, 0, limit)
	for i := len(s.listings) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.listings[i])
	}
	return out, nil
}

func (s *memStore) GetListing(_ context.Context, id string) (entities.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listings {
		if l.ID == id {
			return l, nil
		}
	}
	return entities.Listing{}, fmt.Errorf("listing %s: %w", id, entities.ErrNotFound)
}

func (s *memStore) DeleteListing(_ context.Context, id string) (entities.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listings {
		if l.ID == id {
			s.listings = append(s.listings[:i], s.listings[i+1:]...)
			return l, nil
		}
	}
	return entities.Listing{}, fmt.Errorf("listing %s: %w", id, entities.ErrNotFound)
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listings)
}

type memIdempotency struct {
	keys map[string]string
}

func (m *memIdempotency) Lookup(_ context.Context, key string) (string, bool, error) {
	id, ok := m.keys[key]
	return id, ok, nil
}

func (m *memIdempotency) Remember(_ context.Context, key, id string) error {
	if _, ok := m.keys[key]; !ok {
		m.keys[key] = id
	}
	return nil
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.DerivativeJob
}

func (q *recordingQueue) EnqueueDerivative(_ context.Context, job queue.DerivativeJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

type recordingMirror struct {
	deleted []string
}

func (m *recordingMirror) KeyFor(name string) string { return "listings/" + name }

func (m *recordingMirror) Delete(_ context.Context, keys ...string) error {
	m.deleted = append(m.deleted, keys...)
	return nil
}

type countingCache struct {
	invalidated int
	stored      int
}

func (c *countingCache) GetFeed(context.Context, int) ([]entities.Listing, bool) { return nil, false }
func (c *countingCache) StoreFeed(context.Context, int, []entities.Listing) { c.stored++ }
func (c *countingCache) InvalidateFeed(context.Context) { c.invalidated++ }

// slowStore holds ListListings until release is closed.
type slowStore struct {
	*memStore
	started chan struct{}
	release chan struct{}
}

func (s *slowStore) ListListings(ctx context.Context, limit int) ([]entities.Listing, error) {
	close(s.started)
	<-s.release
	return s.memStore.ListListings(ctx, limit)
}

type env struct {
	uc         *useCase
	store      *memStore
	queue      *recordingQueue
	mirror     *recordingMirror
	cache      *countingCache
	temp       string
	processing string
	public     string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		store:      &memStore{},
		queue:      &recordingQueue{},
		mirror:     &recordingMirror{},
		cache:      &countingCache{},
		temp:       filepath.Join(root, "temp"),
		processing: filepath.Join(root, "temp", "processing"),
		public:     filepath.Join(root, "uploads"),
	}
	require.NoError(t, os.MkdirAll(e.public, 0o755))

	stager, err := staging.New(e.temp, zap.NewNop())
	require.NoError(t, err)
	norm, err := processor.NewNormalizer(processor.Options{
		OutDir:       e.processing,
		PublicPrefix: "/uploads",
		MaxWidth:     1024,
		Quality:      70,
		Timeout:      10 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)

	e.uc = New(Deps{
		Store:       e.store,
		Stager:      stager,
		Normalizer:  norm,
		Cache:       e.cache,
		Idempotency: &memIdempotency{keys: map[string]string{}},
		Queue:       e.queue,
		Mirror:      e.mirror,
		Log:         zap.NewNop(),
	}, Settings{MaxPhotos: 24, Workers: 4, PublicDir: e.public})
	return e
}

// files lists regular files directly inside dir.
func files(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out
}

func photo(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

type upload struct {
	name string
	body []byte
}

func uploads(t *testing.T, parts ...upload) []*multipart.FileHeader {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		fw, err := w.CreateFormFile("photos", p.name)
		require.NoError(t, err)
		_, err = fw.Write(p.body)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	form, err := multipart.NewReader(&buf, w.Boundary()).ReadForm(32 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = form.RemoveAll() })
	return form.File["photos"]
}

func TestCreateListingBlueJacket(t *testing.T) {
	e := newEnv(t)

	params := handler.CreateListingParams{Description: " Blue jacket ", Price: "25.50", UserID: "u-1"}
	l, err := e.uc.CreateListing(context.Background(), params, uploads(t, upload{"jacket.jpg", photo(t, 2000, 1500)}))
	require.NoError(t, err)

	assert.NotEmpty(t, l.ID)
	assert.Equal(t, "Blue jacket", l.Description)
	assert.Equal(t, "Blue jacket", l.AltText)
	require.NotNil(t, l.Price)
	assert.Equal(t, 25.5, *l.Price)
	require.NotNil(t, l.UserID)
	assert.Equal(t, "u-1", *l.UserID)
	require.Len(t, l.Photos, 1)
	assert.True(t, strings.HasPrefix(l.Photos[0], "/uploads/"))
	assert.False(t, l.CreatedAt.IsZero())

	name := strings.TrimPrefix(l.Photos[0], "/uploads/")
	f, err := os.Open(filepath.Join(e.public, name))
	require.NoError(t, err)
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Width)

	assert.Empty(t, files(t, e.temp), "transient files must be removed")
	assert.Empty(t, files(t, e.processing))
	assert.Equal(t, 1, e.store.count())
	assert.Len(t, e.queue.jobs, 1)
	assert.Equal(t, 1, e.cache.invalidated)
}

func TestCreateListingRejectsFreePrice(t *testing.T) {
	e := newEnv(t)

	_, err := e.uc.CreateListing(context.Background(),
		handler.CreateListingParams{Description: "Blue jacket", Price: "free"},
		uploads(t, upload{"a.jpg", photo(t, 10, 10)}))

	assert.Equal(t, entities.KindValidation, entities.KindOf(err))
	assert.Zero(t, e.store.count())
	assert.Empty(t, files(t, e.temp))
}

func TestCreateListingRequiresDescription(t *testing.T) {
	e := newEnv(t)

	_, err := e.uc.CreateListing(context.Background(), handler.CreateListingParams{Description: "   "}, nil)
	assert.Equal(t, entities.KindValidation, entities.KindOf(err))
}

func TestCreateListingWithoutPhotos(t *testing.T) {
	e := newEnv(t)

	l, err := e.uc.CreateListing(context.Background(), handler.CreateListingParams{Description: "Lamp"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, l.Photos)
	assert.Empty(t, l.Photos)
	assert.Nil(t, l.Price)
	assert.Nil(t, l.UserID)
	assert.Equal(t, 1, e.store.count())
}

func TestCreateListingTooManyPhotos(t *testing.T) {
	e := newEnv(t)

	parts := make([]upload, 25)
	for i := range parts {
		parts[i] = upload{fmt.Sprintf("p%02d.jpg", i), []byte("x")}
	}
	_, err := e.uc.CreateListing(context.Background(), handler.CreateListingParams{Description: "Lots"}, uploads(t, parts...))

	assert.Equal(t, entities.KindTooManyPhotos, entities.KindOf(err))
	assert.Zero(t, e.store.count())
	assert.Empty(t, files(t, e.temp))
	assert.Empty(t, files(t, e.public))
}

func TestCreateListingKeepsPhotoOrder(t *testing.T) {
	e := newEnv(t)

	parts := make([]upload, 8)
	for i := range parts {
		parts[i] = upload{fmt.Sprintf("p%02d.jpg", i), photo(t, 50+i*10, 40)}
	}
	l, err := e.uc.CreateListing(context.Background(), handler.CreateListingParams{Description: "Set"}, uploads(t, parts...))
	require.NoError(t, err)

	require.Len(t, l.Photos, len(parts))
	for i, p := range l.Photos {
		assert.Contains(t, p, fmt.Sprintf("-p%02d-", i))
	}
	assert.Len(t, files(t, e.public), len(parts))
	assert.Empty(t, files(t, e.temp))
}

func TestCreateListingAcceptsMaxPhotos(t *testing.T) {
	e := newEnv(t)

	parts := make([]upload, 24)
	for i := range parts {
		parts[i] = upload{fmt.Sprintf("p%02d.jpg", i), photo(t, 20+i, 20)}
	}
	l, err := e.uc.CreateListing(context.Background(), handler.CreateListingParams{Description: "Wardrobe"}, uploads(t, parts...))
	require.NoError(t, err)

	require.Len(t, l.Photos, 24)
	for i, p := range l.Photos {
		assert.Contains(t, p, fmt.Sprintf("-p%02d-", i))
	}
	assert.Len(t, files(t, e.public), 24)
	assert.Empty(t, files(t, e.temp))
	assert.Empty(t, files(t, e.processing))
	assert.Len(t, e.queue.jobs, 24)
}

func TestCreateListingDecodeFailureIsAllOrNothing(t *testing.T) {
	e := newEnv(t)

	_, err := e.uc.CreateListing(context.Background(), handler.CreateListingParams{Description: "Broken"},
		uploads(t,
			upload{"good.jpg", photo(t, 40, 40)},
			upload{"broken.jpg", []byte("definitely not a jpeg")},
			upload{"other.jpg", photo(t, 40, 40)},
		))

	require.Error(t, err)
	assert.Equal(t, entities.KindDecode, entities.KindOf(err))
	assert.Contains(t, entities.MessageOf(err), "photo 2 (broken.jpg)")

	assert.Zero(t, e.store.count())
	assert.Empty(t, files(t, e.public))
	assert.Empty(t, files(t, e.processing))

	left := files(t, e.temp)
	require.Len(t, left, 1, "only the failed transient file is kept")
	assert.Contains(t, left[0], "broken")
	assert.Empty(t, e.queue.jobs)
}

func TestCreateListingPersistFailureCleansUp(t *testing.T) {
	e := newEnv(t)
	e.store.insertErr = errors.New("connection refused")

	_, err := e.uc.CreateListing(context.Background(), handler.CreateListingParams{Description: "Chair"},
		uploads(t, upload{"a.jpg", photo(t, 30, 30)}))

	assert.Equal(t, entities.KindPersist, entities.KindOf(err))
	assert.Empty(t, files(t, e.temp))
	assert.Empty(t, files(t, e.processing))
	assert.Empty(t, files(t, e.public))
}

func TestCreateListingPublishFailureRollsBack(t *testing.T) {
	e := newEnv(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	e.uc.settings.PublicDir = blocker

	_, err := e.uc.CreateListing(context.Background(), handler.CreateListingParams{Description: "Desk"},
		uploads(t, upload{"a.jpg", photo(t, 30, 30)}, upload{"b.jpg", photo(t, 30, 30)}))

	assert.Equal(t, entities.KindPersist, entities.KindOf(err))
	assert.Zero(t, e.store.count(), "listing must be deleted again")
	assert.Empty(t, files(t, e.processing))
}

func TestCreateListingCanceled(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.uc.CreateListing(ctx, handler.CreateListingParams{Description: "Late"},
		uploads(t, upload{"a.jpg", photo(t, 30, 30)}))

	require.Error(t, err)
	assert.Zero(t, e.store.count())
	assert.Empty(t, files(t, e.temp))
	assert.Empty(t, files(t, e.public))
}

func TestCreateListingIdempotencyReplay(t *testing.T) {
	e := newEnv(t)
	params := handler.CreateListingParams{Description: "Boots", IdempotencyKey: "k-1"}

	first, err := e.uc.CreateListing(context.Background(), params, uploads(t, upload{"a.jpg", photo(t, 30, 30)}))
	require.NoError(t, err)
	second, err := e.uc.CreateListing(context.Background(), params, uploads(t, upload{"a.jpg", photo(t, 30, 30)}))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, e.store.count())
	assert.Len(t, files(t, e.public), 1)
	assert.Empty(t, files(t, e.temp))
}

func TestDeleteListingCascades(t *testing.T) {
	e := newEnv(t)
	l, err := e.uc.CreateListing(context.Background(), handler.CreateListingParams{Description: "Hat"},
		uploads(t, upload{"hat.jpg", photo(t, 30, 30)}))
	require.NoError(t, err)

	name := filepath.Base(l.Photos[0])
	require.NoError(t, os.WriteFile(filepath.Join(e.public, name+".webp"), []byte("webp"), 0o644))

	require.NoError(t, e.uc.DeleteListing(context.Background(), l.ID))

	assert.Empty(t, files(t, e.public))
	assert.Zero(t, e.store.count())
	assert.ElementsMatch(t, []string{"listings/" + name, "listings/" + name + ".webp"}, e.mirror.deleted)
	assert.Equal(t, 2, e.cache.invalidated)

	err = e.uc.DeleteListing(context.Background(), l.ID)
	assert.Equal(t, entities.KindNotFound, entities.KindOf(err))
}

func TestGetListingNotFound(t *testing.T) {
	e := newEnv(t)

	_, err := e.uc.GetListing(context.Background(), "missing")
	assert.Equal(t, entities.KindNotFound, entities.KindOf(err))
}

func TestListFeedClampsLimit(t *testing.T) {
	e := newEnv(t)

	for limit, want := range map[int]int{0: 100, -5: 100, 7: 7, 500: 100} {
		_, err := e.uc.ListFeed(context.Background(), limit)
		require.NoError(t, err)
		assert.Equal(t, want, e.store.lastLimit, "limit %d", limit)
	}
}

func TestListFeedNewestFirst(t *testing.T) {
	e := newEnv(t)
	for _, d := range []string{"one", "two", "three"} {
		_, err := e.uc.CreateListing(context.Background(), handler.CreateListingParams{Description: d}, nil)
		require.NoError(t, err)
	}

	feed, err := e.uc.ListFeed(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, feed, 2)
	assert.Equal(t, "three", feed[0].Description)
	assert.Equal(t, "two", feed[1].Description)
}

func TestParseListingWithoutParser(t *testing.T) {
	e := newEnv(t)

	_, err := e.uc.ParseListing(context.Background(), "selling a bike")
	assert.Equal(t, entities.KindUpstream, entities.KindOf(err))

	_, err = e.uc.ParseListing(context.Background(), " ")
	assert.Equal(t, entities.KindValidation, entities.KindOf(err))
}

func TestListFeedSkipsCacheAfterConcurrentInvalidation(t *testing.T) {
	e := newEnv(t)
	slow := &slowStore{memStore: e.store, started: make(chan struct{}), release: make(chan struct{})}
	e.uc.store = slow

	done := make(chan error, 1)
	go func() {
		_, err := e.uc.ListFeed(context.Background(), 10)
		done <- err
	}()

	<-slow.started
	_, err := e.uc.CreateListing(context.Background(), handler.CreateListingParams{Description: "Fresh"}, nil)
	require.NoError(t, err)
	close(slow.release)
	require.NoError(t, <-done)

	assert.Zero(t, e.cache.stored, "a read that raced an invalidation must not be cached")

	e.uc.store = e.store
	_, err = e.uc.ListFeed(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, e.cache.stored)
}
