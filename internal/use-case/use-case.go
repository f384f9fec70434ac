package use_case

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trunov/secondhand/internal/entities"
	"github.com/trunov/secondhand/internal/metrics"
	"github.com/trunov/secondhand/internal/queue"
	"github.com/trunov/secondhand/internal/staging"
	"github.com/trunov/secondhand/internal/transport/handler"
)

const (
	DefaultFeedLimit = 100
	MaxFeedLimit     = 100
)

type ListingStore interface {
	InsertListing(ctx context.Context, l entities.Listing) error
	ListListings(ctx context.Context, limit int) ([]entities.Listing, error)
	GetListing(ctx context.Context, id string) (entities.Listing, error)
	DeleteListing(ctx context.Context, id string) (entities.Listing, error)
}

type Stager interface {
	StageAll(ctx context.Context, files []*multipart.FileHeader) ([]entities.StagedFile, error)
	Remove(path string)
}

type Normalizer interface {
	Normalize(ctx context.Context, srcPath, originalName string) (entities.NormalizedPhoto, error)
}

type FeedCache interface {
	GetFeed(ctx context.Context, limit int) ([]entities.Listing, bool)
	StoreFeed(ctx context.Context, limit int, listings []entities.Listing)
	InvalidateFeed(ctx context.Context)
}

type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
	Remember(ctx context.Context, key, listingID string) error
}

type DerivativeQueue interface {
	EnqueueDerivative(ctx context.Context, job queue.DerivativeJob) error
}

type Mirror interface {
	KeyFor(name string) string
	Delete(ctx context.Context, keys ...string) error
}

type Parser interface {
	Parse(ctx context.Context, message string) (entities.ListingDraft, error)
}

// Deps lists collaborators. Store, Stager and Normalizer are required; the
// rest may be nil.
type Deps struct {
	Store       ListingStore
	Stager      Stager
	Normalizer  Normalizer
	Cache       FeedCache
	Idempotency IdempotencyStore
	Queue       DerivativeQueue
	Mirror      Mirror
	Parser      Parser
	Metrics     *metrics.Ingest
	Log         *zap.Logger
}

type Settings struct {
	MaxPhotos int
	Workers   int
	PublicDir string
}

type useCase struct {
	store       ListingStore
	stager      Stager
	normalizer  Normalizer
	cache       FeedCache
	idempotency IdempotencyStore
	wqueue      DerivativeQueue
	mirror      Mirror
	parser      Parser
	metrics     *metrics.Ingest
	log         *zap.Logger
	settings    Settings
	now         func() time.Time

	// feedGen counts invalidations. A feed read only populates the cache
	// when no invalidation happened while it ran.
	feedMu  sync.RWMutex
	feedGen uint64
}

func New(deps Deps, settings Settings) *useCase {
	if settings.Workers < 1 {
		settings.Workers = 1
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &useCase{
		store:       deps.Store,
		stager:      deps.Stager,
		normalizer:  deps.Normalizer,
		cache:       deps.Cache,
		idempotency: deps.Idempotency,
		wqueue:      deps.Queue,
		mirror:      deps.Mirror,
		parser:      deps.Parser,
		metrics:     deps.Metrics,
		log:         log,
		settings:    settings,
		now:         time.Now,
	}
}

// CreateListing stages, normalizes and stores one submission. Either the
// listing is stored with every photo published, or nothing is.
func (c *useCase) CreateListing(ctx context.Context, params handler.CreateListingParams, files []*multipart.FileHeader) (entities.Listing, error) {
	start := time.Now()
	listing, err := c.createListing(ctx, params, files)
	c.metrics.ObserveSubmission(len(files), time.Since(start), entities.KindOf(err))

	if err != nil {
		c.log.Warn("listing submission failed",
			zap.Int("photos", len(files)),
			zap.String("kind", string(entities.KindOf(err))),
			zap.Error(err))
		return entities.Listing{}, err
	}

	c.log.Info("listing created",
		zap.String("listing_id", listing.ID),
		zap.Int("photos", len(listing.Photos)),
		zap.Duration("took", time.Since(start)))
	return listing, nil
}

func (c *useCase) createListing(ctx context.Context, params handler.CreateListingParams, files []*multipart.FileHeader) (entities.Listing, error) {
	if len(files) > c.settings.MaxPhotos {
		return entities.Listing{}, entities.NewError(entities.KindTooManyPhotos,
			fmt.Sprintf("at most %d photos per listing, got %d", c.settings.MaxPhotos, len(files)), nil)
	}

	description := strings.TrimSpace(params.Description)
	if description == "" {
		return entities.Listing{}, entities.NewError(entities.KindValidation, "description is required", nil)
	}

	price, err := ParsePrice(params.Price)
	if err != nil {
		return entities.Listing{}, err
	}

	if existing, ok := c.replay(ctx, params.IdempotencyKey); ok {
		return existing, nil
	}

	staged, err := c.stager.StageAll(ctx, files)
	if err != nil {
		return entities.Listing{}, err
	}

	photos, err := c.normalizeAll(ctx, staged)
	if err != nil {
		return entities.Listing{}, err
	}

	listing := entities.Listing{
		ID:          uuid.NewString(),
		Description: description,
		AltText:     description,
		Price:       price,
		Photos:      make([]string, 0, len(photos)),
		CreatedAt:   c.now().UTC(),
	}
	if uid := strings.TrimSpace(params.UserID); uid != "" {
		listing.UserID = &uid
	}
	for _, p := range photos {
		listing.Photos = append(listing.Photos, p.PublicPath)
	}

	if err := c.store.InsertListing(ctx, listing); err != nil {
		c.discardProcessed(photos)
		return entities.Listing{}, entities.NewError(entities.KindPersist, "could not save listing", err)
	}

	if err := c.promote(photos); err != nil {
		if _, derr := c.store.DeleteListing(context.WithoutCancel(ctx), listing.ID); derr != nil {
			c.log.Error("failed to roll back listing after publish error",
				zap.String("listing_id", listing.ID),
				zap.Error(derr))
		}
		return entities.Listing{}, entities.NewError(entities.KindPersist, "could not publish photos", err)
	}

	c.afterCreate(ctx, listing, photos, params.IdempotencyKey)
	return listing, nil
}

func (c *useCase) replay(ctx context.Context, key string) (entities.Listing, bool) {
	if key == "" || c.idempotency == nil {
		return entities.Listing{}, false
	}

	id, ok, err := c.idempotency.Lookup(ctx, key)
	if err != nil {
		c.log.Warn("idempotency lookup failed", zap.Error(err))
		return entities.Listing{}, false
	}
	if !ok {
		return entities.Listing{}, false
	}

	listing, err := c.store.GetListing(ctx, id)
	if err != nil {
		c.log.Warn("idempotency key points to a missing listing",
			zap.String("listing_id", id),
			zap.Error(err))
		return entities.Listing{}, false
	}
	return listing, true
}

// normalizeAll processes staged files in parallel. Results are kept by index
// so photo order follows submission order. The first failure cancels the
// remaining photos and fails the whole batch.
func (c *useCase) normalizeAll(ctx context.Context, staged []entities.StagedFile) ([]entities.NormalizedPhoto, error) {
	photos := make([]entities.NormalizedPhoto, len(staged))
	failed := make([]bool, len(staged))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.settings.Workers)

	for i, sf := range staged {
		g.Go(func() error {
			start := time.Now()
			photo, err := c.normalizer.Normalize(gctx, sf.Path, sf.OriginalName)
			c.metrics.ObservePhoto(time.Since(start), photo.Bytes, entities.KindOf(err))
			if err != nil {
				failed[i] = !errors.Is(err, context.Canceled)
				return entities.NewError(entities.KindOf(err),
					fmt.Sprintf("photo %d (%s): %s", i+1, sf.OriginalName, entities.MessageOf(err)), err)
			}

			photos[i] = photo
			c.stager.Remove(sf.Path)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for i, sf := range staged {
			if failed[i] {
				// Kept for inspection; the sweeper removes it later.
				c.log.Warn("keeping transient file of failed photo",
					zap.String("path", sf.Path),
					zap.String("original_name", sf.OriginalName))
				continue
			}
			c.stager.Remove(sf.Path)
		}
		c.discardProcessed(photos)
		return nil, err
	}

	return photos, nil
}

// promote moves normalized photos into the public directory. On failure the
// photos already moved are removed together with the rest.
func (c *useCase) promote(photos []entities.NormalizedPhoto) error {
	for i, p := range photos {
		if err := staging.Move(p.ProcessingPath, c.publicFile(p.Name)); err != nil {
			for _, done := range photos[:i] {
				c.removeFile(c.publicFile(done.Name))
			}
			c.discardProcessed(photos[i:])
			return fmt.Errorf("publish %s: %w", p.Name, err)
		}
	}
	return nil
}

func (c *useCase) discardProcessed(photos []entities.NormalizedPhoto) {
	for _, p := range photos {
		if p.ProcessingPath != "" {
			c.removeFile(p.ProcessingPath)
		}
	}
}

func (c *useCase) afterCreate(ctx context.Context, listing entities.Listing, photos []entities.NormalizedPhoto, key string) {
	c.invalidateFeed(ctx)

	if key != "" && c.idempotency != nil {
		if err := c.idempotency.Remember(ctx, key, listing.ID); err != nil {
			c.log.Warn("failed to remember idempotency key", zap.String("listing_id", listing.ID), zap.Error(err))
		}
	}

	if c.wqueue == nil {
		return
	}
	for _, p := range photos {
		job := queue.DerivativeJob{ListingID: listing.ID, Name: p.Name}
		if err := c.wqueue.EnqueueDerivative(ctx, job); err != nil {
			c.log.Warn("failed to enqueue webp derivative",
				zap.String("listing_id", listing.ID),
				zap.String("photo", p.Name),
				zap.Error(err))
		}
	}
}

// ListFeed returns the newest listings. limit is clamped to 1..MaxFeedLimit.
func (c *useCase) ListFeed(ctx context.Context, limit int) ([]entities.Listing, error) {
	if limit <= 0 {
		limit = DefaultFeedLimit
	}
	if limit > MaxFeedLimit {
		limit = MaxFeedLimit
	}

	if c.cache == nil {
		return c.loadFeed(ctx, limit)
	}

	if listings, ok := c.cache.GetFeed(ctx, limit); ok {
		return listings, nil
	}

	c.feedMu.RLock()
	gen := c.feedGen
	c.feedMu.RUnlock()

	listings, err := c.loadFeed(ctx, limit)
	if err != nil {
		return nil, err
	}

	c.feedMu.RLock()
	if c.feedGen == gen {
		c.cache.StoreFeed(ctx, limit, listings)
	}
	c.feedMu.RUnlock()
	return listings, nil
}

func (c *useCase) loadFeed(ctx context.Context, limit int) ([]entities.Listing, error) {
	listings, err := c.store.ListListings(ctx, limit)
	if err != nil {
		return nil, entities.NewError(entities.KindInternal, "could not load listings", err)
	}
	return listings, nil
}

func (c *useCase) invalidateFeed(ctx context.Context) {
	if c.cache == nil {
		return
	}
	c.feedMu.Lock()
	defer c.feedMu.Unlock()
	c.feedGen++
	c.cache.InvalidateFeed(ctx)
}

func (c *useCase) GetListing(ctx context.Context, id string) (entities.Listing, error) {
	listing, err := c.store.GetListing(ctx, id)
	if err != nil {
		return entities.Listing{}, storeError(err)
	}
	return listing, nil
}

// DeleteListing removes a listing and, best-effort, every file derived from
// its photos: the public JPEG, its WebP sibling and mirrored objects.
func (c *useCase) DeleteListing(ctx context.Context, id string) error {
	listing, err := c.store.DeleteListing(ctx, id)
	if err != nil {
		return storeError(err)
	}

	c.invalidateFeed(ctx)

	keys := make([]string, 0, 2*len(listing.Photos))
	for _, p := range listing.Photos {
		name := path.Base(p)
		if name == "." || name == "/" {
			continue
		}
		c.removeFile(c.publicFile(name))
		c.removeFile(c.publicFile(name + ".webp"))
		if c.mirror != nil {
			keys = append(keys, c.mirror.KeyFor(name), c.mirror.KeyFor(name+".webp"))
		}
	}

	if c.mirror != nil && len(keys) > 0 {
		if err := c.mirror.Delete(ctx, keys...); err != nil {
			c.log.Warn("failed to delete mirrored photos", zap.String("listing_id", id), zap.Error(err))
		}
	}

	c.log.Info("listing deleted", zap.String("listing_id", id), zap.Int("photos", len(listing.Photos)))
	return nil
}

func (c *useCase) ParseListing(ctx context.Context, message string) (entities.ListingDraft, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return entities.ListingDraft{}, entities.NewError(entities.KindValidation, "message is required", nil)
	}
	if c.parser == nil {
		return entities.ListingDraft{}, entities.NewError(entities.KindUpstream, "listing parser is not configured", nil)
	}
	return c.parser.Parse(ctx, message)
}

func (c *useCase) publicFile(name string) string {
	return filepath.Join(c.settings.PublicDir, name)
}

func (c *useCase) removeFile(p string) {
	if err := staging.Remove(p); err != nil {
		c.log.Warn("failed to remove file", zap.String("path", p), zap.Error(err))
	}
}

func storeError(err error) error {
	if errors.Is(err, entities.ErrNotFound) {
		return entities.NewError(entities.KindNotFound, "listing not found", err)
	}
	return entities.NewError(entities.KindInternal, "could not load listing", err)
}
