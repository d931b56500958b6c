package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/media-scraper/internal/crawler"
)

// Catalog implements crawler.Catalog over the media, sources and cast tables.
type Catalog struct {
	pool Pool
	now  func() time.Time
}

// NewCatalog constructs a Catalog over an existing pool.
func NewCatalog(pool Pool) (*Catalog, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Catalog{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

const upsertMediaSQL = `
INSERT INTO media (page_url, name, description, thumbnail_url, date_added, duration, categories, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (page_url) DO UPDATE SET
	name = EXCLUDED.name,
	description = EXCLUDED.description,
	thumbnail_url = EXCLUDED.thumbnail_url,
	date_added = COALESCE(EXCLUDED.date_added, media.date_added),
	duration = EXCLUDED.duration,
	categories = EXCLUDED.categories,
	updated_at = EXCLUDED.updated_at
RETURNING id`

const upsertCastSQL = `
INSERT INTO cast_members (name, name_key, image_url)
VALUES ($1, $2, NULLIF($3, ''))
ON CONFLICT (name_key) DO UPDATE SET
	image_url = COALESCE(NULLIF(EXCLUDED.image_url, ''), cast_members.image_url)
RETURNING id, COALESCE(image_url, '')`

// UpsertMedia writes the record keyed by page URL in one transaction and
// replaces its sources and cast links.
func (c *Catalog) UpsertMedia(ctx context.Context, record crawler.MediaRecord) (stored crawler.MediaRecord, err error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return crawler.MediaRecord{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	record.UpdatedAt = c.now()
	categories := record.Categories
	if categories == nil {
		categories = []string{}
	}
	var id int64
	if err = tx.QueryRow(ctx, upsertMediaSQL,
		record.PageURL,
		record.Name,
		record.Description,
		record.ThumbnailURL,
		record.DateAdded,
		record.Duration,
		categories,
		record.UpdatedAt,
	).Scan(&id); err != nil {
		return crawler.MediaRecord{}, fmt.Errorf("upsert media: %w", err)
	}

	if _, err = tx.Exec(ctx, `DELETE FROM sources WHERE media_id = $1`, id); err != nil {
		return crawler.MediaRecord{}, fmt.Errorf("clear sources: %w", err)
	}
	for _, source := range record.Sources {
		if _, err = tx.Exec(ctx, `INSERT INTO sources (media_id, label, url) VALUES ($1, $2, $3)`, id, source.Label, source.URL); err != nil {
			return crawler.MediaRecord{}, fmt.Errorf("insert source: %w", err)
		}
	}

	if _, err = tx.Exec(ctx, `DELETE FROM media_cast WHERE media_id = $1`, id); err != nil {
		return crawler.MediaRecord{}, fmt.Errorf("clear cast links: %w", err)
	}
	cast := make([]crawler.CastMember, 0, len(record.Cast))
	for _, member := range record.Cast {
		var (
			castID int64
			image  string
		)
		if err = tx.QueryRow(ctx, upsertCastSQL, member.Name, castKey(member.Name), member.ImageURL).Scan(&castID, &image); err != nil {
			return crawler.MediaRecord{}, fmt.Errorf("upsert cast member: %w", err)
		}
		if _, err = tx.Exec(ctx, `INSERT INTO media_cast (media_id, cast_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, id, castID); err != nil {
			return crawler.MediaRecord{}, fmt.Errorf("link cast member: %w", err)
		}
		cast = append(cast, crawler.CastMember{ID: strconv.FormatInt(castID, 10), Name: member.Name, ImageURL: image})
	}

	if err = tx.Commit(ctx); err != nil {
		return crawler.MediaRecord{}, fmt.Errorf("commit upsert: %w", err)
	}
	record.ID = strconv.FormatInt(id, 10)
	record.Cast = cast
	return record, nil
}

// ExistingLinks reports which page URLs already have a record.
func (c *Catalog) ExistingLinks(ctx context.Context, pageURLs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(pageURLs))
	if len(pageURLs) == 0 {
		return out, nil
	}
	rows, err := c.pool.Query(ctx, `SELECT page_url FROM media WHERE page_url = ANY($1)`, pageURLs)
	if err != nil {
		return nil, fmt.Errorf("query existing links: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pageURL string
		if err := rows.Scan(&pageURL); err != nil {
			return nil, fmt.Errorf("scan existing link: %w", err)
		}
		out[pageURL] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate existing links: %w", err)
	}
	return out, nil
}

// FindCastByName returns nil when nobody has that name.
func (c *Catalog) FindCastByName(ctx context.Context, name string) (*crawler.CastMember, error) {
	var (
		id     int64
		member crawler.CastMember
	)
	err := c.pool.QueryRow(ctx,
		`SELECT id, name, COALESCE(image_url, '') FROM cast_members WHERE name_key = $1`,
		castKey(name),
	).Scan(&id, &member.Name, &member.ImageURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find cast member: %w", err)
	}
	member.ID = strconv.FormatInt(id, 10)
	return &member, nil
}

// ListSourcesPage returns a window of the source table ordered by id.
func (c *Catalog) ListSourcesPage(ctx context.Context, offset, limit int) (crawler.SourcePage, error) {
	var page crawler.SourcePage
	if err := c.pool.QueryRow(ctx, `SELECT count(*) FROM sources`).Scan(&page.Total); err != nil {
		return crawler.SourcePage{}, fmt.Errorf("count sources: %w", err)
	}
	rows, err := c.pool.Query(ctx, `SELECT id, url, media_id FROM sources ORDER BY id OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return crawler.SourcePage{}, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, mediaID int64
			url         string
		)
		if err := rows.Scan(&id, &url, &mediaID); err != nil {
			return crawler.SourcePage{}, fmt.Errorf("scan source: %w", err)
		}
		page.Items = append(page.Items, crawler.SourceRef{
			ID:      strconv.FormatInt(id, 10),
			URL:     url,
			MediaID: strconv.FormatInt(mediaID, 10),
		})
	}
	if err := rows.Err(); err != nil {
		return crawler.SourcePage{}, fmt.Errorf("iterate sources: %w", err)
	}
	return page, nil
}

// DeleteSource removes one source row.
func (c *Catalog) DeleteSource(ctx context.Context, id string) error {
	return c.deleteByID(ctx, `DELETE FROM sources WHERE id = $1`, id, "source")
}

// DeleteMedia removes a record. Sources and cast links cascade.
func (c *Catalog) DeleteMedia(ctx context.Context, id string) error {
	return c.deleteByID(ctx, `DELETE FROM media WHERE id = $1`, id, "media")
}

// CountSourcesForMedia counts the remaining sources of a record.
func (c *Catalog) CountSourcesForMedia(ctx context.Context, mediaID string) (int, error) {
	id, err := strconv.ParseInt(mediaID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse media id %q: %w", mediaID, err)
	}
	var count int
	if err := c.pool.QueryRow(ctx, `SELECT count(*) FROM sources WHERE media_id = $1`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("count sources for media: %w", err)
	}
	return count, nil
}

func (c *Catalog) deleteByID(ctx context.Context, query, rawID, entity string) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s id %q: %w", entity, rawID, err)
	}
	tag, err := c.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", entity, err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

func castKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
