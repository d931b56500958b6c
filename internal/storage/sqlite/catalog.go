package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/JakeFAU/media-scraper/internal/crawler"
)

// Catalog implements crawler.Catalog with gorm.
type Catalog struct {
	db *gorm.DB
}

// NewCatalog wraps an opened database.
func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// UpsertMedia writes the record keyed by page URL and replaces its sources and cast links.
func (c *Catalog) UpsertMedia(ctx context.Context, record crawler.MediaRecord) (crawler.MediaRecord, error) {
	record.UpdatedAt = time.Now().UTC()
	var cast []crawler.CastMember
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := mediaRow{
			PageURL:      record.PageURL,
			Name:         record.Name,
			Description:  record.Description,
			ThumbnailURL: record.ThumbnailURL,
			DateAdded:    record.DateAdded,
			Duration:     record.Duration,
			Categories:   record.Categories,
			UpdatedAt:    record.UpdatedAt,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "page_url"}},
			DoUpdates: append(
				clause.AssignmentColumns([]string{"name", "description", "thumbnail_url", "duration", "categories", "updated_at"}),
				clause.Assignment{Column: clause.Column{Name: "date_added"}, Value: gorm.Expr("COALESCE(excluded.date_added, media.date_added)")},
			),
		}).Create(&row).Error; err != nil {
			return fmt.Errorf("upsert media: %w", err)
		}
		// The conflict path does not reliably report the existing key.
		row = mediaRow{}
		if err := tx.Where("page_url = ?", record.PageURL).Take(&row).Error; err != nil {
			return fmt.Errorf("reload media: %w", err)
		}
		record.ID = strconv.FormatUint(uint64(row.ID), 10)
		record.DateAdded = row.DateAdded

		if err := tx.Where("media_id = ?", row.ID).Delete(&sourceRow{}).Error; err != nil {
			return fmt.Errorf("clear sources: %w", err)
		}
		if len(record.Sources) > 0 {
			sources := make([]sourceRow, 0, len(record.Sources))
			for _, s := range record.Sources {
				sources = append(sources, sourceRow{MediaID: row.ID, Label: s.Label, URL: s.URL})
			}
			if err := tx.Create(&sources).Error; err != nil {
				return fmt.Errorf("insert sources: %w", err)
			}
		}

		if err := tx.Where("media_id = ?", row.ID).Delete(&mediaCastRow{}).Error; err != nil {
			return fmt.Errorf("clear cast links: %w", err)
		}
		for _, member := range record.Cast {
			stored, err := upsertCast(tx, member)
			if err != nil {
				return err
			}
			link := mediaCastRow{MediaID: row.ID, CastID: stored.ID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
				return fmt.Errorf("link cast member: %w", err)
			}
			cast = append(cast, toCastMember(stored))
		}
		return nil
	})
	if err != nil {
		return crawler.MediaRecord{}, err
	}
	record.Cast = cast
	return record, nil
}

func upsertCast(tx *gorm.DB, member crawler.CastMember) (castRow, error) {
	row := castRow{Name: member.Name, NameKey: castKey(member.Name), ImageURL: member.ImageURL}
	if err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name_key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"image_url": gorm.Expr("COALESCE(NULLIF(excluded.image_url, ''), cast_members.image_url)"),
		}),
	}).Create(&row).Error; err != nil {
		return castRow{}, fmt.Errorf("upsert cast member: %w", err)
	}
	var stored castRow
	if err := tx.Where("name_key = ?", row.NameKey).Take(&stored).Error; err != nil {
		return castRow{}, fmt.Errorf("reload cast member: %w", err)
	}
	return stored, nil
}

// ExistingLinks reports which page URLs already have a record.
func (c *Catalog) ExistingLinks(ctx context.Context, pageURLs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(pageURLs))
	if len(pageURLs) == 0 {
		return out, nil
	}
	var found []string
	if err := c.db.WithContext(ctx).Model(&mediaRow{}).Where("page_url IN ?", pageURLs).Pluck("page_url", &found).Error; err != nil {
		return nil, fmt.Errorf("query existing links: %w", err)
	}
	for _, pageURL := range found {
		out[pageURL] = true
	}
	return out, nil
}

// FindCastByName returns nil when nobody has that name.
func (c *Catalog) FindCastByName(ctx context.Context, name string) (*crawler.CastMember, error) {
	var row castRow
	err := c.db.WithContext(ctx).Where("name_key = ?", castKey(name)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find cast member: %w", err)
	}
	member := toCastMember(row)
	return &member, nil
}

// ListSourcesPage returns a window of the source table ordered by id.
func (c *Catalog) ListSourcesPage(ctx context.Context, offset, limit int) (crawler.SourcePage, error) {
	db := c.db.WithContext(ctx)
	var total int64
	if err := db.Model(&sourceRow{}).Count(&total).Error; err != nil {
		return crawler.SourcePage{}, fmt.Errorf("count sources: %w", err)
	}
	var rows []sourceRow
	if err := db.Order("id").Offset(offset).Limit(limit).Find(&rows).Error; err != nil {
		return crawler.SourcePage{}, fmt.Errorf("list sources: %w", err)
	}
	page := crawler.SourcePage{Total: int(total), Items: make([]crawler.SourceRef, 0, len(rows))}
	for _, row := range rows {
		page.Items = append(page.Items, crawler.SourceRef{
			ID:      strconv.FormatUint(uint64(row.ID), 10),
			URL:     row.URL,
			MediaID: strconv.FormatUint(uint64(row.MediaID), 10),
		})
	}
	return page, nil
}

// DeleteSource removes one source row.
func (c *Catalog) DeleteSource(ctx context.Context, id string) error {
	res := c.db.WithContext(ctx).Where("id = ?", id).Delete(&sourceRow{})
	if res.Error != nil {
		return fmt.Errorf("delete source: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// DeleteMedia removes a record together with its sources and cast links.
func (c *Catalog) DeleteMedia(ctx context.Context, id string) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("media_id = ?", id).Delete(&sourceRow{}).Error; err != nil {
			return fmt.Errorf("delete media sources: %w", err)
		}
		if err := tx.Where("media_id = ?", id).Delete(&mediaCastRow{}).Error; err != nil {
			return fmt.Errorf("delete media cast links: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&mediaRow{})
		if res.Error != nil {
			return fmt.Errorf("delete media: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return crawler.ErrNotFound
		}
		return nil
	})
}

// CountSourcesForMedia counts the remaining sources of a record.
func (c *Catalog) CountSourcesForMedia(ctx context.Context, mediaID string) (int, error) {
	var count int64
	if err := c.db.WithContext(ctx).Model(&sourceRow{}).Where("media_id = ?", mediaID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count sources for media: %w", err)
	}
	return int(count), nil
}

func toCastMember(row castRow) crawler.CastMember {
	return crawler.CastMember{ID: strconv.FormatUint(uint64(row.ID), 10), Name: row.Name, ImageURL: row.ImageURL}
}

func castKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
