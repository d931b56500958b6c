package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/media-scraper/internal/crawler"
)

type sourceRow struct {
	id      int64
	mediaID string
	link    crawler.SourceLink
}

// Catalog is an in-memory crawler.Catalog keyed by page URL.
type Catalog struct {
	mu      sync.RWMutex
	nextID  int64
	media   map[string]crawler.MediaRecord // by media ID
	byPage  map[string]string              // page URL -> media ID
	sources map[int64]sourceRow
	cast    map[string]crawler.CastMember // by lower-cased name
	now     func() time.Time
}

// NewCatalog constructs an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		media:   make(map[string]crawler.MediaRecord),
		byPage:  make(map[string]string),
		sources: make(map[int64]sourceRow),
		cast:    make(map[string]crawler.CastMember),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *Catalog) newID() int64 {
	c.nextID++
	return c.nextID
}

// UpsertMedia inserts or updates the record keyed by PageURL. Sources are replaced.
func (c *Catalog) UpsertMedia(_ context.Context, record crawler.MediaRecord) (crawler.MediaRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, exists := c.byPage[record.PageURL]
	if !exists {
		id = strconv.FormatInt(c.newID(), 10)
		c.byPage[record.PageURL] = id
	}
	record.ID = id
	record.UpdatedAt = c.now()

	for sid, row := range c.sources {
		if row.mediaID == id {
			delete(c.sources, sid)
		}
	}
	for _, link := range record.Sources {
		sid := c.newID()
		c.sources[sid] = sourceRow{id: sid, mediaID: id, link: link}
	}

	cast := make([]crawler.CastMember, 0, len(record.Cast))
	for _, member := range record.Cast {
		key := castKey(member.Name)
		existing, ok := c.cast[key]
		if !ok {
			existing = crawler.CastMember{ID: strconv.FormatInt(c.newID(), 10), Name: member.Name}
		}
		if member.ImageURL != "" {
			existing.ImageURL = member.ImageURL
		}
		c.cast[key] = existing
		cast = append(cast, existing)
	}
	record.Cast = cast
	record = cloneMedia(record)

	c.media[id] = record
	return cloneMedia(record), nil
}

// ExistingLinks reports which page URLs already have a record.
func (c *Catalog) ExistingLinks(_ context.Context, pageURLs []string) (map[string]bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(pageURLs))
	for _, pageURL := range pageURLs {
		if _, ok := c.byPage[pageURL]; ok {
			out[pageURL] = true
		}
	}
	return out, nil
}

// FindCastByName does a case-insensitive lookup.
func (c *Catalog) FindCastByName(_ context.Context, name string) (*crawler.CastMember, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	member, ok := c.cast[castKey(name)]
	if !ok {
		return nil, nil
	}
	return &member, nil
}

// ListSourcesPage returns sources ordered by ID.
func (c *Catalog) ListSourcesPage(_ context.Context, offset, limit int) (crawler.SourcePage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int64, 0, len(c.sources))
	for id := range c.sources {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	page := crawler.SourcePage{Total: len(ids)}
	if offset < 0 {
		offset = 0
	}
	for i := offset; i < len(ids) && len(page.Items) < limit; i++ {
		row := c.sources[ids[i]]
		page.Items = append(page.Items, crawler.SourceRef{
			ID:      strconv.FormatInt(row.id, 10),
			URL:     row.link.URL,
			MediaID: row.mediaID,
		})
	}
	return page, nil
}

// DeleteSource removes a source row and drops it from its media record.
func (c *Catalog) DeleteSource(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return crawler.ErrNotFound
	}
	row, ok := c.sources[sid]
	if !ok {
		return crawler.ErrNotFound
	}
	delete(c.sources, sid)
	if record, ok := c.media[row.mediaID]; ok {
		kept := make([]crawler.SourceLink, 0, len(record.Sources))
		for _, link := range record.Sources {
			if link.URL != row.link.URL {
				kept = append(kept, link)
			}
		}
		record.Sources = kept
		c.media[row.mediaID] = record
	}
	return nil
}

// DeleteMedia removes a record and any remaining sources.
func (c *Catalog) DeleteMedia(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.media[id]
	if !ok {
		return crawler.ErrNotFound
	}
	delete(c.media, id)
	delete(c.byPage, record.PageURL)
	for sid, row := range c.sources {
		if row.mediaID == id {
			delete(c.sources, sid)
		}
	}
	return nil
}

// CountSourcesForMedia counts the remaining sources of a record.
func (c *Catalog) CountSourcesForMedia(_ context.Context, mediaID string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	count := 0
	for _, row := range c.sources {
		if row.mediaID == mediaID {
			count++
		}
	}
	return count, nil
}

// MediaByPage returns the stored record for a page URL.
func (c *Catalog) MediaByPage(pageURL string) (crawler.MediaRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byPage[pageURL]
	if !ok {
		return crawler.MediaRecord{}, false
	}
	return cloneMedia(c.media[id]), true
}

// MediaCount reports the number of stored records.
func (c *Catalog) MediaCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.media)
}

// SourceCount reports the number of stored sources.
func (c *Catalog) SourceCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sources)
}

func cloneMedia(record crawler.MediaRecord) crawler.MediaRecord {
	record.Sources = append([]crawler.SourceLink(nil), record.Sources...)
	record.Categories = append([]string(nil), record.Categories...)
	record.Cast = append([]crawler.CastMember(nil), record.Cast...)
	if record.DateAdded != nil {
		added := *record.DateAdded
		record.DateAdded = &added
	}
	return record
}

func castKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
