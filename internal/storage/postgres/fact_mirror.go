// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagelens/crawler/internal/crawl"
)

var validTablePrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// FactMirrorConfig controls the Postgres connection pool used for the
// analytical mirror of crawl facts.
type FactMirrorConfig struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// FactMirror copies extracted crawl records into Postgres for offline
// analysis. It implements crawl.FactMirror; callers treat failures as
// non-fatal.
type FactMirror struct {
	pool   execCloser
	prefix string
}

// NewFactMirror creates a Postgres-backed FactMirror using the provided config.
func NewFactMirror(ctx context.Context, cfg FactMirrorConfig) (*FactMirror, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	if cfg.TablePrefix != "" && !validTablePrefix.MatchString(cfg.TablePrefix) {
		return nil, fmt.Errorf("invalid table prefix %q", cfg.TablePrefix)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &FactMirror{
		pool:   pool,
		prefix: cfg.TablePrefix,
	}, nil
}

// NewFactMirrorWithPool constructs a mirror from an existing pool (primarily for testing).
func NewFactMirrorWithPool(pool execCloser, tablePrefix string) (*FactMirror, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if tablePrefix != "" && !validTablePrefix.MatchString(tablePrefix) {
		return nil, fmt.Errorf("invalid table prefix %q", tablePrefix)
	}
	return &FactMirror{pool: pool, prefix: tablePrefix}, nil
}

// Close releases the underlying pool resources.
func (m *FactMirror) Close() {
	if m == nil || m.pool == nil {
		return
	}
	m.pool.Close()
}

func (m *FactMirror) table(name string) string {
	return m.prefix + name
}

// MirrorPage inserts one page row. Re-delivery is tolerated via ON CONFLICT.
func (m *FactMirror) MirrorPage(ctx context.Context, p crawl.Page) error {
	if m == nil || m.pool == nil {
		return fmt.Errorf("fact mirror is not configured")
	}
	if p.ID == "" {
		return fmt.Errorf("page id is required")
	}
	headings, err := json.Marshal(map[string][]string{
		"h1": emptyIfNil(p.H1),
		"h2": emptyIfNil(p.H2),
		"h3": emptyIfNil(p.H3),
	})
	if err != nil {
		return fmt.Errorf("marshal headings: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	crawl_id,
	url,
	final_url,
	status_code,
	error_text,
	crawl_depth,
	is_primary,
	render_mode,
	load_time_ms,
	content_type,
	size_bytes,
	content_hash,
	blob_uri,
	title,
	meta_description,
	canonical_url,
	headings,
	word_count,
	text_excerpt,
	has_viewport,
	has_lang,
	is_indexable,
	fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24
) ON CONFLICT (id) DO NOTHING`, m.table("pages"))

	args := []any{
		p.ID,
		p.CrawlID,
		p.URL,
		p.FinalURL,
		p.StatusCode,
		p.Error,
		p.Depth,
		p.IsPrimary,
		string(p.RenderMode),
		p.LoadTimeMs,
		p.ContentType,
		p.SizeBytes,
		p.ContentHash,
		p.BlobURI,
		p.Title,
		p.MetaDescription,
		p.CanonicalURL,
		headings,
		p.WordCount,
		p.TextExcerpt,
		p.HasViewport,
		p.HasLang,
		p.IsIndexable,
		p.FetchedAt,
	}
	if _, err := m.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// MirrorLinks inserts a batch of link rows.
func (m *FactMirror) MirrorLinks(ctx context.Context, links []crawl.Link) error {
	if m == nil || m.pool == nil {
		return fmt.Errorf("fact mirror is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, crawl_id, page_id, source_url, target_url, anchor_text,
	is_internal, is_nofollow, is_broken, status_code, error_text, latency_ms
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET
	is_broken = EXCLUDED.is_broken,
	status_code = EXCLUDED.status_code,
	error_text = EXCLUDED.error_text,
	latency_ms = EXCLUDED.latency_ms`, m.table("links"))

	for _, l := range links {
		args := []any{
			l.ID, l.CrawlID, l.PageID, l.SourceURL, l.TargetURL, l.AnchorText,
			l.IsInternal, l.IsNofollow, l.IsBroken, l.StatusCode, l.Error, l.LatencyMs,
		}
		if _, err := m.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert link %s: %w", l.ID, err)
		}
	}
	return nil
}

// MirrorImages inserts a batch of image rows.
func (m *FactMirror) MirrorImages(ctx context.Context, images []crawl.Image) error {
	if m == nil || m.pool == nil {
		return fmt.Errorf("fact mirror is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, crawl_id, page_id, src, alt_text, has_alt,
	width, height, is_broken, status_code
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET
	is_broken = EXCLUDED.is_broken,
	status_code = EXCLUDED.status_code`, m.table("images"))

	for _, img := range images {
		args := []any{
			img.ID, img.CrawlID, img.PageID, img.Src, img.Alt, img.HasAlt,
			img.Width, img.Height, img.IsBroken, img.StatusCode,
		}
		if _, err := m.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert image %s: %w", img.ID, err)
		}
	}
	return nil
}

// MirrorIssues inserts a batch of issue rows.
func (m *FactMirror) MirrorIssues(ctx context.Context, issues []crawl.Issue) error {
	if m == nil || m.pool == nil {
		return fmt.Errorf("fact mirror is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, crawl_id, page_id, issue_type, severity, message, details, context, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO NOTHING`, m.table("issues"))

	for _, is := range issues {
		args := []any{
			is.ID, is.CrawlID, is.PageID, string(is.Type), string(is.Severity),
			is.Message, is.Details, is.Context, is.Created,
		}
		if _, err := m.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert issue %s: %w", is.ID, err)
		}
	}
	return nil
}

// DeleteCrawl removes all mirrored rows for one crawl.
func (m *FactMirror) DeleteCrawl(ctx context.Context, crawlID string) error {
	if m == nil || m.pool == nil {
		return fmt.Errorf("fact mirror is not configured")
	}
	for _, name := range []string{"issues", "images", "links", "pages"} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE crawl_id = $1`, m.table(name))
		if _, err := m.pool.Exec(ctx, query, crawlID); err != nil {
			return fmt.Errorf("delete %s for crawl %s: %w", name, crawlID, err)
		}
	}
	return nil
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
