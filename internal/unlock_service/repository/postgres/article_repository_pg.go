package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/newsgate/paywall_services/internal/unlock_service/domain"
	"github.com/newsgate/paywall_services/internal/unlock_service/repository"
)

// PgArticleRepository reads articles from the content store. Article CRUD is
// owned by the CMS; this service only needs publish state and price.
type PgArticleRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgArticleRepository(db *pgxpool.Pool, logger *slog.Logger) *PgArticleRepository {
	return &PgArticleRepository{db: db, logger: logger.With("component", "article_repository_pg")}
}

const articleColumns = `id, slug, title, published, publish_at, price_amount, price_currency`

func (r *PgArticleRepository) scanArticle(row pgx.Row) (*domain.Article, error) {
	var a domain.Article
	err := row.Scan(
		&a.ID, &a.Slug, &a.Title, &a.Published, &a.PublishAt,
		&a.PriceAmount, &a.PriceCurrency,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *PgArticleRepository) GetByID(ctx context.Context, id string) (*domain.Article, error) {
	query := `SELECT ` + articleColumns + ` FROM articles WHERE id = $1`
	a, err := r.scanArticle(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrArticleNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting article by ID", "error", err, "id", id)
		return nil, fmt.Errorf("getting article by ID: %w", err)
	}
	return a, nil
}

func (r *PgArticleRepository) GetBySlug(ctx context.Context, slug string) (*domain.Article, error) {
	query := `SELECT ` + articleColumns + ` FROM articles WHERE slug = $1`
	a, err := r.scanArticle(r.db.QueryRow(ctx, query, slug))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrArticleNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting article by slug", "error", err, "slug", slug)
		return nil, fmt.Errorf("getting article by slug: %w", err)
	}
	return a, nil
}

var _ repository.ArticleRepository = (*PgArticleRepository)(nil)
