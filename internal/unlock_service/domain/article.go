package domain

import "time"

// Article is the slice of the content store this service needs: identity,
// publish state and price. Article CRUD lives elsewhere.
type Article struct {
	ID            string    `json:"id"`
	Slug          string    `json:"slug"`
	Title         string    `json:"title"`
	Published     bool      `json:"published"`
	PublishAt     time.Time `json:"publish_at"`
	PriceAmount   int64     `json:"price_amount"` // smallest currency unit
	PriceCurrency string    `json:"price_currency"`
}

// Readable reports whether the article is publicly readable at the given
// instant. An unpublished or future-dated article is never readable, paid or
// not.
func (a *Article) Readable(now time.Time) bool {
	return a.Published && !a.PublishAt.After(now)
}
