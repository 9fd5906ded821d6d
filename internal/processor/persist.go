package processor

import (
	"context"
	"fmt"

	"catalog-ingest/internal/adapters"
	"catalog-ingest/internal/store"
)

type persistOutcome struct {
	processed int
	failed    int
	errors    []string
	err       error
}

// persist writes products in two phases. Phase one upserts the shared
// templates keyed by item and marketplace; phase two upserts the seller's
// links pointing at them. The whole link write is the unit of success: a
// failure in either phase fails every product.
func (p *Processor) persist(ctx context.Context, sellerID string, products []adapters.Product) persistOutcome {
	if len(products) == 0 {
		return persistOutcome{}
	}

	templates := make([]store.Template, 0, len(products))
	for _, pr := range products {
		templates = append(templates, store.Template{
			ItemID:      pr.ItemID,
			Marketplace: pr.Marketplace,
			Title:       pr.Title,
			Brand:       pr.Brand,
			Images:      pr.Images,
			Category:    pr.Category,
		})
	}
	refs, err := p.store.UpsertTemplates(ctx, templates)
	if err != nil {
		return persistOutcome{
			failed: len(products),
			errors: []string{"template upsert: " + err.Error()},
			err:    fmt.Errorf("upsert templates: %w", err),
		}
	}

	ids := make(map[string]int64, len(refs))
	for _, r := range refs {
		ids[r.TemplateKey.String()] = r.ID
	}

	var out persistOutcome
	now := p.now()
	links := make([]store.Link, 0, len(products))
	for _, pr := range products {
		key := store.TemplateKey{ItemID: pr.ItemID, Marketplace: pr.Marketplace}
		tid, ok := ids[key.String()]
		if !ok {
			out.failed++
			out.errors = append(out.errors, pr.ItemID+": no template id returned")
			continue
		}
		links = append(links, store.Link{
			SellerID:    sellerID,
			ItemID:      pr.ItemID,
			Marketplace: pr.Marketplace,
			TemplateID:  tid,
			Price:       pr.Price,
			Currency:    pr.Currency,
			Rank:        pr.Rank,
			InStock:     pr.InStock,
			FetchedAt:   now,
		})
	}
	if len(links) == 0 {
		return out
	}

	if _, err := p.store.UpsertLinks(ctx, links); err != nil {
		return persistOutcome{
			failed: len(products),
			errors: []string{"link upsert: " + err.Error()},
			err:    fmt.Errorf("upsert links: %w", err),
		}
	}
	out.processed = len(links)
	return out
}
