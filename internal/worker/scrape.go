package worker

import (
	"context"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/stage"
	"github.com/sells-group/outreach-cli/internal/store"
)

// ScrapeUnit extracts contact information from a prospect's site. A
// prospect scraped without an email simply leaves the pipeline; only the
// verify predicate cares.
type ScrapeUnit struct {
	store     store.Store
	extractor ContactExtractor
}

func NewScrapeUnit(s store.Store, extractor ContactExtractor) *ScrapeUnit {
	return &ScrapeUnit{store: s, extractor: extractor}
}

func (u *ScrapeUnit) Stage() stage.Stage { return stage.Scrape }
func (u *ScrapeUnit) BudgetName() string { return "scrape" }

func (u *ScrapeUnit) Process(ctx context.Context, p *model.Prospect) error {
	info, err := u.extractor.Extract(ctx, p)
	if err != nil {
		return err
	}
	if err := u.store.AdvanceScrape(ctx, p.ID, info.Email, info.Name); err != nil {
		return &StorageError{Err: err}
	}
	return nil
}

// Fail marks a permanent failure as scrape_failed so the prospect drops
// out of the scrape predicate; a transient one only records the error and
// stays eligible for the next run.
func (u *ScrapeUnit) Fail(ctx context.Context, p *model.Prospect, reason string, permanent bool) error {
	if permanent {
		return u.store.FailScrape(ctx, p.ID, reason)
	}
	return u.store.SetProspectError(ctx, p.ID, reason)
}
