package engine

import (
	"context"

	"bajas/internal/domain"
	"bajas/internal/fault"
	"bajas/internal/repo"
)

// OpinionSummary reports how far evaluation has progressed on a case.
type OpinionSummary struct {
	CaseID        string   `json:"case_id"`
	Status        string   `json:"status"`
	LinkedAssets  int      `json:"linked_assets"`
	WithOpinion   int      `json:"with_opinion"`
	MissingAssets []string `json:"missing_assets,omitempty"`
	Complete      bool     `json:"complete"`
}

// OpinionStatus summarizes recorded opinions for a case. Read-only; callers use it to
// decide whether a case is ready to resolve under the require-opinions policy.
func (e Engine) OpinionStatus(ctx context.Context, caseID string) (OpinionSummary, error) {
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		if err == repo.ErrNotFound {
			return OpinionSummary{}, fault.NotFound{Kind: "case", ID: caseID}
		}
		return OpinionSummary{}, err
	}
	links, err := e.Repo.ListLinks(ctx, caseID)
	if err != nil {
		return OpinionSummary{}, err
	}
	s := OpinionSummary{
		CaseID:        c.ID,
		Status:        c.Status,
		LinkedAssets:  len(links),
		MissingAssets: missingOpinions(links),
	}
	s.WithOpinion = s.LinkedAssets - len(s.MissingAssets)
	s.Complete = len(s.MissingAssets) == 0
	return s, nil
}

func missingOpinions(links []domain.AssetLink) []string {
	var missing []string
	for _, l := range links {
		if l.TechnicalOpinion == nil || *l.TechnicalOpinion == "" {
			missing = append(missing, l.AssetID)
		}
	}
	return missing
}
