package cleanup

import (
	"context"
	"io"
	"iter"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

// PreviewLimit caps how many candidates a preview shows.
const PreviewLimit = 50

// PreviewItem is one row of a cleanup preview.
type PreviewItem struct {
	ID              string `json:"id" csv:"id"`
	Group           string `json:"group,omitempty" csv:"group"`
	Name            string `json:"name" csv:"name"`
	Version         string `json:"version" csv:"version"`
	Format          string `json:"format" csv:"format"`
	Prerelease      bool   `json:"prerelease" csv:"prerelease"`
	LastDownloaded  string `json:"last_downloaded,omitempty" csv:"last_downloaded"`
	LastBlobUpdated string `json:"last_blob_updated,omitempty" csv:"last_blob_updated"`
	Rank            int    `json:"rank" csv:"rank"`
}

// PreviewResult is the first page of candidates a policy would delete.
type PreviewResult struct {
	Repository string        `json:"repository"`
	Policy     string        `json:"policy"`
	Items      []PreviewItem `json:"items"`
	// Truncated reports that more candidates exist beyond Items.
	Truncated bool `json:"truncated"`
}

// Preview collects up to limit candidates from seq; limit <= 0 uses PreviewLimit.
func Preview(ctx context.Context, repository, policy string, seq iter.Seq2[reconcile.Candidate, error], limit int) (*PreviewResult, error) {
	if limit <= 0 {
		limit = PreviewLimit
	}
	result := &PreviewResult{Repository: repository, Policy: policy, Items: []PreviewItem{}}
	for c, err := range seq {
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			return nil, err
		}
		if len(result.Items) == limit {
			result.Truncated = true
			break
		}
		result.Items = append(result.Items, toItem(c))
	}
	return result, nil
}

// WriteCSV renders preview items as CSV with a header row.
func WriteCSV(w io.Writer, items []PreviewItem) error {
	return gocsv.Marshal(items, w)
}

func toItem(c reconcile.Candidate) PreviewItem {
	comp := c.Component
	return PreviewItem{
		ID:              comp.ID.String(),
		Group:           comp.Group,
		Name:            comp.Name,
		Version:         comp.Version,
		Format:          comp.Format,
		Prerelease:      comp.IsPrerelease,
		LastDownloaded:  formatTime(comp.LastDownloaded),
		LastBlobUpdated: formatTime(comp.LastBlobUpdated),
		Rank:            c.Rank,
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
