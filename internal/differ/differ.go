// Package differ decides whether freshly fetched content is a change and
// describes the change in a short, deterministic summary.
package differ

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pmezard/go-difflib/difflib"

	"sitewatch/internal/models"
)

// Kind classifies the outcome of a poll cycle.
type Kind string

const (
	Unchanged Kind = "unchanged"
	Baseline  Kind = "baseline"
	Changed   Kind = "changed"
)

// BaselineSummary is the summary recorded for a site's first snapshot.
const BaselineSummary = "baseline captured"

// Outcome is the result of Evaluate.
type Outcome struct {
	Kind    Kind   `json:"outcome"`
	Summary string `json:"summary,omitempty"`
}

// Evaluate compares fetched content against the site's current snapshot.
// last must be the snapshot referenced by site.LastSnapshotID, or nil when the
// site has none. Fingerprint equality is the only change criterion.
func Evaluate(site models.Site, last *models.Snapshot, content, fingerprint string) Outcome {
	if site.LastSnapshotID == nil || last == nil {
		return Outcome{Kind: Baseline, Summary: BaselineSummary}
	}
	if last.ContentHash == fingerprint {
		return Outcome{Kind: Unchanged}
	}
	return Outcome{Kind: Changed, Summary: Summarize(last.Content, content)}
}

// Summarize describes the difference between two versions of a page, e.g.
// "3 lines added, 1 line removed (1.2 kB -> 1.3 kB)".
func Summarize(oldContent, newContent string) string {
	added, removed := lineDelta(oldContent, newContent)
	sizes := fmt.Sprintf("(%s -> %s)",
		humanize.Bytes(uint64(len(oldContent))),
		humanize.Bytes(uint64(len(newContent))))

	if added == 0 && removed == 0 {
		return "content changed without line-level differences " + sizes
	}

	var parts []string
	if added > 0 {
		parts = append(parts, plural(added, "line")+" added")
	}
	if removed > 0 {
		parts = append(parts, plural(removed, "line")+" removed")
	}
	return strings.Join(parts, ", ") + " " + sizes
}

// lineDelta counts inserted and deleted lines between a and b.
func lineDelta(a, b string) (added, removed int) {
	matcher := difflib.NewMatcher(splitLines(a), splitLines(b))
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'i':
			added += op.J2 - op.J1
		case 'd':
			removed += op.I2 - op.I1
		case 'r':
			removed += op.I2 - op.I1
			added += op.J2 - op.J1
		}
	}
	return added, removed
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
