package automation

import (
	"context"
	"strings"

	"uniapply-backend/internal/components/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/antzucaro/matchr"
)

// matchLabel finds the control whose label is closest to label. It returns
// false when nothing scores at least threshold.
func matchLabel(ctx context.Context, page string, label string, threshold float64) (selector string, score float64, ok bool) {
	want := htmlutil.Normalize(label)
	if want == "" {
		return "", 0, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return "", 0, false
	}

	for _, control := range htmlutil.GetLabeled(ctx, doc) {
		s := matchr.JaroWinkler(want, htmlutil.Normalize(control.Label), false)
		if s > score {
			score = s
			selector = control.Selector
		}
	}
	if score < threshold {
		return "", score, false
	}
	return selector, score, true
}
