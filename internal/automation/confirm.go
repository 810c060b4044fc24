package automation

import (
	"fmt"
	"regexp"
	"strings"

	"uniapply-backend/internal/components/htmlutil"
	"uniapply-backend/internal/portal"

	"github.com/PuerkitoBio/goquery"
)

var defaultConfirmationPattern = regexp.MustCompile(
	`(?i)(?:application|reference|confirmation|personal)\s+(?:number|no\.?|id|reference|code)\s*(?:is)?\s*[:#]?\s*([A-Z0-9][A-Z0-9/-]{4,})`,
)

// extractConfirmation reads the confirmation id off the final page. The
// portal's confirmation selector wins, then its pattern, then a generic
// "application number: XYZ" pattern over the page text.
func extractConfirmation(page string, def portal.Definition) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return "", err
	}

	if def.ConfirmationSelector != "" {
		sel := doc.Find(def.ConfirmationSelector).First()
		if len(sel.Nodes) > 0 {
			text := htmlutil.CleanText(htmlutil.GetText(sel.Nodes[0]))
			if text != "" {
				return text, nil
			}
		}
	}

	pattern := defaultConfirmationPattern
	if def.ConfirmationPattern != "" {
		pattern, err = regexp.Compile(def.ConfirmationPattern)
		if err != nil {
			return "", fmt.Errorf("confirmation_pattern: %w", err)
		}
	}
	if len(doc.Nodes) == 0 {
		return "", fmt.Errorf("empty confirmation page")
	}
	text := htmlutil.CleanText(htmlutil.GetText(doc.Nodes[0]))
	groups := pattern.FindStringSubmatch(text)
	if len(groups) >= 2 && groups[1] != "" {
		return groups[1], nil
	}
	if len(groups) == 1 {
		return groups[0], nil
	}
	return "", fmt.Errorf("no confirmation id on the final page")
}
