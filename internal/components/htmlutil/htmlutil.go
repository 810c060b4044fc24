package htmlutil

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/html"
)

var tracer = otel.Tracer("uniapply.components.htmlutil")

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	if node.Type == html.ElementNode && (node.Data == "script" || node.Data == "style") {
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer)
		child = child.NextSibling
	}
}

var innerWhitespace = regexp.MustCompile(`\s\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) || unicode.IsSpace(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// CleanText trims, drops non printable runes and collapses inner whitespace.
func CleanText(s string) string {
	s = removeNonPrintable(s)
	s = strings.TrimSpace(s)
	return innerWhitespace.ReplaceAllString(s, " ")
}

// Normalize is CleanText lowercased with trailing required markers removed,
// used when comparing labels.
func Normalize(s string) string {
	s = strings.ToLower(CleanText(s))
	return strings.TrimSpace(strings.TrimRight(s, "*: "))
}

// Labeled is a form control together with the text a user would read next to it.
type Labeled struct {
	Label    string
	Selector string
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// controlSelector builds a selector that addresses n without relying on
// positional css.
func controlSelector(sel *goquery.Selection) string {
	if len(sel.Nodes) == 0 {
		return ""
	}
	n := sel.Nodes[0]
	if id := attr(n, "id"); id != "" {
		return fmt.Sprintf(`[id=%q]`, id)
	}
	if name := attr(n, "name"); name != "" {
		return fmt.Sprintf(`%s[name=%q]`, n.Data, name)
	}
	return ""
}

const controls = "input:not([type=hidden]), select, textarea"

// GetLabeled lists every form control in doc that can be addressed by id or
// name, with its label text. Controls are labeled by a <label for>, an
// enclosing <label>, aria-label or placeholder, in that order.
func GetLabeled(ctx context.Context, doc *goquery.Document) []Labeled {
	_, span := tracer.Start(ctx, "GetLabeled")
	defer span.End()

	labelFor := map[string]string{}
	doc.Find("label[for]").Each(func(_ int, label *goquery.Selection) {
		id, _ := label.Attr("for")
		labelFor[id] = CleanText(GetText(label.Nodes[0]))
	})

	out := []Labeled{}
	doc.Find(controls).Each(func(_ int, control *goquery.Selection) {
		selector := controlSelector(control)
		if selector == "" {
			return
		}
		var text string
		if id, ok := control.Attr("id"); ok {
			text = labelFor[id]
		}
		if text == "" {
			parent := control.ParentsFiltered("label").First()
			if len(parent.Nodes) > 0 {
				text = CleanText(GetText(parent.Nodes[0]))
			}
		}
		if text == "" {
			text = CleanText(control.AttrOr("aria-label", ""))
		}
		if text == "" {
			text = CleanText(control.AttrOr("placeholder", ""))
		}
		if text == "" {
			return
		}
		out = append(out, Labeled{Label: text, Selector: selector})
		span.AddEvent("control", trace.WithAttributes(
			attribute.String("label", text),
			attribute.String("selector", selector),
		))
	})
	return out
}
