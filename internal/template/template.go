// Package template renders message templates against extracted items.
//
// Placeholders are {{name}} with name one of title, link, price,
// description, image, imageUrl or html. Known names with no value render
// as "". Anything else, including unknown {{names}}, is copied through.
//
// Substitution is a single pass: a scraped value that itself contains
// "{{link}}" or another placeholder is posted verbatim, not expanded. Page
// content therefore cannot pull other fields into a message.
package template

import (
	"strings"
	"time"

	"autoposter/internal/domain"
)

const TimestampLayout = "2006-01-02 15:04"

type Options struct {
	AppendTimestamp bool
	Now             time.Time
}

func field(it domain.Item, name string) (string, bool) {
	switch name {
	case "title":
		return it.Title, true
	case "link":
		return it.Link, true
	case "price":
		return it.Price, true
	case "description":
		return it.Description, true
	case "image", "imageUrl":
		return it.ImageURL, true
	case "html":
		return it.HTML, true
	}
	return "", false
}

// Render substitutes placeholders in one left-to-right pass; substituted
// values are never scanned again.
func Render(tpl string, it domain.Item) string {
	var b strings.Builder
	b.Grow(len(tpl))
	for {
		start := strings.Index(tpl, "{{")
		if start < 0 {
			b.WriteString(tpl)
			return b.String()
		}
		end := strings.Index(tpl[start+2:], "}}")
		if end < 0 {
			b.WriteString(tpl)
			return b.String()
		}
		name := tpl[start+2 : start+2+end]
		if v, ok := field(it, name); ok {
			b.WriteString(tpl[:start])
			b.WriteString(v)
			tpl = tpl[start+2+end+2:]
			continue
		}
		// Unknown name: emit one brace and rescan, so "{{{title}}}"
		// still finds the inner placeholder.
		b.WriteString(tpl[:start+1])
		tpl = tpl[start+1:]
	}
}

// RenderMessage renders and, when asked, appends the timestamp line.
func RenderMessage(tpl string, it domain.Item, opt Options) string {
	out := Render(tpl, it)
	if opt.AppendTimestamp {
		now := opt.Now
		if now.IsZero() {
			now = time.Now()
		}
		out += "\n\n🕒 " + now.Format(TimestampLayout)
	}
	return out
}
