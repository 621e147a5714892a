package extract

import (
	"bytes"
	"context"
	"net/url"

	"autoposter/internal/domain"

	"golang.org/x/net/html"
)

const defaultLimit = 5

var (
	selHeadlines = compileSelector("h1, h2, h3")
	selProducts  = compileSelector(`.product, [class*="product"]`)
	selProdTitle = compileSelector(`h1, h2, h3, .title, [class*="title"]`)
	selProdPrice = compileSelector(`.price, [class*="price"]`)
	selImages    = compileSelector("img")
	selArticles  = compileSelector(`article, .article, [class*="post"]`)
	selHeading   = compileSelector("h1, h2, h3")
	selParagraph = compileSelector("p")
	selAnchor    = compileSelector("a")
)

// HTMLExtractor fetches a page and reads items out of it according to the
// extraction mode.
type HTMLExtractor struct {
	fetcher Fetcher
}

func NewHTMLExtractor(f Fetcher) *HTMLExtractor { return &HTMLExtractor{fetcher: f} }

func (h *HTMLExtractor) Extract(ctx context.Context, req Request) ([]domain.Item, error) {
	body, err := h.fetcher.Fetch(ctx, req.SourceURL)
	if err != nil {
		return nil, err
	}
	return ParseItems(body, req)
}

// ParseItems applies the mode's selectors to an HTML document. Only the
// first Limit matched elements are considered; elements without a title
// are skipped, so fewer than Limit items may come back.
func ParseItems(body []byte, req Request) ([]domain.Item, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &domain.ExtractionError{Kind: domain.ExtractionParse, URL: req.SourceURL, Err: err}
	}
	base, err := url.Parse(req.SourceURL)
	if err != nil {
		return nil, &domain.ExtractionError{Kind: domain.ExtractionParse, URL: req.SourceURL, Err: err}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	switch req.Mode {
	case domain.ModeHeadlines:
		return headlines(doc, base, limit), nil
	case domain.ModeProducts:
		return products(doc, base, limit), nil
	case domain.ModeImages:
		return images(doc, base, limit), nil
	case domain.ModeCustom:
		return custom(doc, req.CustomSelector, limit), nil
	default:
		return articles(doc, base, limit), nil
	}
}

func firstN(nodes []*html.Node, n int) []*html.Node {
	if len(nodes) > n {
		return nodes[:n]
	}
	return nodes
}

// resolve makes href absolute; an empty href falls back to the page URL.
func resolve(base *url.URL, href string) string {
	if href == "" {
		return base.String()
	}
	u, err := base.Parse(href)
	if err != nil {
		return base.String()
	}
	return u.String()
}

func headlines(doc *html.Node, base *url.URL, limit int) []domain.Item {
	var out []domain.Item
	for _, el := range firstN(queryAll(doc, selHeadlines), limit) {
		title := text(el)
		if title == "" {
			continue
		}
		href := attr(queryFirst(el, selAnchor), "href")
		if href == "" {
			href = attr(closest(el, "a"), "href")
		}
		out = append(out, domain.Item{Title: title, Link: resolve(base, href)})
	}
	return out
}

func products(doc *html.Node, base *url.URL, limit int) []domain.Item {
	var out []domain.Item
	for _, el := range firstN(queryAll(doc, selProducts), limit) {
		title := text(queryFirst(el, selProdTitle))
		if title == "" {
			continue
		}
		price := text(queryFirst(el, selProdPrice))
		if price == "" {
			price = "N/A"
		}
		out = append(out, domain.Item{
			Title: title,
			Price: price,
			Link:  resolve(base, attr(queryFirst(el, selAnchor), "href")),
		})
	}
	return out
}

func images(doc *html.Node, base *url.URL, limit int) []domain.Item {
	var out []domain.Item
	for _, el := range firstN(queryAll(doc, selImages), limit) {
		src := attr(el, "src")
		if src == "" {
			continue
		}
		alt := attr(el, "alt")
		if alt == "" {
			alt = "Image"
		}
		out = append(out, domain.Item{Title: alt, ImageURL: resolve(base, src)})
	}
	return out
}

func custom(doc *html.Node, sel string, limit int) []domain.Item {
	compiled := compileSelector(sel)
	var out []domain.Item
	for _, el := range firstN(queryAll(doc, compiled), limit) {
		title := text(el)
		if title == "" {
			continue
		}
		out = append(out, domain.Item{Title: title, HTML: innerHTML(el)})
	}
	return out
}

func articles(doc *html.Node, base *url.URL, limit int) []domain.Item {
	var out []domain.Item
	for _, el := range firstN(queryAll(doc, selArticles), limit) {
		title := text(queryFirst(el, selHeading))
		if title == "" {
			continue
		}
		out = append(out, domain.Item{
			Title:       title,
			Description: text(queryFirst(el, selParagraph)),
			Link:        resolve(base, attr(queryFirst(el, selAnchor), "href")),
		})
	}
	return out
}
