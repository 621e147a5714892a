package extract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"autoposter/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const newsPage = `<!doctype html><html><body>
<h1><a href="/one">First story</a></h1>
<a href="/two"><h2>Second   story</h2></a>
<h3>Third story</h3>
<h2>   </h2>
<h3><a href="https://other.example/five">Fifth</a></h3>
<h2>Sixth</h2>
</body></html>`

func TestHeadlines(t *testing.T) {
	t.Parallel()

	items, err := ParseItems([]byte(newsPage), Request{SourceURL: "https://news.example/list", Mode: domain.ModeHeadlines, Limit: 10})
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.Equal(t, domain.Item{Title: "First story", Link: "https://news.example/one"}, items[0])
	assert.Equal(t, domain.Item{Title: "Second story", Link: "https://news.example/two"}, items[1])
	assert.Equal(t, "https://news.example/list", items[2].Link)
	assert.Equal(t, "https://other.example/five", items[3].Link)
}

func TestHeadlinesLimitCountsElements(t *testing.T) {
	t.Parallel()

	// The blank fourth heading still uses up a slot.
	items, err := ParseItems([]byte(newsPage), Request{SourceURL: "https://news.example/", Mode: domain.ModeHeadlines, Limit: 4})
	require.NoError(t, err)
	assert.Len(t, items, 3)

	items, err = ParseItems([]byte(newsPage), Request{SourceURL: "https://news.example/", Mode: domain.ModeHeadlines})
	require.NoError(t, err)
	assert.Len(t, items, 4)
}

func TestProducts(t *testing.T) {
	t.Parallel()

	page := `<div class="product"><h2>Lamp</h2><span class="price">$20</span><a href="/lamp">buy</a></div>
<div class="grid-product"><div class="title">Chair</div></div>
<div class="product"><p>no title</p></div>`
	items, err := ParseItems([]byte(page), Request{SourceURL: "https://shop.example/", Mode: domain.ModeProducts, Limit: 5})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, domain.Item{Title: "Lamp", Price: "$20", Link: "https://shop.example/lamp"}, items[0])
	assert.Equal(t, domain.Item{Title: "Chair", Price: "N/A", Link: "https://shop.example/"}, items[1])
}

func TestImages(t *testing.T) {
	t.Parallel()

	page := `<img src="/a.png" alt="Sunset"><img alt="no src"><img src="b.jpg">`
	items, err := ParseItems([]byte(page), Request{SourceURL: "https://pics.example/gallery/", Mode: domain.ModeImages, Limit: 5})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, domain.Item{Title: "Sunset", ImageURL: "https://pics.example/a.png"}, items[0])
	assert.Equal(t, domain.Item{Title: "Image", ImageURL: "https://pics.example/gallery/b.jpg"}, items[1])
}

func TestCustomSelector(t *testing.T) {
	t.Parallel()

	page := `<ul id="feed"><li class="entry hot">Alpha <b>beta</b></li><li class="entry">Gamma</li></ul><li class="entry">Outside</li>`
	items, err := ParseItems([]byte(page), Request{SourceURL: "https://x.example/", Mode: domain.ModeCustom, CustomSelector: "#feed li.entry", Limit: 5})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Alpha beta", items[0].Title)
	assert.Equal(t, "Alpha <b>beta</b>", items[0].HTML)
	assert.Equal(t, "Gamma", items[1].Title)
}

func TestArticlesDefaultMode(t *testing.T) {
	t.Parallel()

	page := `<article><h2>Title A</h2><p>Lead A</p><p>More</p><a href="/a">read</a></article>
<div class="blog-post"><h3>Title B</h3></div>`
	items, err := ParseItems([]byte(page), Request{SourceURL: "https://blog.example/", Mode: domain.ModeText, Limit: 5})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, domain.Item{Title: "Title A", Description: "Lead A", Link: "https://blog.example/a"}, items[0])
	assert.Equal(t, domain.Item{Title: "Title B", Link: "https://blog.example/"}, items[1])
}

func TestHTMLExtractorOverHTTP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(newsPage))
	}))
	t.Cleanup(srv.Close)

	ex := NewHTMLExtractor(NewHTTPFetcher(HTTPConfig{}))
	items, err := ex.Extract(context.Background(), Request{SourceURL: srv.URL + "/", Mode: domain.ModeHeadlines, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = ex.Extract(context.Background(), Request{SourceURL: srv.URL + "/missing", Mode: domain.ModeHeadlines})
	var ee *domain.ExtractionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, domain.ExtractionNetwork, ee.Kind)
}

func TestSelectorParsing(t *testing.T) {
	t.Parallel()

	sel := compileSelector(`div.card.big#main[data-x][role=list][class*="ca"], span`)
	require.Len(t, sel, 2)
	c := sel[0][0]
	assert.Equal(t, "div", c.tag)
	assert.Equal(t, "main", c.id)
	assert.Equal(t, []string{"card", "big"}, c.classes)
	require.Len(t, c.attrs, 3)
	assert.True(t, c.attrs[0].present)
	assert.Equal(t, attrCond{key: "role", val: "list"}, c.attrs[1])
	assert.Equal(t, attrCond{key: "class", val: "ca", contains: true}, c.attrs[2])
	assert.Equal(t, "span", sel[1][0].tag)
}
