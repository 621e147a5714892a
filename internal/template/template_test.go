package template

import (
	"testing"
	"time"

	"autoposter/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	t.Parallel()

	item := domain.Item{Title: "Widget", Link: "https://shop/w", Price: "$5", ImageURL: "https://img/w.png"}
	cases := []struct {
		name string
		tpl  string
		want string
	}{
		{"basic", "{{title}} {{link}}", "Widget https://shop/w"},
		{"repeated", "{{title}}/{{title}}", "Widget/Widget"},
		{"missing field", "{{title}} - {{description}}!", "Widget - !"},
		{"image aliases", "{{image}}|{{imageUrl}}", "https://img/w.png|https://img/w.png"},
		{"unknown kept", "{{foo}} {{price}}", "{{foo}} $5"},
		{"unclosed", "{{title} and {{", "{{title} and {{"},
		{"braces around known", "{{{title}}}", "{Widget}"},
		{"no placeholders", "plain text", "plain text"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Render(tc.tpl, item))
		})
	}
}

func TestRenderDoesNotRescanValues(t *testing.T) {
	t.Parallel()
	item := domain.Item{Title: "{{link}}", Link: "L"}
	assert.Equal(t, "{{link}} L", Render("{{title}} {{link}}", item))
}

func TestRenderIsDeterministic(t *testing.T) {
	t.Parallel()
	item := domain.Item{Title: "T", Description: "D"}
	first := Render("{{title}}:{{description}}:{{link}}", item)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Render("{{title}}:{{description}}:{{link}}", item))
	}
}

func TestRenderMessageTimestamp(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 7, 4, 18, 30, 0, 0, time.UTC)
	item := domain.Item{Title: "News"}

	assert.Equal(t, "News", RenderMessage("{{title}}", item, Options{Now: now}))
	assert.Equal(t, "News\n\n🕒 2026-07-04 18:30",
		RenderMessage("{{title}}", item, Options{AppendTimestamp: true, Now: now}))
}
