package ingest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMarkdown = `---
title: Retry Policy
description: How failed crawls come back.
tags: [queue, retries]
---
# Ignored Heading

Failed items wait for the next delay in the table before the scheduler claims them again.
See [the scheduler](scheduler.md) and [[Human Review]].

## Delays

` + "```" + `
# not a heading
` + "```" + `

### Table

Delays never shrink. Link to [the scheduler](scheduler.md) again.
`

func TestParseMarkdown(t *testing.T) {
	doc := parseMarkdown(sampleMarkdown)

	assert.Equal(t, "Retry Policy", doc.title)
	assert.Equal(t, "How failed crawls come back.", doc.frontmatterString("description"))
	assert.Equal(t, []string{"queue", "retries"}, doc.tags())
	assert.Equal(t, []string{
		"# Ignored Heading",
		"# Ignored Heading > ## Delays",
		"# Ignored Heading > ## Delays > ### Table",
	}, doc.headings)
	assert.Equal(t, []string{"scheduler.md", "Human Review"}, doc.links)
}

func TestParseMarkdownTitleFallbacks(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"first h1", "intro\n\n# Queue Notes\n\nbody", "Queue Notes"},
		{"frontmatter name", "---\nname: Runbook\n---\n# Other", "Runbook"},
		{"broken frontmatter", "---\ntitle: [unclosed\n---\n# From Body", "From Body"},
		{"no title", "just text", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseMarkdown(tt.content).title)
		})
	}
}

func TestTagsFromString(t *testing.T) {
	doc := parseMarkdown("---\ntags: crawl, ingest ,\n---\nbody")
	assert.Equal(t, []string{"crawl", "ingest"}, doc.tags())
}

func TestIsMarkdown(t *testing.T) {
	assert.True(t, isMarkdown("text/markdown; charset=utf-8", "/doc"))
	assert.True(t, isMarkdown("text/plain", "/docs/README.md"))
	assert.True(t, isMarkdown("", "/notes.markdown"))
	assert.False(t, isMarkdown("text/plain", "/robots.txt"))
	assert.False(t, isMarkdown("text/html", "/page.md"))
}

func TestExecuteSummarizesMarkdown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = io.WriteString(w, sampleMarkdown)
	}))
	defer srv.Close()

	res, err := newTestFetcher().Execute(context.Background(), srv.URL+"/retry.md")
	require.NoError(t, err)

	assert.Equal(t, "markdown", res.Summary["format"])
	assert.Equal(t, "Retry Policy", res.Summary["title"])
	assert.Equal(t, 3, res.Summary["headings"])
	assert.Equal(t, 2, res.Summary["links"])
	assert.Equal(t, []string{"queue", "retries"}, res.Summary["tags"])
	assert.Equal(t, "eng", res.Summary["language"])
}
