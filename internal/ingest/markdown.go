package ingest

import (
	"bufio"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	h1Pattern       = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	headingPattern  = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	mdLinkPattern   = regexp.MustCompile(`\[[^\]]*\]\(([^)\s]+)[^)]*\)`)
	wikiLinkPattern = regexp.MustCompile(`\[\[([^\]]+)\]\]`)
)

// markdownDoc is a Markdown source reduced to what the summary reports.
type markdownDoc struct {
	frontmatter map[string]any
	title       string
	body        string
	headings    []string
	links       []string
}

// parseMarkdown splits off YAML frontmatter and collects the title, heading
// paths and outbound links. Broken frontmatter is treated as absent.
func parseMarkdown(content string) *markdownDoc {
	doc := &markdownDoc{frontmatter: map[string]any{}}

	body := strings.ReplaceAll(content, "\r\n", "\n")
	if strings.HasPrefix(body, "---\n") {
		if end := strings.Index(body[4:], "\n---"); end >= 0 {
			if err := yaml.Unmarshal([]byte(body[4:4+end]), &doc.frontmatter); err != nil {
				doc.frontmatter = map[string]any{}
			}
			body = strings.TrimPrefix(body[4+end+4:], "\n")
		}
	}
	doc.body = body

	doc.title = doc.frontmatterString("title")
	if doc.title == "" {
		doc.title = doc.frontmatterString("name")
	}
	if doc.title == "" {
		if m := h1Pattern.FindStringSubmatch(body); len(m) > 1 {
			doc.title = strings.TrimSpace(m[1])
		}
	}

	doc.headings = headingPaths(body)
	doc.links = markdownLinks(body)
	return doc
}

// headingPaths returns one "## A > ### B" path per heading, outside code fences.
func headingPaths(body string) []string {
	var (
		paths  []string
		stack  []string
		levels []int
		fenced bool
	)
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), maxBodyBytes)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			fenced = !fenced
			continue
		}
		if fenced {
			continue
		}
		m := headingPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		level := len(m[1])
		for len(levels) > 0 && levels[len(levels)-1] >= level {
			stack = stack[:len(stack)-1]
			levels = levels[:len(levels)-1]
		}
		stack = append(stack, m[1]+" "+strings.TrimSpace(m[2]))
		levels = append(levels, level)
		paths = append(paths, strings.Join(stack, " > "))
	}
	return paths
}

// markdownLinks returns the distinct targets of inline and [[wiki]] links.
func markdownLinks(body string) []string {
	seen := make(map[string]bool)
	var links []string
	add := func(l string) {
		l = strings.TrimSpace(l)
		if l != "" && !seen[l] {
			seen[l] = true
			links = append(links, l)
		}
	}
	for _, m := range mdLinkPattern.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	for _, m := range wikiLinkPattern.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	return links
}

func (d *markdownDoc) frontmatterString(key string) string {
	if v, ok := d.frontmatter[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// tags reads the frontmatter "tags" key as a list or a comma-separated string.
func (d *markdownDoc) tags() []string {
	switch v := d.frontmatter["tags"].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// isMarkdown reports whether a response should be parsed as Markdown.
func isMarkdown(contentType, path string) bool {
	if strings.Contains(contentType, "markdown") {
		return true
	}
	if strings.Contains(contentType, "text/plain") || contentType == "" {
		p := strings.ToLower(path)
		return strings.HasSuffix(p, ".md") || strings.HasSuffix(p, ".markdown")
	}
	return false
}
