// Package xmlscan extracts elements and attributes from XML documents by local
// name, ignoring namespace prefixes. It tolerates documents that a strict
// parser would reject and handles both paired and self-closing elements.
package xmlscan

import (
	"html"
	"regexp"
	"strings"
	"sync"
)

// Element is one occurrence of a tag.
type Element struct {
	// Tag is the raw start tag including its attributes, e.g. `<d:href a="b">`.
	Tag string
	// Inner is the raw text between the start and end tag. Empty for self-closing elements.
	Inner       string
	SelfClosing bool
	// Offset is the byte position of the start tag in the scanned document.
	Offset int
}

// Attr returns the value of the named attribute on the start tag.
func (e Element) Attr(name string) string {
	m := attrPattern(name).FindStringSubmatch(e.Tag)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return html.UnescapeString(m[1])
	}
	return html.UnescapeString(m[2])
}

// Text returns the unescaped, trimmed inner text of the element.
func (e Element) Text() string {
	return strings.TrimSpace(Unescape(e.Inner))
}

var (
	mu        sync.Mutex
	tagCache  = map[string]*regexp.Regexp{}
	attrCache = map[string]*regexp.Regexp{}
)

func tagPattern(local string) *regexp.Regexp {
	mu.Lock()
	defer mu.Unlock()
	if re, ok := tagCache[local]; ok {
		return re
	}
	re := regexp.MustCompile(`<(/?)(?:[A-Za-z_][\w.\-]*:)?` + regexp.QuoteMeta(local) + `(?:\s[^>]*?)?(/?)>`)
	tagCache[local] = re
	return re
}

func attrPattern(name string) *regexp.Regexp {
	mu.Lock()
	defer mu.Unlock()
	if re, ok := attrCache[name]; ok {
		return re
	}
	re := regexp.MustCompile(`\s(?:[A-Za-z_][\w.\-]*:)?` + regexp.QuoteMeta(name) + `\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	attrCache[name] = re
	return re
}

// Elements returns every outermost occurrence of the local name in document order.
// Occurrences nested inside another occurrence of the same name are part of
// the outer element's Inner text. A start tag without a matching end tag is dropped.
func Elements(doc, local string) []Element {
	matches := tagPattern(local).FindAllStringSubmatchIndex(doc, -1)

	var out []Element
	depth := 0
	openStart, openEnd := 0, 0
	for _, m := range matches {
		closing := m[3] > m[2]
		selfClosing := m[5] > m[4]
		switch {
		case closing:
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				out = append(out, Element{Tag: doc[openStart:openEnd], Inner: doc[openEnd:m[0]], Offset: openStart})
			}
		case selfClosing:
			if depth == 0 {
				out = append(out, Element{Tag: doc[m[0]:m[1]], SelfClosing: true, Offset: m[0]})
			}
		default:
			if depth == 0 {
				openStart, openEnd = m[0], m[1]
			}
			depth++
		}
	}
	return out
}

// First returns the first outermost occurrence of the local name.
func First(doc, local string) (Element, bool) {
	els := Elements(doc, local)
	if len(els) == 0 {
		return Element{}, false
	}
	return els[0], true
}

// Has reports whether the document contains the element in either form.
func Has(doc, local string) bool {
	return tagPattern(local).MatchString(doc)
}

// Text returns the text of the first occurrence of the local name, or "".
func Text(doc, local string) string {
	el, ok := First(doc, local)
	if !ok {
		return ""
	}
	return el.Text()
}

// Path descends through nested local names and returns the text of the last one.
func Path(doc string, locals ...string) string {
	cur := doc
	for i, local := range locals {
		el, ok := First(cur, local)
		if !ok {
			return ""
		}
		if i == len(locals)-1 {
			return el.Text()
		}
		cur = el.Inner
	}
	return ""
}

// Unescape decodes XML entities and unwraps CDATA sections.
func Unescape(s string) string {
	if !strings.Contains(s, "<![CDATA[") {
		return html.UnescapeString(s)
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "<![CDATA[")
		if i < 0 {
			b.WriteString(html.UnescapeString(s))
			return b.String()
		}
		b.WriteString(html.UnescapeString(s[:i]))
		s = s[i+len("<![CDATA["):]
		j := strings.Index(s, "]]>")
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:j])
		s = s[j+len("]]>"):]
	}
}

// Escape encodes text for inclusion in an XML element or attribute.
func Escape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}
