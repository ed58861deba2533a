// Package rewrite points every URL-bearing reference in an HTML document back
// at the mirror's view endpoint.
//
// A reference is resolved against the document base and replaced with
// /view?url=<escaped absolute URL>. References that cannot be resolved to an
// http or https URL are left exactly as they were. Existing /view?url=
// references are unwrapped before resolution, so rewriting is idempotent.
package rewrite

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"webmirror/internal/metrics"
)

// ViewPath is the mirror endpoint that rewritten references point at.
const ViewPath = "/view"

// urlAttrs lists the attributes holding a single URL and where they occur.
var urlAttrs = []struct {
	selector string
	attr     string
}{
	{"a[href], area[href], link[href]", "href"},
	{"img[src], script[src], iframe[src], frame[src], embed[src], video[src], audio[src], source[src], track[src], input[src]", "src"},
	{"video[poster]", "poster"},
	{"form[action]", "action"},
	{"button[formaction], input[formaction]", "formaction"},
}

// Rewriter rewrites fetched documents and records how many references it changed.
type Rewriter struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Rewriter. The metrics parameter is optional.
func New(logger *slog.Logger, m *metrics.Metrics) *Rewriter {
	return &Rewriter{
		logger:  logger.With("component", "rewriter"),
		metrics: m,
	}
}

// Rewrite rewrites doc against base. See Document.
func (r *Rewriter) Rewrite(doc string, base *url.URL) (string, error) {
	out, n, err := Document(doc, base)
	if err != nil {
		return "", err
	}
	if r.metrics != nil {
		r.metrics.RewrittenReferences.Add(float64(n))
	}
	r.logger.Debug("document rewritten", "base", base.String(), "references", n)
	return out, nil
}

// Document rewrites every reference in doc and returns the result with the
// number of references changed.
//
// The first <base href> in doc, resolved against base, replaces base for
// resolution; every <base> element is then removed. Charset declarations are
// rewritten to UTF-8. Input without <html>, <head> or <body> is treated as a
// fragment and returned without the implied document wrapper.
func Document(doc string, base *url.URL) (string, int, error) {
	if base == nil {
		return "", 0, fmt.Errorf("rewrite: nil base url")
	}

	root, err := parse(doc)
	if err != nil {
		return "", 0, fmt.Errorf("rewrite: parse html: %w", err)
	}
	sel := goquery.NewDocumentFromNode(root)

	base = documentBase(sel, base)
	sel.Find("base").Remove()

	n := 0
	for _, ua := range urlAttrs {
		sel.Find(ua.selector).Each(func(_ int, s *goquery.Selection) {
			v, _ := s.Attr(ua.attr)
			if p, ok := Reference(v, base); ok {
				s.SetAttr(ua.attr, p)
				n++
			}
		})
	}

	sel.Find("img[srcset], source[srcset]").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("srcset")
		if out, c := srcset(v, base); c > 0 {
			s.SetAttr("srcset", out)
			n += c
		}
	})

	sel.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("style")
		if out, c := CSS(v, base); c > 0 {
			s.SetAttr("style", out)
			n += c
		}
	})

	sel.Find("style").Each(func(_ int, s *goquery.Selection) {
		for _, node := range s.Nodes {
			for c := node.FirstChild; c != nil; c = c.NextSibling {
				if c.Type != html.TextNode {
					continue
				}
				out, cnt := CSS(c.Data, base)
				c.Data = out
				n += cnt
			}
		}
	})

	normalizeCharset(sel)

	out, err := sel.Html()
	if err != nil {
		return "", 0, fmt.Errorf("rewrite: render html: %w", err)
	}
	return out, n, nil
}

// Reference resolves a single attribute value against base and returns the
// mirror path for it. It reports false when the reference must be left as is.
func Reference(ref string, base *url.URL) (string, bool) {
	c := strings.TrimSpace(ref)
	c = strings.TrimSpace(strings.Trim(c, `"'`))
	if c == "" || strings.HasPrefix(c, "#") {
		return "", false
	}

	u, err := url.Parse(c)
	if err != nil {
		return "", false
	}
	u = unwrap(u)

	abs := base.ResolveReference(u)
	if (abs.Scheme != "http" && abs.Scheme != "https") || abs.Host == "" {
		return "", false
	}
	return ViewURL(abs.String()), true
}

// ViewURL returns the mirror path that serves target.
func ViewURL(target string) string {
	return ViewPath + "?url=" + url.QueryEscape(target)
}

// unwrap strips any number of proxy-relative /view?url= layers from u.
func unwrap(u *url.URL) *url.URL {
	for u.Scheme == "" && u.Host == "" && u.Path == ViewPath {
		target := u.Query().Get("url")
		if target == "" {
			break
		}
		inner, err := url.Parse(strings.TrimSpace(target))
		if err != nil {
			break
		}
		u = inner
	}
	return u
}

// documentBase returns the first <base href> resolved against base, or base.
func documentBase(sel *goquery.Document, base *url.URL) *url.URL {
	href, ok := sel.Find("base[href]").First().Attr("href")
	if !ok {
		return base
	}
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return base
	}
	resolved := base.ResolveReference(u)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return base
	}
	return resolved
}

// normalizeCharset makes in-document charset declarations agree with the
// UTF-8 text the mirror emits.
func normalizeCharset(sel *goquery.Document) {
	sel.Find("meta[charset]").SetAttr("charset", "utf-8")
	sel.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		if v, _ := s.Attr("http-equiv"); strings.EqualFold(strings.TrimSpace(v), "content-type") {
			s.SetAttr("content", "text/html; charset=utf-8")
		}
	})
}

// parse returns a root node whose children are the parsed document.
func parse(doc string) (*html.Node, error) {
	if isDocument(doc) {
		return html.Parse(strings.NewReader(doc))
	}

	ctx := atom.Body
	if a, ok := fragmentContexts[leadingTag(doc)]; ok {
		ctx = a
	}
	root := &html.Node{Type: html.ElementNode, Data: ctx.String(), DataAtom: ctx}
	nodes, err := html.ParseFragment(strings.NewReader(doc), root)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return root, nil
}

// fragmentContexts maps the leading tag of a fragment to the element it has
// to be parsed in. Parsed inside <body>, table and select parts lose their
// structure.
var fragmentContexts = map[atom.Atom]atom.Atom{
	atom.Caption:  atom.Table,
	atom.Colgroup: atom.Table,
	atom.Thead:    atom.Table,
	atom.Tbody:    atom.Table,
	atom.Tfoot:    atom.Table,
	atom.Col:      atom.Colgroup,
	atom.Tr:       atom.Tbody,
	atom.Td:       atom.Tr,
	atom.Th:       atom.Tr,
	atom.Option:   atom.Select,
	atom.Optgroup: atom.Select,
}

// leadingTag returns the first start tag of doc, skipping whitespace and
// comments. It returns 0 when doc starts with text.
func leadingTag(doc string) atom.Atom {
	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		switch z.Next() {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			return atom.Lookup(name)
		case html.TextToken:
			if strings.TrimSpace(string(z.Text())) != "" {
				return 0
			}
		case html.CommentToken, html.DoctypeToken:
		default:
			return 0
		}
	}
}

func isDocument(doc string) bool {
	lower := strings.ToLower(doc)
	for _, marker := range []string{"<!doctype", "<html", "<head", "<body"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
