package rewrite

import (
	"net/url"
	"strings"

	"github.com/gorilla/css/scanner"
)

// CSS rewrites url(...) references and @import strings in a stylesheet or
// style attribute. It returns the input unchanged when the scanner reports
// an error, along with the number of references changed.
func CSS(css string, base *url.URL) (string, int) {
	if !strings.Contains(strings.ToLower(css), "url(") && !strings.Contains(strings.ToLower(css), "@import") {
		return css, 0
	}

	var b strings.Builder
	b.Grow(len(css))

	n := 0
	afterImport := false
	s := scanner.New(css)
	for {
		tok := s.Next()
		switch tok.Type {
		case scanner.TokenEOF:
			if n == 0 {
				return css, 0
			}
			return b.String(), n
		case scanner.TokenError:
			return css, 0
		case scanner.TokenURI:
			if out, ok := rewriteURIToken(tok.Value, base); ok {
				b.WriteString(out)
				n++
			} else {
				b.WriteString(tok.Value)
			}
			afterImport = false
			continue
		case scanner.TokenString:
			if afterImport {
				if out, ok := rewriteStringToken(tok.Value, base); ok {
					b.WriteString(out)
					n++
					afterImport = false
					continue
				}
			}
			afterImport = false
		case scanner.TokenAtKeyword:
			afterImport = strings.EqualFold(tok.Value, "@import")
		case scanner.TokenS, scanner.TokenComment:
			// @import may be separated from its string by whitespace or comments.
		default:
			afterImport = false
		}
		b.WriteString(tok.Value)
	}
}

// rewriteURIToken rewrites a url(...) token, keeping its whitespace and quote style.
func rewriteURIToken(tok string, base *url.URL) (string, bool) {
	if len(tok) < 5 || !strings.EqualFold(tok[:4], "url(") || tok[len(tok)-1] != ')' {
		return "", false
	}
	inner := tok[4 : len(tok)-1]
	body := strings.TrimLeft(inner, " \t\r\n\f")
	lead := inner[:len(inner)-len(body)]
	body = strings.TrimRight(body, " \t\r\n\f")
	trail := inner[len(lead)+len(body):]

	quote := ""
	if len(body) >= 2 && (body[0] == '"' || body[0] == '\'') && body[len(body)-1] == body[0] {
		quote = body[:1]
		body = body[1 : len(body)-1]
	}

	p, ok := Reference(body, base)
	if !ok {
		return "", false
	}
	return tok[:4] + lead + quote + p + quote + trail + ")", true
}

// rewriteStringToken rewrites a quoted string token such as the target of @import.
func rewriteStringToken(tok string, base *url.URL) (string, bool) {
	if len(tok) < 2 {
		return "", false
	}
	quote := tok[:1]
	p, ok := Reference(tok[1:len(tok)-1], base)
	if !ok {
		return "", false
	}
	return quote + p + quote, true
}
