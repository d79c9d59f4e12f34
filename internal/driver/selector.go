package driver

import (
	"fmt"
	"strings"
)

// SelectorKind identifies the query engine for a selector.
type SelectorKind string

const (
	SelectorCSS   SelectorKind = "css"
	SelectorXPath SelectorKind = "xpath"
	SelectorText  SelectorKind = "text"
)

// Selector is a parsed locator candidate.
type Selector struct {
	Kind SelectorKind
	Expr string
}

func (s Selector) String() string {
	return string(s.Kind) + "=" + s.Expr
}

// ParseSelector parses "xpath=...", "css=..." and "text=..." candidates.
// Unprefixed values starting with "/" or "html/" are XPath, everything else CSS.
func ParseSelector(raw string) (Selector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Selector{}, fmt.Errorf("empty selector")
	}

	if kind, expr, ok := strings.Cut(raw, "="); ok {
		switch SelectorKind(strings.ToLower(kind)) {
		case SelectorCSS, SelectorXPath, SelectorText:
			expr = strings.TrimSpace(expr)
			if expr == "" {
				return Selector{}, fmt.Errorf("empty %s selector", kind)
			}
			return Selector{Kind: SelectorKind(strings.ToLower(kind)), Expr: expr}, nil
		}
	}

	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "html/") || strings.HasPrefix(raw, "(") {
		return Selector{Kind: SelectorXPath, Expr: raw}, nil
	}
	return Selector{Kind: SelectorCSS, Expr: raw}, nil
}

// XPath returns an absolute XPath for XPath selectors. Playwright-style
// relative paths ("html/body/...") are anchored at the document root.
func (s Selector) XPath() string {
	if s.Kind != SelectorXPath {
		return ""
	}
	if strings.HasPrefix(s.Expr, "/") || strings.HasPrefix(s.Expr, "(") {
		return s.Expr
	}
	return "/" + s.Expr
}

// TextXPath builds an XPath matching the innermost element whose normalized
// text contains text.
func TextXPath(text string) string {
	lit := XPathLiteral(text)
	return fmt.Sprintf(
		"//body//*[not(self::script or self::style)][contains(normalize-space(.), %s)][not(*[contains(normalize-space(.), %s)])]",
		lit, lit,
	)
}

// XPathLiteral quotes s for use inside an XPath expression.
func XPathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, `"`)
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `'"'`)
		}
		if p != "" {
			quoted = append(quoted, `"`+p+`"`)
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
