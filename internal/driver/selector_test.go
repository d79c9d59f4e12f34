package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSelector(t *testing.T) {
	tests := []struct {
		raw  string
		want Selector
	}{
		{"xpath=html/body/div/form/button", Selector{Kind: SelectorXPath, Expr: "html/body/div/form/button"}},
		{"css=#email", Selector{Kind: SelectorCSS, Expr: "#email"}},
		{"text=Entrar", Selector{Kind: SelectorText, Expr: "Entrar"}},
		{"TEXT=Salvar", Selector{Kind: SelectorText, Expr: "Salvar"}},
		{"/html/body", Selector{Kind: SelectorXPath, Expr: "/html/body"}},
		{"html/body/div[1]", Selector{Kind: SelectorXPath, Expr: "html/body/div[1]"}},
		{`input[name="email"]`, Selector{Kind: SelectorCSS, Expr: `input[name="email"]`}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseSelector(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSelectorRejectsEmpty(t *testing.T) {
	_, err := ParseSelector("  ")
	require.Error(t, err)

	_, err = ParseSelector("xpath=")
	require.Error(t, err)
}

func TestSelectorXPathAnchorsRelativePaths(t *testing.T) {
	sel, err := ParseSelector("xpath=html/body/div/form/button")
	require.NoError(t, err)
	assert.Equal(t, "/html/body/div/form/button", sel.XPath())

	css, err := ParseSelector("#x")
	require.NoError(t, err)
	assert.Empty(t, css.XPath())
}

func TestXPathLiteral(t *testing.T) {
	assert.Equal(t, `"plain"`, XPathLiteral("plain"))
	assert.Equal(t, `'say "hi"'`, XPathLiteral(`say "hi"`))
	assert.Equal(t, `concat("it's ", '"', "quoted", '"')`, XPathLiteral(`it's "quoted"`))
}
