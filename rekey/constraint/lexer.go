package constraint

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// DescriptionLexer tokenizes constraint description files and --dependents flag values.
var DescriptionLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `(?:#|//)[^\n]*`},
	{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_$]*`},
	{Name: "Punct", Pattern: `[{}:.,@]`},
	{Name: "Whitespace", Pattern: `\s+`},
})
