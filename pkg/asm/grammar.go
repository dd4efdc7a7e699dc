package asm

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var casmLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `;[^\n]*`},
	{Name: "String", Pattern: `"(\\.|[^"\\])*"`},
	{Name: "Float", Pattern: `[-+]?\d+\.\d*`},
	{Name: "Int", Pattern: `[-+]?(0[xX][0-9a-fA-F]+|\d+)`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Punct", Pattern: `[.:=@#&]`},
	{Name: "EOL", Pattern: `\n`},
	{Name: "Whitespace", Pattern: `[ \t\r]+`},
})

type file struct {
	Lines []*line `@@*`
}

type line struct {
	Pos   lexer.Position
	Label string `( @Ident ":" )?`
	Stmt  *stmt  `@@? EOL`
}

type stmt struct {
	Directive *directive `  @@`
	Instr     *instr     `| @@`
}

// directive is ".proc name attrs..." or ".entry label".
type directive struct {
	Pos   lexer.Position
	Kind  string  `"." @Ident`
	Name  string  `@Ident`
	Attrs []*attr `@@*`
}

type attr struct {
	Key   string `@Ident`
	Value string `( "=" @( Ident | Int ) )?`
}

type instr struct {
	Pos lexer.Position
	Op  string   `@Ident`
	Arg *operand `@@?`
}

type operand struct {
	Float  *string `  @Float`
	Int    *string `| @Int`
	String *string `| @String`
	Label  *string `| "@" @Ident`
	Ident  *string `| "#" @Ident`
	Proc   *string `| "&" @Ident`
}

var parser = participle.MustBuild[file](
	participle.Lexer(casmLexer),
	participle.Elide("Comment", "Whitespace"),
	participle.Unquote("String"),
	participle.UseLookahead(2),
)
