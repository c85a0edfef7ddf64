package template

import (
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/pkg/errors"
)

// ErrTemplate is returned for invalid template syntax or unresolvable variables.
var ErrTemplate = errors.New("template error")

var (
	templateLexer = lexer.MustStateful(lexer.Rules{
		"Root": {
			{Name: "Comment", Pattern: `\{#(?:[^#]|#[^}])*#\}`},
			{Name: "ExprOpen", Pattern: `\{\{`, Action: lexer.Push("Expr")},
			{Name: "TagOpen", Pattern: `\{%`, Action: lexer.Push("Tag")},
			{Name: "Text", Pattern: `(?:[^{]|\{[^{%#])+|\{`},
		},
		"Expr": {
			{Name: "ExprClose", Pattern: `\}\}`, Action: lexer.Pop()},
			lexer.Include("Inner"),
		},
		"Tag": {
			{Name: "TagClose", Pattern: `%\}`, Action: lexer.Pop()},
			lexer.Include("Inner"),
		},
		"Inner": {
			{Name: "Whitespace", Pattern: `\s+`},
			{Name: "String", Pattern: `"(?:[^"\\]|\\.)*"`},
			{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_.]*`},
			{Name: "Punct", Pattern: `[|(),=]`},
		},
	})

	parser = participle.MustBuild[Template](
		participle.Lexer(templateLexer),
		participle.Elide("Comment", "Whitespace"),
		participle.Unquote("String"),
		participle.UseLookahead(4),
	)
)

type (
	// Template is a parsed template: literal text interleaved with variable
	// expressions and conditional blocks.
	Template struct {
		Nodes []*Node `parser:"@@*"`
	}

	// Node is one piece of a template.
	Node struct {
		Text *string `parser:"  @Text"`
		Expr *Expr   `parser:"| ExprOpen @@ ExprClose"`
		If   *If     `parser:"| @@"`
	}

	// Expr substitutes a context variable, optionally piped through filters.
	Expr struct {
		Var     string    `parser:"@Ident"`
		Filters []*Filter `parser:"( '|' @@ )*"`
	}

	// Filter transforms the value of an Expr, e.g. {{ name | default("x") }}.
	Filter struct {
		Name string   `parser:"@Ident"`
		Args []string `parser:"( '(' ( ( Ident '=' )? @String ( ',' ( Ident '=' )? @String )* )? ')' )?"`
	}

	// If renders Then when Var is defined and non-empty (inverted by `not`),
	// otherwise Else.
	If struct {
		Not  bool    `parser:"TagOpen 'if' @'not'?"`
		Var  string  `parser:"@Ident TagClose"`
		Then []*Node `parser:"@@*"`
		Else []*Node `parser:"( TagOpen 'else' TagClose @@* )?"`
		End  bool    `parser:"TagOpen @'endif' TagClose"`
	}
)

// Parse parses the raw template text identified by id.
func Parse(id, raw string) (*Template, error) {
	tmpl, err := parser.ParseString(id, raw)
	if err != nil {
		return nil, errors.Wrapf(ErrTemplate, "failed to parse template %s: %v", id, err)
	}

	return tmpl, nil
}

// Apply resolves raw against ctx and returns the rendered text. The id names the
// template in error messages (rmig uses the file's base name).
//
// Supported syntax:
//   - {{ name }} substitutes a variable; an undefined variable is an error
//   - {{ name | default("x") }} falls back to "x" when name is undefined
//   - {{ name | upper }}, lower and trim filters
//   - {% if name %}...{% else %}...{% endif %} renders a branch when name is defined and non-empty
//   - {# comment #} is removed
//
// Example usage:
//
//	sql, err := template.Apply("1.init.sql", "SELECT {{ name }} FROM DUAL;", map[string]string{
//		"name": "WORLD",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Println(sql) // SELECT WORLD FROM DUAL;
func Apply(id, raw string, ctx map[string]string) (string, error) {
	tmpl, err := Parse(id, raw)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := tmpl.Render(&sb, ctx); err != nil {
		return "", errors.Wrapf(err, "failed to render template %s", id)
	}

	return sb.String(), nil
}

// Render writes the template resolved against ctx to sb. A nil ctx is an empty context.
func (t *Template) Render(sb *strings.Builder, ctx map[string]string) error {
	return renderNodes(sb, t.Nodes, ctx)
}

func renderNodes(sb *strings.Builder, nodes []*Node, ctx map[string]string) error {
	for _, n := range nodes {
		switch {
		case n.Text != nil:
			sb.WriteString(*n.Text)
		case n.Expr != nil:
			v, err := n.Expr.eval(ctx)
			if err != nil {
				return err
			}
			sb.WriteString(v)
		case n.If != nil:
			v, ok := ctx[n.If.Var]
			branch := n.If.Else
			if (ok && v != "") != n.If.Not {
				branch = n.If.Then
			}

			if err := renderNodes(sb, branch, ctx); err != nil {
				return err
			}
		}
	}

	return nil
}

func (e *Expr) eval(ctx map[string]string) (string, error) {
	v, ok := ctx[e.Var]
	for _, f := range e.Filters {
		switch f.Name {
		case "default":
			if len(f.Args) != 1 {
				return "", errors.Wrapf(ErrTemplate, "filter default expects 1 argument, got %d", len(f.Args))
			}
			if !ok || v == "" {
				v, ok = f.Args[0], true
			}
		case "upper":
			v = strings.ToUpper(v)
		case "lower":
			v = strings.ToLower(v)
		case "trim":
			v = strings.TrimSpace(v)
		default:
			return "", errors.Wrapf(ErrTemplate, "unknown filter: %s", f.Name)
		}
	}

	if !ok {
		return "", errors.Wrapf(ErrTemplate, "variable %s not found in context", e.Var)
	}

	return v, nil
}
