package filter

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenWord
	tokenRegexp
	tokenPunct
)

type token struct {
	kind  tokenKind
	value string
}

func (t token) String() string {
	switch t.kind {
	case tokenEOF:
		return "end of input"
	case tokenRegexp:
		return "/" + t.value + "/"
	default:
		return fmt.Sprintf("%q", t.value)
	}
}

type lexer struct {
	input []rune
	pos   int
}

func isWordRune(r rune) bool {
	return r == '_' || r == '$' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(l.input[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokenEOF}, nil
	}

	r := l.input[l.pos]
	switch {
	case r == '/':
		l.pos++
		var sb strings.Builder
		for {
			if l.pos >= len(l.input) {
				return token{}, fmt.Errorf("unterminated regular expression: /%s", sb.String())
			}
			c := l.input[l.pos]
			l.pos++
			if c == '/' {
				break
			}
			if c == '\\' && l.pos < len(l.input) && l.input[l.pos] == '/' {
				c = '/'
				l.pos++
			}
			sb.WriteRune(c)
		}
		return token{kind: tokenRegexp, value: sb.String()}, nil
	case r == '`' || r == '\'' || r == '"':
		end := -1
		for i := l.pos + 1; i < len(l.input); i++ {
			if l.input[i] == r {
				end = i
				break
			}
		}
		if end < 0 {
			return token{}, fmt.Errorf("unterminated quoted name starting at %d", l.pos)
		}
		value := string(l.input[l.pos+1 : end])
		l.pos = end + 1
		return token{kind: tokenWord, value: value}, nil
	case isWordRune(r):
		start := l.pos
		for l.pos < len(l.input) && isWordRune(l.input[l.pos]) {
			l.pos++
		}
		return token{kind: tokenWord, value: string(l.input[start:l.pos])}, nil
	case strings.ContainsRune("*.:,=", r):
		l.pos++
		return token{kind: tokenPunct, value: string(r)}, nil
	default:
		return token{}, fmt.Errorf("unexpected character %q at %d", r, l.pos)
	}
}

type parser struct {
	lexer   *lexer
	current token
}

func (p *parser) advance() error {
	tok, err := p.lexer.next()
	if err != nil {
		return err
	}
	p.current = tok
	return nil
}

func (p *parser) expectPunct(punct string) error {
	if p.current.kind != tokenPunct || p.current.value != punct {
		return fmt.Errorf("expected %q, saw %s", punct, p.current)
	}
	return p.advance()
}

func (p *parser) parsePattern() (*regexp.Regexp, error) {
	var expr string
	switch {
	case p.current.kind == tokenRegexp:
		expr = p.current.value
	case p.current.kind == tokenPunct && p.current.value == "*":
		expr = ""
	case p.current.kind == tokenWord:
		expr = "^" + regexp.QuoteMeta(p.current.value) + "$"
	default:
		return nil, fmt.Errorf("expected a name or a regular expression, saw %s", p.current)
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", expr, err)
	}
	return re, p.advance()
}

func (p *parser) parseRule() (Rule, error) {
	if p.current.kind != tokenWord {
		return Rule{}, fmt.Errorf("expected [include, exclude, blacklist], saw %s", p.current)
	}

	var rule Rule
	switch strings.ToLower(p.current.value) {
	case "include":
		rule.Kind = Include
	case "exclude":
		rule.Kind = Exclude
	case "blacklist":
		rule.Kind = Blacklist
	default:
		return Rule{}, fmt.Errorf("unknown filter keyword: %q", p.current.value)
	}

	if err := p.advance(); err != nil {
		return Rule{}, err
	}
	if err := p.expectPunct(":"); err != nil {
		return Rule{}, err
	}

	var err error
	if rule.Database, err = p.parsePattern(); err != nil {
		return Rule{}, err
	}
	if err = p.expectPunct("."); err != nil {
		return Rule{}, err
	}
	if rule.Table, err = p.parsePattern(); err != nil {
		return Rule{}, err
	}

	if p.current.kind == tokenPunct && p.current.value == "." {
		if err = p.advance(); err != nil {
			return Rule{}, err
		}
		if p.current.kind != tokenWord {
			return Rule{}, fmt.Errorf("expected a column name, saw %s", p.current)
		}
		rule.Column = p.current.value
		if err = p.advance(); err != nil {
			return Rule{}, err
		}
		if err = p.expectPunct("="); err != nil {
			return Rule{}, err
		}
		if rule.Value, err = p.parsePattern(); err != nil {
			return Rule{}, err
		}
	}

	if p.current.kind == tokenPunct && p.current.value == "," {
		if err = p.advance(); err != nil {
			return Rule{}, err
		}
	}
	return rule, nil
}

// ParseRules parses a comma separated list of rules such as
// "exclude: *.*, include: shop./orders_\d+/, blacklist: bad_db.*, include: shop.users.tenant_id=42".
func ParseRules(input string) ([]Rule, error) {
	p := &parser{lexer: &lexer{input: []rune(input)}}
	if err := p.advance(); err != nil {
		return nil, err
	}

	var rules []Rule
	for p.current.kind != tokenEOF {
		rule, err := p.parseRule()
		if err != nil {
			return nil, fmt.Errorf("failed to parse filter %q: %w", input, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
