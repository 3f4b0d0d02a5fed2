// Package search provides query parsing and execution for event search.
package search

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/storage"
)

// TokenType represents the type of a query token.
type TokenType int

const (
	TokenField TokenType = iota
	TokenOperator
	TokenValue
	TokenAnd
	TokenOr
	TokenNot
	TokenLParen
	TokenRParen
	TokenEOF
)

// Token represents a parsed query token.
type Token struct {
	Type  TokenType
	Value string
}

// Operator represents a comparison operator.
type Operator string

const (
	OpEquals      Operator = "="
	OpNotEquals   Operator = "!="
	OpContains    Operator = "~"
	OpNotContains Operator = "!~"
)

// Canonical field names. They match the JSON names of schema.Event.
const (
	FieldSourceIP  = "source_ip"
	FieldUsername  = "username"
	FieldEventType = "event_type"
	FieldSource    = "source"
	FieldSeverity  = "severity"
	FieldRaw       = "raw_message"
)

// FieldMapping maps query field names and shortcuts to event fields.
var FieldMapping = map[string]string{
	"source_ip":   FieldSourceIP,
	"ip":          FieldSourceIP,
	"src":         FieldSourceIP,
	"username":    FieldUsername,
	"user":        FieldUsername,
	"suser":       FieldUsername,
	"event_type":  FieldEventType,
	"type":        FieldEventType,
	"source":      FieldSource,
	"severity":    FieldSeverity,
	"raw_message": FieldRaw,
	"raw":         FieldRaw,
	"message":     FieldRaw,
}

// MapField maps a query field name to an event field.
func MapField(field string) (string, bool) {
	f, ok := FieldMapping[strings.ToLower(field)]
	return f, ok
}

// Expr is a node of a parsed query.
type Expr interface {
	Match(e *schema.Event) bool
	String() string
}

// Condition compares one event field against a value. Equality is exact
// unless the value holds a '*' wildcard; containment ignores case.
type Condition struct {
	Field    string
	Operator Operator
	Value    string
	pattern  *regexp.Regexp
}

// Match reports whether e satisfies the condition.
func (c *Condition) Match(e *schema.Event) bool {
	v := fieldValue(e, c.Field)
	switch c.Operator {
	case OpEquals:
		return c.equals(v)
	case OpNotEquals:
		return !c.equals(v)
	case OpContains:
		return strings.Contains(strings.ToLower(v), strings.ToLower(c.Value))
	case OpNotContains:
		return !strings.Contains(strings.ToLower(v), strings.ToLower(c.Value))
	}
	return false
}

func (c *Condition) equals(v string) bool {
	if c.pattern != nil {
		return c.pattern.MatchString(v)
	}
	return v == c.Value
}

func (c *Condition) String() string {
	return fmt.Sprintf("%s%s%s", c.Field, c.Operator, strconv.Quote(c.Value))
}

// IsWildcard reports whether the condition value holds a wildcard.
func (c *Condition) IsWildcard() bool {
	return c.pattern != nil
}

type andExpr struct{ left, right Expr }

func (a *andExpr) Match(e *schema.Event) bool { return a.left.Match(e) && a.right.Match(e) }
func (a *andExpr) String() string             { return "(" + a.left.String() + " AND " + a.right.String() + ")" }

type orExpr struct{ left, right Expr }

func (o *orExpr) Match(e *schema.Event) bool { return o.left.Match(e) || o.right.Match(e) }
func (o *orExpr) String() string             { return "(" + o.left.String() + " OR " + o.right.String() + ")" }

type notExpr struct{ inner Expr }

func (n *notExpr) Match(e *schema.Event) bool { return !n.inner.Match(e) }
func (n *notExpr) String() string             { return "NOT " + n.inner.String() }

// Query represents a parsed search query. A nil Expr matches every event.
type Query struct {
	Raw  string
	Expr Expr
}

// Match reports whether e satisfies the query.
func (q *Query) Match(e *schema.Event) bool {
	if q == nil || q.Expr == nil {
		return true
	}
	return q.Expr.Match(e)
}

// String returns the normalized form of the query.
func (q *Query) String() string {
	if q == nil || q.Expr == nil {
		return "*"
	}
	return q.Expr.String()
}

// Pushdown returns the store filter implied by the query: exact equality on
// source_ip, username or event_type that holds for every match. Only
// conditions reachable through a chain of ANDs from the root qualify.
func (q *Query) Pushdown() storage.EventQuery {
	var eq storage.EventQuery
	if q == nil || q.Expr == nil {
		return eq
	}

	var walk func(Expr)
	walk = func(x Expr) {
		switch n := x.(type) {
		case *andExpr:
			walk(n.left)
			walk(n.right)
		case *Condition:
			if n.Operator != OpEquals || n.pattern != nil {
				return
			}
			switch n.Field {
			case FieldSourceIP:
				if eq.SourceIP == "" {
					eq.SourceIP = n.Value
				}
			case FieldUsername:
				if eq.Username == "" {
					eq.Username = n.Value
				}
			case FieldEventType:
				if len(eq.Types) == 0 {
					eq.Types = []schema.EventType{schema.EventType(n.Value)}
				}
			}
		}
	}
	walk(q.Expr)
	return eq
}

func fieldValue(e *schema.Event, field string) string {
	switch field {
	case FieldSourceIP:
		return e.SourceIP
	case FieldUsername:
		return e.Username
	case FieldEventType:
		return string(e.Type)
	case FieldSource:
		return e.Source
	case FieldSeverity:
		return string(e.Severity)
	case FieldRaw:
		return e.Raw
	}
	return ""
}

// Lexer tokenizes a query string.
type Lexer struct {
	input   string
	pos     int
	current rune
}

// NewLexer creates a new lexer for the input string.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	if len(input) > 0 {
		l.current = rune(input[0])
	}
	return l
}

func (l *Lexer) advance() {
	l.pos++
	if l.pos < len(l.input) {
		l.current = rune(l.input[l.pos])
	} else {
		l.current = 0
	}
}

func (l *Lexer) peek() rune {
	if l.pos+1 < len(l.input) {
		return rune(l.input[l.pos+1])
	}
	return 0
}

func (l *Lexer) skipWhitespace() {
	for unicode.IsSpace(l.current) {
		l.advance()
	}
}

func isOperatorStart(r rune) bool {
	return r == ':' || r == '=' || r == '!' || r == '~'
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()

	if l.current == 0 {
		return Token{Type: TokenEOF}
	}

	if l.current == '(' {
		l.advance()
		return Token{Type: TokenLParen, Value: "("}
	}
	if l.current == ')' {
		l.advance()
		return Token{Type: TokenRParen, Value: ")"}
	}

	if isOperatorStart(l.current) {
		return l.readOperator()
	}

	if l.current == '"' || l.current == '\'' {
		return l.readQuotedString()
	}

	return l.readIdentifier()
}

func (l *Lexer) readOperator() Token {
	switch l.current {
	case ':', '=':
		l.advance()
		return Token{Type: TokenOperator, Value: "="}
	case '!':
		l.advance()
		if l.current == '=' || l.current == ':' {
			l.advance()
			return Token{Type: TokenOperator, Value: "!="}
		}
		if l.current == '~' {
			l.advance()
			return Token{Type: TokenOperator, Value: "!~"}
		}
		return Token{Type: TokenNot, Value: "NOT"}
	default:
		l.advance()
		return Token{Type: TokenOperator, Value: "~"}
	}
}

func (l *Lexer) readQuotedString() Token {
	quote := l.current
	l.advance()

	var b strings.Builder
	for l.current != 0 && l.current != quote {
		if l.current == '\\' && l.peek() == quote {
			l.advance()
		}
		b.WriteRune(l.current)
		l.advance()
	}

	if l.current == quote {
		l.advance()
	}
	return Token{Type: TokenValue, Value: b.String()}
}

func (l *Lexer) readIdentifier() Token {
	start := l.pos

	for l.current != 0 && !unicode.IsSpace(l.current) &&
		l.current != '(' && l.current != ')' && !isOperatorStart(l.current) {
		l.advance()
	}

	value := l.input[start:l.pos]

	switch strings.ToUpper(value) {
	case "AND", "&&":
		return Token{Type: TokenAnd, Value: "AND"}
	case "OR", "||":
		return Token{Type: TokenOr, Value: "OR"}
	case "NOT":
		return Token{Type: TokenNot, Value: "NOT"}
	}

	// A name directly followed by an operator is a field.
	l.skipWhitespace()
	if isOperatorStart(l.current) {
		// "!" alone is NOT, so only "!=", "!:" and "!~" make a field.
		if l.current != '!' || l.peek() == '=' || l.peek() == ':' || l.peek() == '~' {
			return Token{Type: TokenField, Value: value}
		}
	}

	return Token{Type: TokenValue, Value: value}
}

// Parser parses query tokens into an expression tree. Precedence from
// loosest to tightest is OR, AND, NOT. Adjacent terms are joined by AND.
type Parser struct {
	lexer   *Lexer
	current Token
	depth   int
}

// maxDepth bounds parenthesis and NOT nesting.
const maxDepth = 32

// NewParser creates a new parser for the query string.
func NewParser(query string) *Parser {
	p := &Parser{lexer: NewLexer(query)}
	p.advance()
	return p
}

func (p *Parser) advance() {
	p.current = p.lexer.NextToken()
}

// Parse parses the query string into a Query.
func (p *Parser) Parse() (*Query, error) {
	q := &Query{Raw: p.lexer.input}
	if p.current.Type == TokenEOF {
		return q, nil
	}

	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.current.Type != TokenEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", p.current.Value, p.lexer.pos)
	}
	q.Expr = expr
	return q, nil
}

func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.current.Type == TokenOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orExpr{left: left, right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.current.Type {
		case TokenAnd:
			p.advance()
		case TokenField, TokenValue, TokenNot, TokenLParen:
		default:
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &andExpr{left: left, right: right}
	}
}

func (p *Parser) parseUnary() (Expr, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxDepth {
		return nil, fmt.Errorf("query nested deeper than %d levels", maxDepth)
	}

	switch p.current.Type {
	case TokenNot:
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notExpr{inner: inner}, nil

	case TokenLParen:
		p.advance()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.current.Type != TokenRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.advance()
		return expr, nil

	case TokenField:
		return p.parseCondition()

	case TokenValue:
		// A bare term searches the raw message.
		c := &Condition{Field: FieldRaw, Operator: OpContains, Value: p.current.Value}
		p.advance()
		return c, nil

	case TokenEOF:
		return nil, fmt.Errorf("unexpected end of query")
	}
	return nil, fmt.Errorf("unexpected %q", p.current.Value)
}

func (p *Parser) parseCondition() (Expr, error) {
	name := p.current.Value
	field, ok := MapField(name)
	if !ok {
		return nil, fmt.Errorf("unknown field %q", name)
	}
	p.advance()

	if p.current.Type != TokenOperator {
		return nil, fmt.Errorf("expected operator after field %q", name)
	}
	cond := &Condition{Field: field, Operator: Operator(p.current.Value)}
	p.advance()

	if p.current.Type != TokenValue && p.current.Type != TokenField {
		return nil, fmt.Errorf("missing value for field %q", name)
	}
	cond.Value = p.current.Value
	p.advance()

	if (cond.Operator == OpEquals || cond.Operator == OpNotEquals) && strings.Contains(cond.Value, "*") {
		expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(cond.Value), `\*`, ".*") + "$"
		cond.pattern = regexp.MustCompile(expr)
	}
	return cond, nil
}

// ParseQuery is a convenience function to parse a query string.
func ParseQuery(query string) (*Query, error) {
	return NewParser(query).Parse()
}

// parseDuration parses relative time expressions like "now-1h", "now-7d".
func parseDuration(s string) (time.Duration, bool) {
	s = strings.ToLower(s)
	if !strings.HasPrefix(s, "now") {
		return 0, false
	}

	s = strings.TrimPrefix(s, "now")
	if s == "" {
		return 0, true
	}
	if s[0] != '-' {
		return 0, false
	}
	s = s[1:]

	dur, err := time.ParseDuration(s)
	if err != nil {
		if strings.HasSuffix(s, "d") {
			days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
			if err == nil && days >= 0 {
				return time.Duration(days) * 24 * time.Hour, true
			}
		}
		return 0, false
	}
	if dur < 0 {
		return 0, false
	}
	return dur, true
}

// ParseTime parses an absolute or relative time: RFC 3339, a date, "now",
// "now-<duration>" or Unix seconds or milliseconds.
func ParseTime(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if dur, ok := parseDuration(s); ok {
		return now.Add(-dur), nil
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ts > 1e12 {
			return time.UnixMilli(ts), nil
		}
		return time.Unix(ts, 0), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
