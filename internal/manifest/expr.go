package manifest

import (
	"fmt"
	"strconv"
)

// The derived-column expression language is restricted arithmetic over
// same-row columns: identifiers, numeric literals, + - * /, unary minus and
// parentheses. Expressions are parsed once at manifest compile time; rows
// are evaluated against the resulting AST.

// TokenType identifies a lexical token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenIllegal
	TokenNumber
	TokenIdent
	TokenPlus
	TokenMinus
	TokenMultiply
	TokenDivide
	TokenLeftParen
	TokenRightParen
)

// Token is a single lexical token.
type Token struct {
	Type    TokenType
	Literal string
	Pos     int
}

// Lexer tokenizes expression strings.
type Lexer struct {
	input   string
	pos     int
	readPos int
	ch      byte
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0 // EOF
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()

	tok := Token{Pos: l.pos}

	switch l.ch {
	case '+':
		tok.Type, tok.Literal = TokenPlus, "+"
	case '-':
		tok.Type, tok.Literal = TokenMinus, "-"
	case '*':
		tok.Type, tok.Literal = TokenMultiply, "*"
	case '/':
		tok.Type, tok.Literal = TokenDivide, "/"
	case '(':
		tok.Type, tok.Literal = TokenLeftParen, "("
	case ')':
		tok.Type, tok.Literal = TokenRightParen, ")"
	case 0:
		tok.Type, tok.Literal = TokenEOF, ""
	default:
		if isDigit(l.ch) {
			tok.Type = TokenNumber
			tok.Literal = l.readNumber()
			return tok
		}
		if isIdentStart(l.ch) {
			tok.Type = TokenIdent
			tok.Literal = l.readIdentifier()
			return tok
		}
		tok.Type, tok.Literal = TokenIllegal, string(l.ch)
	}

	l.readChar()
	return tok
}

func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

func (l *Lexer) readNumber() string {
	start := l.pos
	for isDigit(l.ch) || l.ch == '.' {
		l.readChar()
	}
	return l.input[start:l.pos]
}

func (l *Lexer) readIdentifier() string {
	start := l.pos
	for isIdentStart(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	return l.input[start:l.pos]
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

// ============================================================================
// AST
// ============================================================================

// Expr is a parsed derived-column expression.
type Expr interface {
	// Eval evaluates the expression over a row view. The second return is
	// false when the expression cannot be computed for this row (a referenced
	// column has no value, or a division by zero occurred); the row stores
	// NULL for the derived column in that case.
	Eval(vars map[string]float64) (float64, bool)

	// String returns the canonical textual form.
	String() string
}

// NumberExpr is a numeric literal.
type NumberExpr struct {
	Value float64
}

func (e *NumberExpr) Eval(map[string]float64) (float64, bool) { return e.Value, true }
func (e *NumberExpr) String() string                          { return strconv.FormatFloat(e.Value, 'g', -1, 64) }

// RefExpr references another column in the same row.
type RefExpr struct {
	Name string
}

func (e *RefExpr) Eval(vars map[string]float64) (float64, bool) {
	v, ok := vars[e.Name]
	return v, ok
}
func (e *RefExpr) String() string { return e.Name }

// UnaryExpr is a unary minus.
type UnaryExpr struct {
	Operand Expr
}

func (e *UnaryExpr) Eval(vars map[string]float64) (float64, bool) {
	v, ok := e.Operand.Eval(vars)
	return -v, ok
}
func (e *UnaryExpr) String() string { return "-" + e.Operand.String() }

// BinaryExpr is an arithmetic operation over two sub-expressions.
type BinaryExpr struct {
	Left  Expr
	Op    TokenType
	Right Expr
}

func (e *BinaryExpr) Eval(vars map[string]float64) (float64, bool) {
	l, ok := e.Left.Eval(vars)
	if !ok {
		return 0, false
	}
	r, ok := e.Right.Eval(vars)
	if !ok {
		return 0, false
	}
	switch e.Op {
	case TokenPlus:
		return l + r, true
	case TokenMinus:
		return l - r, true
	case TokenMultiply:
		return l * r, true
	case TokenDivide:
		if r == 0 {
			return 0, false
		}
		return l / r, true
	}
	return 0, false
}

func (e *BinaryExpr) String() string {
	var op string
	switch e.Op {
	case TokenPlus:
		op = "+"
	case TokenMinus:
		op = "-"
	case TokenMultiply:
		op = "*"
	case TokenDivide:
		op = "/"
	}
	return "(" + e.Left.String() + " " + op + " " + e.Right.String() + ")"
}

// References returns the set of column names an expression refers to.
func References(e Expr) []string {
	seen := make(map[string]bool)
	var names []string
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case *RefExpr:
			if !seen[n.Name] {
				seen[n.Name] = true
				names = append(names, n.Name)
			}
		case *UnaryExpr:
			walk(n.Operand)
		case *BinaryExpr:
			walk(n.Left)
			walk(n.Right)
		}
	}
	walk(e)
	return names
}

// ============================================================================
// Parser
// ============================================================================

// Parser parses expressions using recursive descent.
type Parser struct {
	lexer   *Lexer
	current Token
	peek    Token
}

// NewParser creates a new parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{lexer: NewLexer(input)}
	// Read two tokens to initialize current and peek
	p.nextToken()
	p.nextToken()
	return p
}

// ParseExpression parses a derived-column expression string.
func ParseExpression(input string) (Expr, error) {
	return NewParser(input).Parse()
}

// Parse parses the input and returns an expression or error.
func (p *Parser) Parse() (Expr, error) {
	expr, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if p.current.Type != TokenEOF {
		return nil, fmt.Errorf("unexpected token %q at position %d", p.current.Literal, p.current.Pos)
	}
	return expr, nil
}

func (p *Parser) nextToken() {
	p.current = p.peek
	p.peek = p.lexer.NextToken()
}

// parseAdditive parses + and - (lowest precedence).
func (p *Parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}

	for p.current.Type == TokenPlus || p.current.Type == TokenMinus {
		op := p.current.Type
		p.nextToken()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Left: left, Op: op, Right: right}
	}

	return left, nil
}

// parseMultiplicative parses * and /.
func (p *Parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for p.current.Type == TokenMultiply || p.current.Type == TokenDivide {
		op := p.current.Type
		p.nextToken()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Left: left, Op: op, Right: right}
	}

	return left, nil
}

// parseUnary parses unary minus.
func (p *Parser) parseUnary() (Expr, error) {
	if p.current.Type == TokenMinus {
		p.nextToken()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Operand: operand}, nil
	}
	return p.parsePrimary()
}

// parsePrimary parses numbers, identifiers and parenthesized expressions.
func (p *Parser) parsePrimary() (Expr, error) {
	switch p.current.Type {
	case TokenNumber:
		v, err := strconv.ParseFloat(p.current.Literal, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", p.current.Literal, err)
		}
		p.nextToken()
		return &NumberExpr{Value: v}, nil

	case TokenIdent:
		name := p.current.Literal
		p.nextToken()
		return &RefExpr{Name: name}, nil

	case TokenLeftParen:
		p.nextToken()
		expr, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		if p.current.Type != TokenRightParen {
			return nil, fmt.Errorf("expected ')' at position %d, got %q", p.current.Pos, p.current.Literal)
		}
		p.nextToken()
		return expr, nil

	case TokenEOF:
		return nil, fmt.Errorf("unexpected end of expression")

	default:
		return nil, fmt.Errorf("unexpected token %q at position %d", p.current.Literal, p.current.Pos)
	}
}
