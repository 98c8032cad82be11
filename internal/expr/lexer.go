// Package expr implements the closed expression language used by workflow
// steps: literals, arithmetic, comparisons, boolean logic, member access,
// a fixed set of builtins, and conditionals. No loops, no definitions,
// no I/O. Evaluation is bounded in wall time and result size.
package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenNumber
	tokenString
	tokenIdent
	tokenOperator // + - * / % == != < <= > >= ( ) [ ] . , ? :
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	input  string
	pos    int
	tokens []token
}

func lex(input string) ([]token, error) {
	l := &lexer{input: input}
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			l.pos++
		case ch >= '0' && ch <= '9':
			l.lexNumber()
		case ch == '"' || ch == '\'':
			if err := l.lexString(ch); err != nil {
				return nil, err
			}
		case isIdentStart(rune(ch)):
			l.lexIdent()
		default:
			if err := l.lexOperator(); err != nil {
				return nil, err
			}
		}
	}
	l.tokens = append(l.tokens, token{kind: tokenEOF, pos: l.pos})
	return l.tokens, nil
}

func (l *lexer) lexNumber() {
	start := l.pos
	seenDot := false
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch >= '0' && ch <= '9' {
			l.pos++
			continue
		}
		if ch == '.' && !seenDot && l.pos+1 < len(l.input) && l.input[l.pos+1] >= '0' && l.input[l.pos+1] <= '9' {
			seenDot = true
			l.pos++
			continue
		}
		break
	}
	l.tokens = append(l.tokens, token{kind: tokenNumber, text: l.input[start:l.pos], pos: start})
}

func (l *lexer) lexString(quote byte) error {
	start := l.pos
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '\\' && l.pos+1 < len(l.input) {
			next := l.input[l.pos+1]
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\', '"', '\'':
				sb.WriteByte(next)
			default:
				sb.WriteByte(next)
			}
			l.pos += 2
			continue
		}
		if ch == quote {
			l.pos++
			l.tokens = append(l.tokens, token{kind: tokenString, text: sb.String(), pos: start})
			return nil
		}
		sb.WriteByte(ch)
		l.pos++
	}
	return fmt.Errorf("unterminated string at offset %d", start)
}

func (l *lexer) lexIdent() {
	start := l.pos
	for l.pos < len(l.input) && isIdentPart(rune(l.input[l.pos])) {
		l.pos++
	}
	l.tokens = append(l.tokens, token{kind: tokenIdent, text: l.input[start:l.pos], pos: start})
}

var twoCharOps = map[string]bool{"==": true, "!=": true, "<=": true, ">=": true}

func (l *lexer) lexOperator() error {
	if l.pos+1 < len(l.input) {
		two := l.input[l.pos : l.pos+2]
		if twoCharOps[two] {
			l.tokens = append(l.tokens, token{kind: tokenOperator, text: two, pos: l.pos})
			l.pos += 2
			return nil
		}
	}
	ch := l.input[l.pos]
	switch ch {
	case '+', '-', '*', '/', '%', '<', '>', '(', ')', '[', ']', '.', ',', '?', ':':
		l.tokens = append(l.tokens, token{kind: tokenOperator, text: string(ch), pos: l.pos})
		l.pos++
		return nil
	}
	return fmt.Errorf("unexpected character %q at offset %d", ch, l.pos)
}

func isIdentStart(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch)
}

func isIdentPart(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch) || unicode.IsDigit(ch)
}
