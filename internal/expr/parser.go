package expr

import (
	"fmt"
	"strconv"
)

// node is an AST node of the closed grammar.
type node interface{}

type literalNode struct{ value Value }

type identNode struct{ name string }

type unaryNode struct {
	op      string // "-" or "not"
	operand node
}

type binaryNode struct {
	op          string // + - * / % == != < <= > >= and or
	left, right node
}

type indexNode struct {
	target node
	index  node
}

type attrNode struct {
	target node
	name   string
}

type callNode struct {
	// Either a builtin call (fn != "") or a map .get method (target != nil).
	fn     string
	target node
	args   []node
}

type condNode struct {
	cond, then, otherwise node
}

var builtins = map[string]struct{ minArgs, maxArgs int }{
	"len":   {1, 1},
	"float": {1, 1},
	"int":   {1, 1},
	"str":   {1, 1},
	"abs":   {1, 1},
	"min":   {1, -1},
	"max":   {1, -1},
}

// Parse compiles source into a reusable program. Out-of-grammar input is
// a domain error; parsing never executes anything.
func Parse(source string) (*Program, error) {
	tokens, err := lex(source)
	if err != nil {
		return nil, fmt.Errorf("lex: %w", err)
	}
	p := &parser{tokens: tokens}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.atEOF() {
		return nil, fmt.Errorf("unexpected trailing input at offset %d", p.peek().pos)
	}
	return &Program{source: source, root: root}, nil
}

// maxParseDepth bounds recursion so pathologically nested input fails
// with an error instead of exhausting the stack.
const maxParseDepth = 64

type parser struct {
	tokens []token
	pos    int
	depth  int
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxParseDepth {
		return fmt.Errorf("expression nested deeper than %d levels", maxParseDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) atEOF() bool { return p.peek().kind == tokenEOF }

func (p *parser) acceptOp(text string) bool {
	if p.peek().kind == tokenOperator && p.peek().text == text {
		p.pos++
		return true
	}
	return false
}

func (p *parser) acceptKeyword(word string) bool {
	if p.peek().kind == tokenIdent && p.peek().text == word {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectOp(text string) error {
	if !p.acceptOp(text) {
		return fmt.Errorf("expected %q at offset %d", text, p.peek().pos)
	}
	return nil
}

// parseExpr handles the conditional forms `a if cond else b` and
// `cond ? a : b`; both are accepted.
func (p *parser) parseExpr() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	value, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.acceptKeyword("if") {
		cond, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.acceptKeyword("else") {
			return nil, fmt.Errorf("conditional missing else at offset %d", p.peek().pos)
		}
		otherwise, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return condNode{cond: cond, then: value, otherwise: otherwise}, nil
	}
	if p.acceptOp("?") {
		then, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectOp(":"); err != nil {
			return nil, err
		}
		otherwise, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return condNode{cond: value, then: then, otherwise: otherwise}, nil
	}
	return value, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	if p.acceptKeyword("not") {
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "not", operand: operand}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]bool{"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOperator && comparisonOps[p.peek().text] {
		op := p.next().text
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.acceptOp("+"):
			right, err := p.parseMultiplicative()
			if err != nil {
				return nil, err
			}
			left = binaryNode{op: "+", left: left, right: right}
		case p.acceptOp("-"):
			right, err := p.parseMultiplicative()
			if err != nil {
				return nil, err
			}
			left = binaryNode{op: "-", left: left, right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.acceptOp("*"):
			op = "*"
		case p.acceptOp("/"):
			op = "/"
		case p.acceptOp("%"):
			op = "%"
		default:
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	if p.acceptOp("-") {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "-", operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	target, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.acceptOp("["):
			index, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp("]"); err != nil {
				return nil, err
			}
			target = indexNode{target: target, index: index}
		case p.acceptOp("."):
			name := p.peek()
			if name.kind != tokenIdent {
				return nil, fmt.Errorf("expected attribute name at offset %d", name.pos)
			}
			p.next()
			if name.text == "get" && p.acceptOp("(") {
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				if len(args) < 1 || len(args) > 2 {
					return nil, fmt.Errorf("get() takes 1 or 2 arguments, got %d", len(args))
				}
				target = callNode{target: target, args: args}
				continue
			}
			target = attrNode{target: target, name: name.text}
		default:
			return target, nil
		}
	}
}

func (p *parser) parseArgs() ([]node, error) {
	var args []node
	if p.acceptOp(")") {
		return args, nil
	}
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.acceptOp(",") {
			continue
		}
		if err := p.expectOp(")"); err != nil {
			return nil, err
		}
		return args, nil
	}
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokenNumber:
		p.next()
		if hasDot(t.text) {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", t.text)
			}
			return literalNode{value: Float(f)}, nil
		}
		i, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			// Very large integer literals fall back to float.
			f, ferr := strconv.ParseFloat(t.text, 64)
			if ferr != nil {
				return nil, fmt.Errorf("bad number %q", t.text)
			}
			return literalNode{value: Float(f)}, nil
		}
		return literalNode{value: Int(i)}, nil

	case tokenString:
		p.next()
		return literalNode{value: Str(t.text)}, nil

	case tokenIdent:
		switch t.text {
		case "true", "True":
			p.next()
			return literalNode{value: Bool(true)}, nil
		case "false", "False":
			p.next()
			return literalNode{value: Bool(false)}, nil
		case "none", "None", "null":
			p.next()
			return literalNode{value: Value{}}, nil
		}
		if spec, ok := builtins[t.text]; ok {
			p.next()
			if err := p.expectOp("("); err != nil {
				return nil, err
			}
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			if len(args) < spec.minArgs || (spec.maxArgs >= 0 && len(args) > spec.maxArgs) {
				return nil, fmt.Errorf("%s() argument count %d out of range", t.text, len(args))
			}
			return callNode{fn: t.text, args: args}, nil
		}
		p.next()
		return identNode{name: t.text}, nil

	case tokenOperator:
		if t.text == "(" {
			p.next()
			inner, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return inner, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %q at offset %d", t.text, t.pos)
}

func hasDot(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return true
		}
	}
	return false
}
