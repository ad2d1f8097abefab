package tools

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Calculate evaluates an arithmetic expression supporting + - * / %
// and ** with parentheses and unary signs. Anything else is rejected.
func Calculate(expression string) (float64, error) {
	p := &exprParser{input: expression}

	value, err := p.parseExpr()
	if err != nil {
		return 0, fmt.Errorf("%w: calculator failed: %v", ErrToolExecution, err)
	}

	p.skipSpace()

	if p.pos != len(p.input) {
		return 0, fmt.Errorf("%w: calculator failed: unexpected %q", ErrToolExecution, p.input[p.pos:])
	}

	if math.IsInf(value, 0) || math.IsNaN(value) {
		return 0, fmt.Errorf("%w: calculator failed: result out of range", ErrToolExecution)
	}

	return value, nil
}

// exprParser is a recursive-descent parser over the grammar
//
//	expr   := term (('+'|'-') term)*
//	term   := power (('*'|'/'|'%') power)*
//	power  := unary ('**' power)?
//	unary  := ('+'|'-')* primary
//	primary := number | '(' expr ')'
type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}

	return p.input[p.pos]
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}

	for {
		p.skipSpace()

		switch p.peek() {
		case '+':
			p.pos++

			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}

			left += right
		case '-':
			p.pos++

			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}

			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parsePower()
	if err != nil {
		return 0, err
	}

	for {
		p.skipSpace()

		switch {
		case p.peek() == '*' && !strings.HasPrefix(p.input[p.pos:], "**"):
			p.pos++

			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}

			left *= right
		case p.peek() == '/':
			p.pos++

			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}

			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}

			left /= right
		case p.peek() == '%':
			p.pos++

			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}

			if right == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}

			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

// parsePower handles the right-associative ** operator.
func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parseUnary()
	if err != nil {
		return 0, err
	}

	p.skipSpace()

	if strings.HasPrefix(p.input[p.pos:], "**") {
		p.pos += 2

		exponent, err := p.parsePower()
		if err != nil {
			return 0, err
		}

		return math.Pow(base, exponent), nil
	}

	return base, nil
}

func (p *exprParser) parseUnary() (float64, error) {
	p.skipSpace()

	switch p.peek() {
	case '+':
		p.pos++

		return p.parseUnary()
	case '-':
		p.pos++

		value, err := p.parseUnary()
		if err != nil {
			return 0, err
		}

		return -value, nil
	}

	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (float64, error) {
	p.skipSpace()

	if p.peek() == '(' {
		p.pos++

		value, err := p.parseExpr()
		if err != nil {
			return 0, err
		}

		p.skipSpace()

		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}

		p.pos++

		return value, nil
	}

	start := p.pos
	for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}

	if p.pos == start {
		if p.pos >= len(p.input) {
			return 0, fmt.Errorf("unexpected end of expression")
		}

		return 0, fmt.Errorf("unexpected %q", p.input[p.pos:])
	}

	value, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}

	return value, nil
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
