// Package calc evaluates arithmetic expressions without executing code.
//
// The grammar accepts decimal and float literals, the binary operators
// + - * / // % **, unary + and -, and parentheses. There are no names,
// calls, or attribute access. Integer arithmetic is exact; true division
// and any operation involving a float produce a float, and float results
// are formatted the way Python's repr prints them, so "2 + 2" yields 4 and
// "7 / 2" yields 3.5.
package calc

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Evaluation errors.
var (
	ErrSyntax       = errors.New("invalid syntax")
	ErrDivideByZero = errors.New("division by zero")
	ErrOutOfRange   = errors.New("numerical result out of range")
	ErrDomain       = errors.New("math domain error")
)

const (
	maxExprLen  = 1024
	maxDepth    = 64
	maxIntBits  = 1 << 16
	maxExponent = 1 << 14
)

// Value is a calculator result: either an exact integer or a float.
type Value struct {
	i     *big.Int
	f     float64
	isInt bool
}

// Int returns an integer Value.
func Int(n int64) Value { return Value{i: big.NewInt(n), isInt: true} }

// Float returns a float Value.
func Float(f float64) Value { return Value{f: f} }

// IsInt reports whether v holds an exact integer.
func (v Value) IsInt() bool { return v.isInt }

// Float64 returns v as a float64.
func (v Value) Float64() float64 {
	if v.isInt {
		f, _ := new(big.Float).SetInt(v.i).Float64()
		return f
	}
	return v.f
}

// String formats v. Integers print without a decimal point; floats
// always carry one or an exponent.
func (v Value) String() string {
	if v.isInt {
		return v.i.String()
	}
	return formatFloat(v.f)
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	case f == 0:
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}
	exp := math.Floor(math.Log10(math.Abs(f)))
	if exp < -4 || exp >= 16 {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Eval parses and evaluates expr.
func Eval(expr string) (Value, error) {
	if len(expr) > maxExprLen {
		return Value{}, fmt.Errorf("expression too long (%d bytes, max %d)", len(expr), maxExprLen)
	}
	toks, err := tokenize(expr)
	if err != nil {
		return Value{}, err
	}
	p := &parser{toks: toks}
	v, err := p.expr()
	if err != nil {
		return Value{}, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return Value{}, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, t.text, t.pos)
	}
	return v, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9' || c == '.':
			start := i
			for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.' || s[i] == '_') {
				i++
			}
			if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
				j := i + 1
				if j < len(s) && (s[j] == '+' || s[j] == '-') {
					j++
				}
				if j < len(s) && s[j] >= '0' && s[j] <= '9' {
					i = j
					for i < len(s) && s[i] >= '0' && s[i] <= '9' {
						i++
					}
				}
			}
			toks = append(toks, token{kind: tokNum, text: s[start:i], pos: start})
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '*' || c == '/':
			if i+1 < len(s) && s[i+1] == c {
				toks = append(toks, token{kind: tokOp, text: s[i : i+2], pos: i})
				i += 2
				continue
			}
			toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
			i++
		case c == '+' || c == '-' || c == '%':
			toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
			i++
		default:
			return nil, fmt.Errorf("%w: unexpected character %q at offset %d", ErrSyntax, c, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(s)}), nil
}

type parser struct {
	toks  []token
	pos   int
	depth int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(ops ...string) bool {
	t := p.peek()
	if t.kind != tokOp {
		return false
	}
	for _, op := range ops {
		if t.text == op {
			return true
		}
	}
	return false
}

// expr := term (('+' | '-') term)*
func (p *parser) expr() (Value, error) {
	left, err := p.term()
	if err != nil {
		return Value{}, err
	}
	for p.isOp("+", "-") {
		op := p.next().text
		right, err := p.term()
		if err != nil {
			return Value{}, err
		}
		if left, err = apply(op, left, right); err != nil {
			return Value{}, err
		}
	}
	return left, nil
}

// term := unary (('*' | '/' | '//' | '%') unary)*
func (p *parser) term() (Value, error) {
	left, err := p.unary()
	if err != nil {
		return Value{}, err
	}
	for p.isOp("*", "/", "//", "%") {
		op := p.next().text
		right, err := p.unary()
		if err != nil {
			return Value{}, err
		}
		if left, err = apply(op, left, right); err != nil {
			return Value{}, err
		}
	}
	return left, nil
}

// unary := ('+' | '-') unary | power
func (p *parser) unary() (Value, error) {
	if p.isOp("+", "-") {
		op := p.next().text
		if p.depth++; p.depth > maxDepth {
			return Value{}, fmt.Errorf("%w: expression nested too deeply", ErrSyntax)
		}
		v, err := p.unary()
		p.depth--
		if err != nil || op == "+" {
			return v, err
		}
		return negate(v), nil
	}
	return p.power()
}

// power := primary ('**' unary)?
func (p *parser) power() (Value, error) {
	base, err := p.primary()
	if err != nil {
		return Value{}, err
	}
	if p.isOp("**") {
		p.next()
		exp, err := p.unary()
		if err != nil {
			return Value{}, err
		}
		return apply("**", base, exp)
	}
	return base, nil
}

// primary := number | '(' expr ')'
func (p *parser) primary() (Value, error) {
	t := p.next()
	switch t.kind {
	case tokNum:
		return parseNumber(t)
	case tokLParen:
		if p.depth++; p.depth > maxDepth {
			return Value{}, fmt.Errorf("%w: expression nested too deeply", ErrSyntax)
		}
		v, err := p.expr()
		p.depth--
		if err != nil {
			return Value{}, err
		}
		if c := p.next(); c.kind != tokRParen {
			return Value{}, fmt.Errorf("%w: expected ')' at offset %d", ErrSyntax, c.pos)
		}
		return v, nil
	case tokEOF:
		return Value{}, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
	default:
		return Value{}, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, t.text, t.pos)
	}
}

func parseNumber(t token) (Value, error) {
	text := t.text
	if strings.HasPrefix(text, "_") || strings.HasSuffix(text, "_") || strings.Contains(text, "__") {
		return Value{}, fmt.Errorf("%w: invalid number %q", ErrSyntax, text)
	}
	clean := strings.ReplaceAll(text, "_", "")
	if !strings.ContainsAny(clean, ".eE") {
		if len(clean) > 1 && clean[0] == '0' && strings.Trim(clean, "0") != "" {
			return Value{}, fmt.Errorf("%w: leading zeros in decimal integer literals are not permitted", ErrSyntax)
		}
		n, ok := new(big.Int).SetString(clean, 10)
		if !ok {
			return Value{}, fmt.Errorf("%w: invalid number %q", ErrSyntax, text)
		}
		return Value{i: n, isInt: true}, nil
	}
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return Float(f), nil
		}
		return Value{}, fmt.Errorf("%w: invalid number %q", ErrSyntax, text)
	}
	return Float(f), nil
}

func negate(v Value) Value {
	if v.isInt {
		return Value{i: new(big.Int).Neg(v.i), isInt: true}
	}
	return Float(-v.f)
}

func apply(op string, a, b Value) (Value, error) {
	if a.isInt && b.isInt {
		return applyInt(op, a.i, b.i)
	}
	return applyFloat(op, a.Float64(), b.Float64())
}

func applyInt(op string, a, b *big.Int) (Value, error) {
	r := new(big.Int)
	switch op {
	case "+":
		r.Add(a, b)
	case "-":
		r.Sub(a, b)
	case "*":
		if a.BitLen()+b.BitLen() > maxIntBits {
			return Value{}, ErrOutOfRange
		}
		r.Mul(a, b)
	case "/":
		if b.Sign() == 0 {
			return Value{}, ErrDivideByZero
		}
		q, _ := new(big.Rat).SetFrac(a, b).Float64()
		if math.IsInf(q, 0) {
			return Value{}, ErrOutOfRange
		}
		return Float(q), nil
	case "//", "%":
		if b.Sign() == 0 {
			return Value{}, ErrDivideByZero
		}
		q, m := new(big.Int).QuoRem(a, b, new(big.Int))
		if m.Sign() != 0 && m.Sign() != b.Sign() {
			q.Sub(q, big.NewInt(1))
			m.Add(m, b)
		}
		if op == "//" {
			r = q
		} else {
			r = m
		}
	case "**":
		if b.Sign() < 0 {
			return applyFloat(op, Value{i: a, isInt: true}.Float64(), Value{i: b, isInt: true}.Float64())
		}
		if !b.IsInt64() || b.Int64() > maxExponent || int64(a.BitLen())*b.Int64() > maxIntBits {
			if a.CmpAbs(big.NewInt(1)) <= 0 {
				return powSmall(a, b), nil
			}
			return Value{}, ErrOutOfRange
		}
		r.Exp(a, b, nil)
	default:
		return Value{}, fmt.Errorf("%w: unknown operator %q", ErrSyntax, op)
	}
	return Value{i: r, isInt: true}, nil
}

// powSmall handles bases in [-1, 1] raised to huge exponents.
func powSmall(a, b *big.Int) Value {
	switch {
	case a.Sign() == 0:
		return Int(0)
	case a.Sign() > 0:
		return Int(1)
	case b.Bit(0) == 0:
		return Int(1)
	default:
		return Int(-1)
	}
}

func applyFloat(op string, a, b float64) (Value, error) {
	var r float64
	switch op {
	case "+":
		r = a + b
	case "-":
		r = a - b
	case "*":
		r = a * b
	case "/":
		if b == 0 {
			return Value{}, ErrDivideByZero
		}
		r = a / b
	case "//":
		if b == 0 {
			return Value{}, ErrDivideByZero
		}
		r = math.Floor(a / b)
	case "%":
		if b == 0 {
			return Value{}, ErrDivideByZero
		}
		r = math.Mod(a, b)
		if r != 0 && (r < 0) != (b < 0) {
			r += b
		}
	case "**":
		if a == 0 && b < 0 {
			return Value{}, fmt.Errorf("%w: 0.0 cannot be raised to a negative power", ErrDivideByZero)
		}
		if a < 0 && b != math.Trunc(b) {
			return Value{}, ErrDomain
		}
		r = math.Pow(a, b)
	default:
		return Value{}, fmt.Errorf("%w: unknown operator %q", ErrSyntax, op)
	}
	if math.IsInf(r, 0) && !math.IsInf(a, 0) && !math.IsInf(b, 0) {
		return Value{}, ErrOutOfRange
	}
	return Float(r), nil
}
