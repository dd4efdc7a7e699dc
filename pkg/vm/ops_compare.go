package vm

import (
	"strings"

	"github.com/fortiblox/X1-Cadence/pkg/image"
)

// compare orders a against b. A string on either side compares as text,
// with numbers formatted as scripts print them. Mixed numbers compare as
// FLOAT.
func compare(p *Program, a, b Value) (int, error) {
	if a.IsString() || b.IsString() {
		if !a.IsString() && !numeric(a) || !b.IsString() && !numeric(b) {
			return 0, mismatch("<=>", a, b)
		}
		left, err := p.Text(a)
		if err != nil {
			return 0, err
		}
		right, err := p.Text(b)
		if err != nil {
			return 0, err
		}
		return strings.Compare(left, right), nil
	}
	switch {
	case a.Tag == image.TagInt && b.Tag == image.TagInt:
		switch {
		case a.Data < b.Data:
			return -1, nil
		case a.Data > b.Data:
			return 1, nil
		}
		return 0, nil
	case numeric(a) && numeric(b):
		fa, fb := asFloat(a), asFloat(b)
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	}
	return 0, mismatch("<=>", a, b)
}

func comparison(pred func(int) bool) Handler {
	return func(c *Context, p *Program) error {
		a, b, err := binaryOperands(p)
		if err != nil {
			return err
		}
		n, err := compare(p, a, b)
		if err != nil {
			return err
		}
		return p.stack.Push(Int(boolWord(pred(n))))
	}
}

var (
	opEqual        = comparison(func(n int) bool { return n == 0 })
	opNotEqual     = comparison(func(n int) bool { return n != 0 })
	opLessEqual    = comparison(func(n int) bool { return n <= 0 })
	opGreaterEqual = comparison(func(n int) bool { return n >= 0 })
	opLess         = comparison(func(n int) bool { return n < 0 })
	opGreater      = comparison(func(n int) bool { return n > 0 })
)
