package k8s

import (
	"sort"
	"strings"
)

// k8s Label SelectorElement like EqualityBased or SetBased
type SelectorElement interface {
	// convert to querystring expression for label
	QueryString(label string) string

	// return true if this is equal to other. otherwise false.
	//
	// this method SHOULD return false when other is not same struct for itself.
	Equal(other SelectorElement) bool
}

type LabelSelector map[string]SelectorElement

// convert to string value in form of query string.
//
// Requirements are ordered by label key.
func (ls LabelSelector) QueryString() string {
	if len(ls) == 0 {
		return ""
	}

	keys := make([]string, 0, len(ls))
	for k := range ls {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	exprs := make([]string, 0, len(keys))
	for _, k := range keys {
		exprs = append(exprs, ls[k].QueryString(k))
	}
	return strings.Join(exprs, ",")
}

// Matches reports whether labels satisfy all requirements of the selector.
func (ls LabelSelector) Matches(labels map[string]string) bool {
	for k, sel := range ls {
		v, ok := labels[k]
		eqb, isEq := sel.(EqualityBased)
		if !isEq {
			return false
		}
		op, want := eqb.destruct()
		switch op {
		case "=":
			if !ok || v != want {
				return false
			}
		case "!=":
			if ok && v == want {
				return false
			}
		}
	}
	return true
}

// see: https://kubernetes.io/docs/concepts/overview/working-with-objects/labels/#equality-based-requirement
type EqualityBased string

var _ SelectorElement = EqualityBased("")

func NotEq(value string) EqualityBased {
	_, v := EqualityBased(value).destruct()
	return EqualityBased("!=" + v)
}

func Eq(value string) EqualityBased {
	_, v := EqualityBased(value).destruct()
	return EqualityBased("=" + v)
}

func (eqb EqualityBased) destruct() (operator string, value string) {
	exp := string(eqb)
	if exp == "" {
		return "=", ""
	}

	switch exp[0] {
	case '=':
		offset := 1
		if 1 < len(exp) && exp[1] == '=' {
			offset += 1
		}
		return "=", exp[offset:]
	case '!':
		if 1 < len(exp) && exp[1] == '=' {
			return "!=", exp[2:]
		}
		// "!foo" does not mean "!=foo" .
		return "=", exp
	default:
		return "=", exp
	}
}

func (eqb EqualityBased) QueryString(label string) string {
	op, v := eqb.destruct()
	return label + op + v
}

func (eqb EqualityBased) Equal(other SelectorElement) bool {
	switch o := other.(type) {
	case EqualityBased:
		op, v := eqb.destruct()
		oop, ov := o.destruct()
		return op == oop && v == ov
	default:
		return false
	}
}

func LabelsToSelector(ls map[string]string) LabelSelector {
	sel := LabelSelector{}
	for k, v := range ls {
		sel[k] = Eq(v)
	}
	return sel
}
