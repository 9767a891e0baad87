package optimizer

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"
)

// Func — интерфейс для абстрактной функции f(x)
type Func interface {
	Eval(x float64) (float64, error)
}

// ScalarFunc — адаптер обычной функции Go к Func
type ScalarFunc func(float64) float64

func (f ScalarFunc) Eval(x float64) (float64, error) {
	return f(x), nil
}

// evalFunc — реализация Func на основе govaluate
type evalFunc struct {
	src  string
	expr *govaluate.EvaluableExpression
}

// xParam — единственная переменная выражения; своя на каждый вызов,
// поэтому Eval можно звать из нескольких горутин
type xParam float64

func (p xParam) Get(name string) (interface{}, error) {
	if name != "x" {
		return nil, fmt.Errorf("неизвестная переменная %q", name)
	}
	return float64(p), nil
}

func unary(fn func(float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("ожидается 1 аргумент, получено %d", len(args))
		}
		return fn(toFloat(args[0])), nil
	}
}

var funcs = map[string]govaluate.ExpressionFunction{
	"sin":  unary(math.Sin),
	"cos":  unary(math.Cos),
	"tan":  unary(math.Tan),
	"atan": unary(math.Atan),
	"sinh": unary(math.Sinh),
	"cosh": unary(math.Cosh),
	"tanh": unary(math.Tanh),
	"exp":  unary(math.Exp),
	"log":  unary(math.Log),
	"sqrt": unary(math.Sqrt),
	"cbrt": unary(math.Cbrt),
	"abs":  unary(math.Abs),
	"pow": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("pow: ожидается 2 аргумента, получено %d", len(args))
		}
		return math.Pow(toFloat(args[0]), toFloat(args[1])), nil
	},
}

// десятичная запятая: только между цифрами, чтобы не ломать pow(x,3).
// Аргументы-числа разделяются запятой с пробелом: pow(2, 3)
var decimalComma = regexp.MustCompile(`(\d),(\d)`)

// NewEvalFunc создаёт вычислимую функцию по строке f(x)
func NewEvalFunc(expr string) (Func, error) {
	// нормализуем запятые в десятичной записи
	src := decimalComma.ReplaceAllString(strings.TrimSpace(expr), "$1.$2")
	if src == "" {
		return nil, fmt.Errorf("пустое выражение")
	}

	parsed, err := govaluate.NewEvaluableExpressionWithFunctions(src, funcs)
	if err != nil {
		return nil, err
	}

	for _, v := range parsed.Vars() {
		if v != "x" {
			return nil, fmt.Errorf("неизвестная переменная %q, допустима только x", v)
		}
	}

	return &evalFunc{src: src, expr: parsed}, nil
}

func (f *evalFunc) String() string {
	return f.src
}

func (f *evalFunc) Eval(x float64) (float64, error) {
	v, err := f.expr.Eval(xParam(x))
	if err != nil {
		return math.NaN(), err
	}

	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		parsed, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return math.NaN(), err
		}
		return parsed, nil
	default:
		return math.NaN(), fmt.Errorf("выражение не вернуло число: %T", v)
	}
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return math.NaN()
	}
}
