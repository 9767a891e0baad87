package optimizer

import (
	"errors"
	"fmt"
	"math"
)

// Step — каким способом получена очередная точка
type Step string

const (
	StepInterpolation Step = "interpolation"
	StepSecant        Step = "secant"
	StepBisection     Step = "bisection"
)

// Reason — почему поиск остановился с найденным корнем
type Reason string

const (
	// ReasonTolerance — ширина отрезка стала меньше ErrorTolerance
	ReasonTolerance Reason = "tolerance"
	// ReasonRoot — |f(x)| меньше 2ε
	ReasonRoot Reason = "root"
)

// Iter — одна итерация метода Брента (состояние после перескобки)
type Iter struct {
	K    int     `json:"k"`
	A    float64 `json:"a"`
	B    float64 `json:"b"`
	C    float64 `json:"c"`
	X    float64 `json:"x"`
	FX   float64 `json:"fx"`
	Step Step    `json:"step"`
}

// Root — результат успешного поиска
type Root struct {
	X           float64 `json:"x"`
	FX          float64 `json:"fx"`
	Iterations  int     `json:"iterations"`
	Evaluations int     `json:"evaluations"`
	Reason      Reason  `json:"reason"`
}

var (
	// ErrNotFound — бюджет итераций исчерпан без сходимости
	ErrNotFound = errors.New("brent: root not found within iteration budget")
	// ErrStopped — специальная ошибка для принудительной остановки
	ErrStopped = errors.New("brent: stopped by callback")
)

// Options — параметры сходимости.
// Отрицательный ErrorTolerance отключает критерий по ширине отрезка,
// MaxIterations <= 0 означает ни одной итерации (результат ErrNotFound).
type Options struct {
	ErrorTolerance float64
	MaxIterations  int
}

func DefaultOptions() Options {
	return Options{
		ErrorTolerance: 1e-7,
		MaxIterations:  50,
	}
}

type Option func(*Options)

func WithErrorTolerance(tol float64) Option {
	return func(o *Options) { o.ErrorTolerance = tol }
}

func WithMaxIterations(n int) Option {
	return func(o *Options) { o.MaxIterations = n }
}

// FindRoot ищет x на [lower, upper] (порядок границ не важен), где f(x) ≈ 0.
// Если корень не найден за MaxIterations итераций, возвращает ErrNotFound.
func FindRoot(f func(float64) float64, lower, upper float64, opts ...Option) (float64, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	root, err := Brent(ScalarFunc(f), lower, upper, o, nil)
	if err != nil {
		return 0, err
	}
	return root.X, nil
}

// Brent — метод Брента: обратная квадратичная интерполяция, секущая и
// бисекция как страховка. Наличие смены знака на концах не проверяется.
// onIter вызывается после каждой итерации; если вернёт ErrStopped — алгоритм прерывается.
// Ошибки f.Eval возвращаются вызывающему без подмены.
func Brent(
	f Func,
	lower, upper float64,
	opts Options,
	onIter func(Iter) error,
) (Root, error) {
	eps := math.Nextafter(1, 2) - 1
	yTol := 2 * eps

	notify := func(it Iter) error {
		if onIter == nil {
			return nil
		}
		return onIter(it)
	}

	evals := 0
	eval := func(x float64) (float64, error) {
		evals++
		y, err := f.Eval(x)
		if err != nil {
			return y, fmt.Errorf("brent: f(%g): %w", x, err)
		}
		return y, nil
	}

	a, b := lower, upper
	fa, err := eval(a)
	if err != nil {
		return Root{}, err
	}
	fb, err := eval(b)
	if err != nil {
		return Root{}, err
	}

	// b всегда лучшее приближение
	if math.Abs(fa) < math.Abs(fb) {
		a, b = b, a
		fa, fb = fb, fa
	}

	// fc остаётся значением f в исходной худшей границе, сдвигается только абсцисса c
	c, fc := a, fa
	d := c
	bisected := true

	for k := 1; k <= opts.MaxIterations; k++ {
		if math.Abs(b-a) < opts.ErrorTolerance {
			return Root{X: b, FX: fb, Iterations: k - 1, Evaluations: evals, Reason: ReasonTolerance}, nil
		}
		if math.Abs(fb) < yTol {
			return Root{X: b, FX: fb, Iterations: k - 1, Evaluations: evals, Reason: ReasonRoot}, nil
		}

		var x float64
		step := StepInterpolation
		if math.Abs(fa-fc) > yTol && math.Abs(fb-fc) > yTol && math.Abs(fa-fb) > yTol {
			x = inverseQuadratic(a, b, c, fa, fb, fc)
		} else {
			step = StepSecant
			// явное приведение запрещает FMA: результат одинаков на всех архитектурах
			x = b - float64(fc*((b-a)/(fb-fa)))
		}

		delta := 2 * eps * math.Abs(b)
		currentStep := math.Abs(x - b)
		previousStep := math.Abs(b - c)
		if !bisected {
			previousStep = math.Abs(c - d)
		}

		if math.IsNaN(x) || math.IsInf(x, 0) ||
			!between(x, (float64(3*a)+b)/4, b) ||
			currentStep >= previousStep/2 ||
			previousStep < delta {
			x = (a + b) / 2
			step = StepBisection
			bisected = true
		} else {
			bisected = false
		}

		y, err := eval(x)
		if err != nil {
			return Root{}, err
		}
		if math.Abs(y) < yTol {
			if err := notify(Iter{K: k, A: a, B: b, C: c, X: x, FX: y, Step: step}); err != nil {
				return Root{}, err
			}
			return Root{X: x, FX: y, Iterations: k, Evaluations: evals, Reason: ReasonRoot}, nil
		}

		d, c = c, b

		if fa*y < 0 {
			b, fb = x, y
		} else {
			a, fa = x, y
		}

		if math.Abs(fa) < math.Abs(fb) {
			a, b = b, a
			fa, fb = fb, fa
		}

		if err := notify(Iter{K: k, A: a, B: b, C: c, X: x, FX: y, Step: step}); err != nil {
			return Root{}, err
		}
	}

	return Root{}, ErrNotFound
}

// inverseQuadratic — корень параболы x(y) через три точки
func inverseQuadratic(a, b, c, fa, fb, fc float64) float64 {
	return a*fb*fc/((fa-fb)*(fa-fc)) +
		b*fa*fc/((fb-fa)*(fb-fc)) +
		c*fa*fb/((fc-fa)*(fc-fb))
}

// between — x строго внутри интервала с концами lo и hi
func between(x, lo, hi float64) bool {
	return (x-lo)*(x-hi) < 0
}
