package server

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/limeandcoconut/brents-method/internal/optimizer"
)

// number — float64, у которого NaN и ±Inf кодируются как null
// (encoding/json на них возвращает ошибку)
type number float64

func (n number) MarshalJSON() ([]byte, error) {
	v := float64(n)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func numbers(vs []float64) []number {
	out := make([]number, len(vs))
	for i, v := range vs {
		out[i] = number(v)
	}
	return out
}

type iterView struct {
	K    int            `json:"k"`
	A    number         `json:"a"`
	B    number         `json:"b"`
	C    number         `json:"c"`
	X    number         `json:"x"`
	FX   number         `json:"fx"`
	Step optimizer.Step `json:"step"`
}

func newIterView(it optimizer.Iter) iterView {
	return iterView{
		K:    it.K,
		A:    number(it.A),
		B:    number(it.B),
		C:    number(it.C),
		X:    number(it.X),
		FX:   number(it.FX),
		Step: it.Step,
	}
}

type rootView struct {
	X           number           `json:"x"`
	FX          number           `json:"fx"`
	Iterations  int              `json:"iterations"`
	Evaluations int              `json:"evaluations"`
	Reason      optimizer.Reason `json:"reason"`
}

func newRootView(r optimizer.Root) rootView {
	return rootView{
		X:           number(r.X),
		FX:          number(r.FX),
		Iterations:  r.Iterations,
		Evaluations: r.Evaluations,
		Reason:      r.Reason,
	}
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 16, 64)
}
