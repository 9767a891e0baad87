package server

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/limeandcoconut/brents-method/internal/config"
	"github.com/limeandcoconut/brents-method/internal/optimizer"
)

// параметры запуска метода
type RunParams struct {
	Func           string   `json:"func"`
	Lower          float64  `json:"lower"`
	Upper          float64  `json:"upper"`
	ErrorTolerance *float64 `json:"errorTolerance,omitempty"`
	MaxIterations  *int     `json:"maxIterations,omitempty"`
}

func (p RunParams) validate() error {
	if p.Func == "" {
		return errors.New("требуется func")
	}
	if !finite(p.Lower) || !finite(p.Upper) {
		return errors.New("границы должны быть конечными числами")
	}
	if p.ErrorTolerance != nil && !(*p.ErrorTolerance >= 0) {
		return errors.New("errorTolerance должен быть >= 0")
	}
	if p.MaxIterations != nil && *p.MaxIterations <= 0 {
		return errors.New("maxIterations должен быть > 0")
	}
	return nil
}

// options — явно переданные значения, иначе из конфигурации
func (p RunParams) options(def config.SolverConfig) optimizer.Options {
	opts := optimizer.Options{
		ErrorTolerance: def.ErrorTolerance,
		MaxIterations:  def.MaxIterations,
	}
	if p.ErrorTolerance != nil {
		opts.ErrorTolerance = *p.ErrorTolerance
	}
	if p.MaxIterations != nil {
		opts.MaxIterations = *p.MaxIterations
	}
	return opts
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

type Status string

const (
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusNotFound Status = "notfound"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// состояние одного запуска
type RunState struct {
	ID        string
	Params    RunParams
	Options   optimizer.Options
	CreatedAt time.Time
	Cancel    context.CancelFunc

	mu     sync.Mutex
	status Status
	iters  []optimizer.Iter
	root   *optimizer.Root
	err    string
}

func (rs *RunState) addIter(it optimizer.Iter) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.iters = append(rs.iters, it)
}

func (rs *RunState) finish(status Status, root *optimizer.Root, err string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.status = status
	rs.root = root
	rs.err = err
}

// RunSnapshot — копия состояния, безопасная для чтения вне горутины запуска
type RunSnapshot struct {
	ID        string           `json:"id"`
	Params    RunParams        `json:"params"`
	CreatedAt time.Time        `json:"createdAt"`
	Status    Status           `json:"status"`
	Root      *rootView        `json:"root,omitempty"`
	Err       string           `json:"err,omitempty"`
	Iters     []optimizer.Iter `json:"-"`
}

func (rs *RunState) snapshot() RunSnapshot {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	snap := RunSnapshot{
		ID:        rs.ID,
		Params:    rs.Params,
		CreatedAt: rs.CreatedAt,
		Status:    rs.status,
		Err:       rs.err,
		Iters:     append([]optimizer.Iter(nil), rs.iters...),
	}
	if rs.root != nil {
		v := newRootView(*rs.root)
		snap.Root = &v
	}
	return snap
}

func (s RunSnapshot) finished() bool {
	return s.Status != StatusRunning
}

type runStore struct {
	mu   sync.Mutex
	runs map[string]*RunState
}

func newRunStore() *runStore {
	return &runStore{runs: map[string]*RunState{}}
}

func (st *runStore) save(rs *RunState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.runs[rs.ID] = rs
}

func (st *runStore) get(id string) *RunState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.runs[id]
}

// cancelAll останавливает все незавершённые запуски
func (st *runStore) cancelAll() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, rs := range st.runs {
		if rs.Cancel != nil {
			rs.Cancel()
		}
	}
}
