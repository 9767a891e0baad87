package server

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/limeandcoconut/brents-method/internal/optimizer"
)

// StartRun запускает новый поиск корня
func (s *Server) StartRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "только POST", http.StatusMethodNotAllowed)
		return
	}

	var p RunParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "ошибка JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := p.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f, err := optimizer.NewEvalFunc(p.Func)
	if err != nil {
		http.Error(w, "ошибка в выражении функции: "+err.Error(), http.StatusBadRequest)
		return
	}

	xs, ys := sample(f, p.Lower, p.Upper, s.cfg.Runs.SamplePoints)

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	rs := &RunState{
		ID:        id,
		Params:    p,
		Options:   p.options(s.cfg.Solver),
		CreatedAt: time.Now(),
		Cancel:    cancel,
		status:    StatusRunning,
	}
	s.runs.save(rs)

	s.log.Info("run started",
		zap.String("id", id),
		zap.String("func", p.Func),
		zap.Float64("lower", p.Lower),
		zap.Float64("upper", p.Upper),
		zap.Float64("errorTolerance", rs.Options.ErrorTolerance),
		zap.Int("maxIterations", rs.Options.MaxIterations))

	// асинхронный запуск поиска
	go s.run(ctx, rs, f)

	resp := map[string]any{
		"id": id,
		"xs": numbers(xs),
		"ys": numbers(ys),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) run(ctx context.Context, rs *RunState, f optimizer.Func) {
	defer rs.Cancel()
	defer s.hub.Close(rs.ID)

	log := s.log.With(zap.String("id", rs.ID))
	s.publish(rs.ID, map[string]any{"type": "start", "id": rs.ID})

	onIter := func(it optimizer.Iter) error {
		select {
		case <-ctx.Done():
			return optimizer.ErrStopped
		default:
		}

		rs.addIter(it)
		log.Debug("iteration",
			zap.Int("k", it.K),
			zap.String("step", string(it.Step)),
			zap.Float64("x", it.X),
			zap.Float64("fx", it.FX))
		s.publish(rs.ID, map[string]any{"type": "iter", "iter": newIterView(it)})
		return nil
	}

	root, err := optimizer.Brent(f, rs.Params.Lower, rs.Params.Upper, rs.Options, onIter)
	switch {
	case errors.Is(err, optimizer.ErrStopped):
		rs.finish(StatusStopped, nil, "")
		log.Info("run stopped")
		s.publish(rs.ID, map[string]any{"type": "stopped"})

	case errors.Is(err, optimizer.ErrNotFound):
		rs.finish(StatusNotFound, nil, "")
		log.Info("root not found", zap.Int("maxIterations", rs.Options.MaxIterations))
		s.publish(rs.ID, map[string]any{"type": "notfound"})

	case err != nil:
		msg := "ошибка при вычислении: " + err.Error()
		rs.finish(StatusError, nil, msg)
		log.Warn("run failed", zap.Error(err))
		s.publish(rs.ID, map[string]any{"type": "error", "err": msg})

	default:
		rs.finish(StatusDone, &root, "")
		log.Info("root found",
			zap.Float64("x", root.X),
			zap.Float64("fx", root.FX),
			zap.Int("iterations", root.Iterations),
			zap.String("reason", string(root.Reason)))
		s.publish(rs.ID, doneMessage(root))
	}
}

func doneMessage(root optimizer.Root) map[string]any {
	return map[string]any{"type": "done", "root": newRootView(root)}
}

func (s *Server) publish(id string, payload map[string]any) {
	msg, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("marshal event", zap.String("id", id), zap.Error(err))
		return
	}
	s.hub.Publish(id, string(msg))
}

// sample — значения функции для графика, NaN где f не определена
func sample(f optimizer.Func, lower, upper float64, n int) ([]float64, []float64) {
	lo, hi := math.Min(lower, upper), math.Max(lower, upper)
	xs := make([]float64, n)
	ys := make([]float64, n)
	h := (hi - lo) / float64(n-1)
	for i := 0; i < n; i++ {
		x := lo + float64(i)*h
		y, err := f.Eval(x)
		if err != nil || math.IsNaN(y) || math.IsInf(y, 0) {
			y = math.NaN()
		}
		xs[i], ys[i] = x, y
	}
	return xs, ys
}

// StopRun — прерывание поиска
func (s *Server) StopRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "только POST", http.StatusMethodNotAllowed)
		return
	}
	rs, ok := s.lookup(w, r)
	if !ok {
		return
	}

	if rs.Cancel != nil {
		rs.Cancel()
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetRun — состояние запуска в JSON
func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.lookup(w, r)
	if !ok {
		return
	}

	snap := rs.snapshot()
	iters := make([]iterView, len(snap.Iters))
	for i, it := range snap.Iters {
		iters[i] = newIterView(it)
	}

	writeJSON(w, http.StatusOK, struct {
		RunSnapshot
		Iters []iterView `json:"iters"`
	}{snap, iters})
}

// ExportCSV — экспорт итераций в CSV
func (s *Server) ExportCSV(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.lookup(w, r)
	if !ok {
		return
	}
	snap := rs.snapshot()

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=iterations_"+snap.ID+".csv")

	cw := csv.NewWriter(w)
	defer cw.Flush()

	_ = cw.Write([]string{"k", "a", "b", "c", "x", "f(x)", "step"})

	for _, it := range snap.Iters {
		_ = cw.Write([]string{
			strconv.Itoa(it.K),
			fmtFloat(it.A),
			fmtFloat(it.B),
			fmtFloat(it.C),
			fmtFloat(it.X),
			fmtFloat(it.FX),
			string(it.Step),
		})
	}
}

// Stream — SSE-стрим итераций
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.lookup(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.hub.Subscribe(rs.ID)
	defer cancel()

	// запуск мог закончиться до подписки: отдаём итог сразу
	if snap := rs.snapshot(); snap.finished() {
		msg, err := json.Marshal(finalMessage(snap))
		if err == nil {
			writeEvent(w, string(msg))
			flusher.Flush()
		}
		return
	}

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, msg)
			flusher.Flush()
		}
	}
}

func finalMessage(snap RunSnapshot) map[string]any {
	switch snap.Status {
	case StatusDone:
		return map[string]any{"type": "done", "root": snap.Root}
	case StatusError:
		return map[string]any{"type": "error", "err": snap.Err}
	default:
		return map[string]any{"type": string(snap.Status)}
	}
}

func writeEvent(w http.ResponseWriter, msg string) {
	fmt.Fprintf(w, "event: msg\n")
	fmt.Fprintf(w, "data: %s\n\n", msg)
}

// BatchRequest — набор независимых задач, решаемых синхронно
type BatchRequest struct {
	Problems []RunParams `json:"problems"`
}

type BatchResult struct {
	Index int       `json:"index"`
	Found bool      `json:"found"`
	Root  *rootView `json:"root,omitempty"`
	Err   string    `json:"err,omitempty"`
}

// Batch решает задачи параллельно, не более runs.batch_limit одновременно
func (s *Server) Batch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "только POST", http.StatusMethodNotAllowed)
		return
	}

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "ошибка JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Problems) == 0 {
		http.Error(w, "требуется хотя бы одна задача", http.StatusBadRequest)
		return
	}
	if len(req.Problems) > s.cfg.Runs.MaxBatch {
		http.Error(w, fmt.Sprintf("не более %d задач", s.cfg.Runs.MaxBatch), http.StatusRequestEntityTooLarge)
		return
	}

	results := make([]BatchResult, len(req.Problems))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(s.cfg.Runs.BatchLimit)

	for i, p := range req.Problems {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = s.solve(ctx, i, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Warn("batch aborted", zap.Int("problems", len(req.Problems)), zap.Error(err))
		return
	}

	found := 0
	for _, res := range results {
		if res.Found {
			found++
		}
	}
	s.log.Info("batch solved", zap.Int("problems", len(results)), zap.Int("found", found))

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) solve(ctx context.Context, i int, p RunParams) BatchResult {
	res := BatchResult{Index: i}
	if err := p.validate(); err != nil {
		res.Err = err.Error()
		return res
	}
	f, err := optimizer.NewEvalFunc(p.Func)
	if err != nil {
		res.Err = "ошибка в выражении функции: " + err.Error()
		return res
	}

	onIter := func(optimizer.Iter) error {
		if ctx.Err() != nil {
			return optimizer.ErrStopped
		}
		return nil
	}

	root, err := optimizer.Brent(f, p.Lower, p.Upper, p.options(s.cfg.Solver), onIter)
	switch {
	case errors.Is(err, optimizer.ErrNotFound):
		// не ошибка: корень не найден за бюджет итераций
	case err != nil:
		res.Err = err.Error()
	default:
		v := newRootView(root)
		res.Found = true
		res.Root = &v
	}
	return res
}

// lookup достаёт запуск по ?id=, иначе сам отвечает ошибкой
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*RunState, bool) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "требуется id", http.StatusBadRequest)
		return nil, false
	}

	rs := s.runs.get(id)
	if rs == nil {
		http.Error(w, "неизвестный id", http.StatusNotFound)
		return nil, false
	}
	return rs, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
