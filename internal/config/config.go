package config

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Addr     string `toml:"addr"`
	LogLevel string `toml:"log_level"`

	Solver SolverConfig `toml:"solver"`
	Runs   RunsConfig   `toml:"runs"`
}

// SolverConfig — значения по умолчанию для запросов без явных параметров
type SolverConfig struct {
	ErrorTolerance float64 `toml:"error_tolerance"`
	MaxIterations  int     `toml:"max_iterations"`
}

type RunsConfig struct {
	SamplePoints int `toml:"sample_points"` // точек графика в ответе /solve
	BatchLimit   int `toml:"batch_limit"`   // одновременных задач в /batch
	MaxBatch     int `toml:"max_batch"`     // задач в одном /batch
}

func Default() Config {
	return Config{
		Addr:     ":8080",
		LogLevel: "info",
		Solver: SolverConfig{
			ErrorTolerance: 1e-7,
			MaxIterations:  50,
		},
		Runs: RunsConfig{
			SamplePoints: 400,
			BatchLimit:   8,
			MaxBatch:     1000,
		},
	}
}

// Load читает TOML поверх значений по умолчанию. Пустой path — только умолчания.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config %s: неизвестные ключи %v", path, undecoded)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr не задан"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Solver.ErrorTolerance < 0 {
		errs = append(errs, errors.New("solver.error_tolerance должен быть >= 0"))
	}
	if c.Solver.MaxIterations <= 0 {
		errs = append(errs, errors.New("solver.max_iterations должен быть > 0"))
	}
	if c.Runs.SamplePoints < 2 {
		errs = append(errs, errors.New("runs.sample_points должен быть >= 2"))
	}
	if c.Runs.BatchLimit <= 0 {
		errs = append(errs, errors.New("runs.batch_limit должен быть > 0"))
	}
	if c.Runs.MaxBatch <= 0 {
		errs = append(errs, errors.New("runs.max_batch должен быть > 0"))
	}
	return errors.Join(errs...)
}
