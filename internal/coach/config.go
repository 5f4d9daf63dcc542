package coach

import (
	"github.com/janpfeifer/a0selfplay/internal/parameters"
	"github.com/janpfeifer/a0selfplay/internal/searchers/mcts"
	"github.com/janpfeifer/a0selfplay/internal/selfplay"
	"github.com/janpfeifer/a0selfplay/internal/store"
	"github.com/pkg/errors"
)

// Config of the learning loop.
type Config struct {
	// SelfPlay configures the search and the episodes: c_puct, sims, dirichlet_alpha, noise_weight,
	// temperature and its thresholds.
	SelfPlay selfplay.Config

	// Capacity of the examples store: max_examples, max_examples_ramp, max_examples_limit.
	Capacity store.Capacity

	// EpisodesPerIteration of self-play.
	EpisodesPerIteration int

	// NumWorkers playing episodes in parallel. 0 uses the number of CPUs.
	NumWorkers int

	// NumIterations to run. 0 means run until interrupted.
	NumIterations int

	// CheckpointDir where the examples are saved every iteration, and checkpointed every CheckpointEvery
	// iterations. If empty nothing is saved.
	CheckpointDir string

	// CheckpointEvery K iterations. 0 disables the periodic checkpoints.
	CheckpointEvery int

	// TournamentGames played between the candidate and the incumbent oracles.
	TournamentGames int

	// AcceptThreshold is the score above which the candidate replaces the incumbent.
	AcceptThreshold float64

	// AlwaysAccept skips the tournament and always replaces the incumbent with the trained candidate.
	AlwaysAccept bool

	// Seed of the episodes and tournament random number generators.
	Seed uint64
}

// DefaultConfig of the learning loop.
func DefaultConfig() Config {
	return Config{
		SelfPlay:             selfplay.DefaultConfig(),
		Capacity:             store.Capacity{Max: 200_000},
		EpisodesPerIteration: 100,
		CheckpointEvery:      10,
		TournamentGames:      40,
		AcceptThreshold:      0.55,
	}
}

// NewConfigFromParams creates a Config from parameters (see parameters.NewFromConfigString), starting
// from DefaultConfig. Unknown parameters are reported as errors.
func NewConfigFromParams(params parameters.Params) (cfg Config, err error) {
	cfg = DefaultConfig()
	cfg.SelfPlay.Search, err = mcts.OptionsFromParams(params)
	if err != nil {
		return
	}
	sp := &cfg.SelfPlay
	if sp.NumSimulations, err = parameters.PopParamOr(params, "sims", sp.NumSimulations); err != nil {
		return
	}
	if sp.Schedule.Temperature, err = parameters.PopParamOr(params, "temperature", sp.Schedule.Temperature); err != nil {
		return
	}
	if sp.Schedule.ThresholdMoves, err = parameters.PopParamOr(params, "temp_threshold_moves", sp.Schedule.ThresholdMoves); err != nil {
		return
	}
	if sp.Schedule.ThresholdIteration, err = parameters.PopParamOr(params, "temp_threshold_iteration", sp.Schedule.ThresholdIteration); err != nil {
		return
	}
	if sp.DirichletAlpha, err = parameters.PopParamOr(params, "dirichlet_alpha", sp.DirichletAlpha); err != nil {
		return
	}
	if sp.NoiseWeight, err = parameters.PopParamOr(params, "noise_weight", sp.NoiseWeight); err != nil {
		return
	}
	if sp.MaxResamples, err = parameters.PopParamOr(params, "max_resamples", sp.MaxResamples); err != nil {
		return
	}
	if cfg.Capacity.Max, err = parameters.PopParamOr(params, "max_examples", cfg.Capacity.Max); err != nil {
		return
	}
	if cfg.Capacity.Ramp, err = parameters.PopParamOr(params, "max_examples_ramp", cfg.Capacity.Ramp); err != nil {
		return
	}
	if cfg.Capacity.Limit, err = parameters.PopParamOr(params, "max_examples_limit", cfg.Capacity.Limit); err != nil {
		return
	}
	if cfg.EpisodesPerIteration, err = parameters.PopParamOr(params, "episodes", cfg.EpisodesPerIteration); err != nil {
		return
	}
	if cfg.NumWorkers, err = parameters.PopParamOr(params, "workers", cfg.NumWorkers); err != nil {
		return
	}
	if cfg.NumIterations, err = parameters.PopParamOr(params, "iterations", cfg.NumIterations); err != nil {
		return
	}
	if cfg.CheckpointDir, err = parameters.PopParamOr(params, "checkpoint_dir", cfg.CheckpointDir); err != nil {
		return
	}
	if cfg.CheckpointEvery, err = parameters.PopParamOr(params, "checkpoint_every", cfg.CheckpointEvery); err != nil {
		return
	}
	if cfg.TournamentGames, err = parameters.PopParamOr(params, "tournament_games", cfg.TournamentGames); err != nil {
		return
	}
	if cfg.AcceptThreshold, err = parameters.PopParamOr(params, "accept_threshold", cfg.AcceptThreshold); err != nil {
		return
	}
	if cfg.AlwaysAccept, err = parameters.PopParamOr(params, "always_accept", cfg.AlwaysAccept); err != nil {
		return
	}
	var seed int
	if seed, err = parameters.PopParamOr(params, "seed", 0); err != nil {
		return
	}
	cfg.Seed = uint64(seed)
	if len(params) > 0 {
		err = errors.Errorf("unknown learning loop parameters %v", parameters.Keys(params))
		return
	}
	err = cfg.Validate()
	return
}

// Validate the configuration.
func (cfg Config) Validate() error {
	if err := cfg.SelfPlay.Validate(); err != nil {
		return err
	}
	if cfg.Capacity.Max <= 0 {
		return errors.Errorf("max_examples must be > 0, got %d", cfg.Capacity.Max)
	}
	if cfg.Capacity.Ramp < 0 || cfg.Capacity.Limit < 0 {
		return errors.Errorf("max_examples_ramp (%d) and max_examples_limit (%d) must be >= 0",
			cfg.Capacity.Ramp, cfg.Capacity.Limit)
	}
	if cfg.EpisodesPerIteration <= 0 {
		return errors.Errorf("episodes per iteration must be > 0, got %d", cfg.EpisodesPerIteration)
	}
	if cfg.NumWorkers < 0 || cfg.NumIterations < 0 || cfg.CheckpointEvery < 0 {
		return errors.Errorf("workers (%d), iterations (%d) and checkpoint_every (%d) must be >= 0",
			cfg.NumWorkers, cfg.NumIterations, cfg.CheckpointEvery)
	}
	if !cfg.AlwaysAccept {
		if cfg.TournamentGames <= 0 {
			return errors.Errorf("tournament_games must be > 0 unless always_accept is set, got %d", cfg.TournamentGames)
		}
		if cfg.AcceptThreshold < 0 || cfg.AcceptThreshold >= 1 {
			return errors.Errorf("accept_threshold must be in [0, 1), got %g", cfg.AcceptThreshold)
		}
	}
	return nil
}
