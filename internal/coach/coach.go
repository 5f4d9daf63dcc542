// Package coach implements the learning loop: self-play, merge of the new examples into the store,
// persistence of the examples, training of a candidate oracle, evaluation of the candidate against the
// incumbent and periodic checkpoints.
package coach

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/janpfeifer/a0selfplay/internal/ai"
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/janpfeifer/a0selfplay/internal/scheduler"
	"github.com/janpfeifer/a0selfplay/internal/selfplay"
	"github.com/janpfeifer/a0selfplay/internal/store"
	"github.com/janpfeifer/a0selfplay/internal/tournament"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"strconv"
	"time"
)

// State of an iteration of the learning loop.
type State int

const (
	StateSelfPlay State = iota
	StateMerge
	StatePersist
	StateTrain
	StateEvaluate
	StateCheckpoint
)

var stateNames = []string{"SelfPlay", "Merge", "Persist", "Train", "Evaluate", "Checkpoint"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// IterationReport summarizes one iteration of the learning loop.
type IterationReport struct {
	Iteration int
	SelfPlay  scheduler.Stats

	// NewExamples after merging the examples of all episodes.
	NewExamples int

	// StoreSize after eviction, and Evicted number of examples.
	StoreSize, Evicted int

	// Trained is false if there is no Learner.
	Trained bool

	// Tournament result, nil if skipped.
	Tournament *tournament.Result

	// Accepted is true if the candidate oracle replaced the incumbent.
	Accepted bool

	// Checkpoint base path, empty if none was written this iteration.
	Checkpoint string

	Elapsed time.Duration
}

// Coach runs the learning loop.
type Coach struct {
	cfg     Config
	game    game.Game
	learner ai.Learner
	oracle  ai.Oracle
	store   *store.Store
	runID   string

	nextIteration int

	// OnState, if not nil, is called whenever an iteration enters a new state.
	OnState func(iteration int, state State)

	// OnEpisode, if not nil, is called after each self-play episode finishes.
	OnEpisode scheduler.ProgressFunc
}

// New creates a Coach for the game, starting from the oracle.
// If learner is nil only self-play is done: the examples are persisted for an external training process.
func New(cfg Config, g game.Game, oracle ai.Oracle, learner ai.Learner) (*Coach, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if oracle == nil {
		return nil, errors.New("coach: an initial oracle is required")
	}
	return &Coach{
		cfg:           cfg,
		game:          g,
		learner:       learner,
		oracle:        oracle,
		store:         store.New(),
		runID:         uuid.NewString(),
		nextIteration: 1,
	}, nil
}

// Oracle returns the current (incumbent) oracle.
func (c *Coach) Oracle() ai.Oracle { return c.oracle }

// Store of training examples.
func (c *Coach) Store() *store.Store { return c.store }

// RunID identifies this run in the logs and the checkpoints metadata.
func (c *Coach) RunID() string { return c.runID }

// NextIteration returns the number of the next iteration to run.
func (c *Coach) NextIteration() int { return c.nextIteration }

// LoadExamples replaces the store with the examples saved in basePath (see store.Load), and continues
// the iterations after the last iteration found in it.
func (c *Coach) LoadExamples(basePath string) error {
	s, metadata, err := store.Load(basePath)
	if err != nil {
		return err
	}
	if s.Len() > 0 && s.ActionSize() != c.game.ActionSize() {
		return errors.Errorf("examples in %q have %d actions, game %s has %d", basePath, s.ActionSize(), c.game, c.game.ActionSize())
	}
	c.store = s
	if iterations := s.Iterations(); len(iterations) > 0 {
		c.nextIteration = iterations[len(iterations)-1] + 1
	}
	klog.Infof("Loaded %d examples from %s (run %q), next iteration is %d", s.Len(), basePath, metadata["run_id"], c.nextIteration)
	return nil
}

func (c *Coach) enter(iteration int, state State) {
	klog.V(1).Infof("Iteration %d: %s", iteration, state)
	if c.OnState != nil {
		c.OnState(iteration, state)
	}
}

// Run the learning loop for Config.NumIterations iterations, or until the context is cancelled if that
// is 0. onReport, if not nil, is called after each iteration.
//
// Any error aborts the loop.
func (c *Coach) Run(ctx context.Context, onReport func(*IterationReport)) error {
	klog.Infof("Starting learning loop %s for %s with oracle %s", c.runID, c.game, c.oracle)
	for count := 0; c.cfg.NumIterations == 0 || count < c.cfg.NumIterations; count++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		report, err := c.RunIteration(ctx, c.nextIteration)
		if err != nil {
			return err
		}
		if onReport != nil {
			onReport(report)
		}
	}
	return nil
}

// RunIteration runs one iteration of the learning loop.
func (c *Coach) RunIteration(ctx context.Context, iteration int) (*IterationReport, error) {
	start := time.Now()
	report := &IterationReport{Iteration: iteration}

	c.enter(iteration, StateSelfPlay)
	batches, stats, err := c.selfPlay(ctx, iteration)
	report.SelfPlay = stats
	if err != nil {
		return nil, errors.WithMessagef(err, "iteration %d self-play", iteration)
	}

	c.enter(iteration, StateMerge)
	merged := store.Merge(batches)
	report.NewExamples = len(merged)
	c.store.Insert(merged...)
	report.Evicted = c.store.Resize(c.cfg.Capacity.At(iteration))
	report.StoreSize = c.store.Len()
	if err := c.store.CheckInvariants(); err != nil {
		return nil, errors.WithMessagef(err, "iteration %d merge", iteration)
	}

	if c.cfg.CheckpointDir != "" {
		c.enter(iteration, StatePersist)
		if err := c.store.Save(store.LatestPath(c.cfg.CheckpointDir), c.metadata(iteration)); err != nil {
			return nil, errors.WithMessagef(err, "iteration %d persist", iteration)
		}
	}

	if c.learner != nil {
		c.enter(iteration, StateTrain)
		candidate, err := c.learner.Train(ctx, c.store.Examples(), c.oracle)
		if err != nil {
			return nil, errors.WithMessagef(err, "iteration %d training with %s", iteration, c.learner)
		}
		report.Trained = true

		if c.cfg.AlwaysAccept {
			report.Accepted = true
		} else {
			c.enter(iteration, StateEvaluate)
			result, err := tournament.PlayMatch(ctx, c.game, candidate, c.oracle, tournament.Options{
				NumGames:       c.cfg.TournamentGames,
				Parallelism:    c.cfg.NumWorkers,
				NumSimulations: c.cfg.SelfPlay.NumSimulations,
				Search:         c.cfg.SelfPlay.Search,
				Seed:           c.seed(iteration, 1<<20),
			})
			if err != nil {
				return nil, errors.WithMessagef(err, "iteration %d evaluation", iteration)
			}
			report.Tournament = &result
			report.Accepted = result.Accept(c.cfg.AcceptThreshold)
			klog.Infof("Iteration %d tournament: %s, accepted=%v", iteration, result, report.Accepted)
		}
		if report.Accepted {
			c.oracle = candidate
		}
	}

	if c.cfg.CheckpointDir != "" && c.cfg.CheckpointEvery > 0 && iteration%c.cfg.CheckpointEvery == 0 {
		c.enter(iteration, StateCheckpoint)
		report.Checkpoint = store.CheckpointPath(c.cfg.CheckpointDir, iteration)
		if err := c.store.Save(report.Checkpoint, c.metadata(iteration)); err != nil {
			return nil, errors.WithMessagef(err, "iteration %d checkpoint", iteration)
		}
	}

	c.nextIteration = iteration + 1
	report.Elapsed = time.Since(start)
	klog.Infof("Iteration %d: %s; %d new examples, store has %d (%d evicted) in %s",
		iteration, stats, report.NewExamples, report.StoreSize, report.Evicted, report.Elapsed)
	return report, nil
}

// seed for the episode (or tournament) of an iteration.
func (c *Coach) seed(iteration, idx int) uint64 {
	return c.cfg.Seed ^ (uint64(iteration) << 32) ^ uint64(idx)
}

func (c *Coach) selfPlay(ctx context.Context, iteration int) ([][]game.Example, scheduler.Stats, error) {
	oracle := c.oracle
	sched := &scheduler.Scheduler{NumWorkers: c.cfg.NumWorkers, OnProgress: c.OnEpisode}
	return sched.Run(ctx, c.cfg.EpisodesPerIteration, func(ctx context.Context, episodeIdx int) (*selfplay.Episode, error) {
		runner, err := selfplay.NewRunner(c.game.NewInstance(), oracle, c.cfg.SelfPlay, c.seed(iteration, episodeIdx))
		if err != nil {
			return nil, err
		}
		return runner.Play(ctx, iteration)
	})
}

func (c *Coach) metadata(iteration int) map[string]string {
	return map[string]string{
		"run_id":    c.runID,
		"iteration": strconv.Itoa(iteration),
		"game":      c.game.String(),
		"oracle":    c.oracle.String(),
	}
}

func (c *Coach) String() string {
	return fmt.Sprintf("Coach(run %s, %s, oracle %s, %s)", c.runID, c.game, c.oracle, c.store)
}
