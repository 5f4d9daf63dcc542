// Package scheduler runs the self-play episodes of one iteration in a pool of workers.
package scheduler

import (
	"context"
	"fmt"
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/janpfeifer/a0selfplay/internal/selfplay"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"runtime"
	"time"
)

// PlayFunc plays the episode number episodeIdx. It is called concurrently from the workers, and it should
// not share mutable state with other episodes.
type PlayFunc func(ctx context.Context, episodeIdx int) (*selfplay.Episode, error)

// ProgressFunc is called (from a single goroutine) every time an episode finishes.
type ProgressFunc func(stats Stats, numEpisodes int)

// Stats of the episodes played.
type Stats struct {
	Episodes int
	Wins     [game.NumPlayers]int
	Draws    int
	Moves    int
	Examples int
	Elapsed  time.Duration
}

func (s Stats) String() string {
	return fmt.Sprintf("%d episodes (%d/%d/%d first-wins/second-wins/draws), %d moves, %d examples in %s",
		s.Episodes, s.Wins[game.PlayerFirst], s.Wins[game.PlayerSecond], s.Draws, s.Moves, s.Examples, s.Elapsed)
}

func (s *Stats) add(episode *selfplay.Episode) {
	s.Episodes++
	s.Moves += episode.NumMoves
	s.Examples += len(episode.Examples)
	if episode.Winner == game.PlayerNone {
		s.Draws++
	} else {
		s.Wins[episode.Winner]++
	}
}

// Scheduler of self-play episodes.
type Scheduler struct {
	// NumWorkers is the number of episodes played simultaneously. If <= 0, runtime.NumCPU() is used.
	NumWorkers int

	// OnProgress, if not nil, is called after each finished episode.
	OnProgress ProgressFunc
}

// Workers returns the effective number of workers.
func (s *Scheduler) Workers() int {
	if s.NumWorkers > 0 {
		return s.NumWorkers
	}
	return runtime.NumCPU()
}

type result struct {
	episodeIdx int
	episode    *selfplay.Episode
}

// Run plays numEpisodes episodes with play and returns the examples of each episode, in the order they
// finished.
//
// If any of the episodes fails (or panics), no new episodes are started, the results of the other episodes
// are discarded, and the first error is returned. Run only returns after all started episodes finished.
func (s *Scheduler) Run(ctx context.Context, numEpisodes int, play PlayFunc) ([][]game.Example, Stats, error) {
	var stats Stats
	if numEpisodes <= 0 {
		return nil, stats, errors.Errorf("invalid number of episodes %d", numEpisodes)
	}
	start := time.Now()
	numWorkers := min(s.Workers(), numEpisodes)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(numWorkers)

	// Completion queue: buffered so workers never block on it.
	completed := make(chan result, numEpisodes)
	go func() {
		defer close(completed)
		for episodeIdx := range numEpisodes {
			if groupCtx.Err() != nil {
				break
			}
			group.Go(func() error {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				var episode *selfplay.Episode
				var err error
				if panicErr := game.TryCatch(func() { episode, err = play(groupCtx, episodeIdx) }); panicErr != nil {
					err = panicErr
				}
				if err != nil {
					return errors.WithMessagef(err, "episode #%d", episodeIdx)
				}
				completed <- result{episodeIdx: episodeIdx, episode: episode}
				return nil
			})
		}
		_ = group.Wait()
	}()

	examples := make([][]game.Example, 0, numEpisodes)
	for r := range completed {
		examples = append(examples, r.episode.Examples)
		stats.add(r.episode)
		stats.Elapsed = time.Since(start)
		klog.V(2).Infof("Episode #%d finished: %d moves, winner %s", r.episodeIdx, r.episode.NumMoves, r.episode.Winner)
		if s.OnProgress != nil {
			s.OnProgress(stats, numEpisodes)
		}
	}
	if err := group.Wait(); err != nil {
		return nil, stats, err
	}
	if err := ctx.Err(); err != nil {
		return nil, stats, errors.Wrapf(err, "self-play interrupted after %d of %d episodes", stats.Episodes, numEpisodes)
	}
	stats.Elapsed = time.Since(start)
	return examples, stats, nil
}
