// compare plays a tournament between two oracles and prints the result.
//
// Example:
//
//	$ compare -game=mnk:m=3,n=3,k=3 -ai1=onnx:model=~/a0/ttt/candidate.onnx -ai2=uniform -num_matches=100
//
// -ai1 plays as the candidate: it moves first in the first half (rounded up) of the matches.
package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/janpfeifer/a0selfplay/internal/ai"
	_ "github.com/janpfeifer/a0selfplay/internal/ai/onnx"
	"github.com/janpfeifer/a0selfplay/internal/game/mnk"
	"github.com/janpfeifer/a0selfplay/internal/parameters"
	"github.com/janpfeifer/a0selfplay/internal/profilers"
	"github.com/janpfeifer/a0selfplay/internal/searchers/mcts"
	"github.com/janpfeifer/a0selfplay/internal/tournament"
	"github.com/janpfeifer/a0selfplay/internal/ui/spinning"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/term"
	"io"
	"k8s.io/klog/v2"
	"os"
	"time"
)

var (
	flagGame          = flag.String("game", "mnk:m=3,n=3,k=3", "Game to play, in the form \"mnk:m=<rows>,n=<cols>,k=<in a row>\".")
	flagPlayer1Config = flag.String("ai1", "", "1st oracle (the candidate) configuration.")
	flagPlayer2Config = flag.String("ai2", "", "2nd oracle (the incumbent) configuration.")
	flagNumMatches    = flag.Int("num_matches", 100, "Number of matches to play.")
	flagSearch        = flag.String("search", "sims=100", "Search configuration: sims, c_puct, epsilon and search_threads.")
	flagParallelism   = flag.Int("parallelism", 0, "If > 0 ignore the number of CPUs and play "+
		"these many matches simultaneously.")
	flagThreshold = flag.Float64("threshold", 0.55, "Score of -ai1 above which it is reported as accepted.")
	flagSeed      = flag.Uint64("seed", 0, "Seed of the searches tie-breaks.")
)

// globalCtx is cancelled when the program is interrupted (Ctrl+C).
var globalCtx = context.Background()

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagPlayer1Config == "" || *flagPlayer2Config == "" {
		klog.Fatal("You must configure both oracles to compare with flags -ai1 and -ai2")
	}

	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 5*time.Second)
	defer globalCancel()

	prof := must.M1(profilers.Setup(globalCtx))
	defer prof.OnQuit()

	g := must.M1(mnk.NewFromConfig(*flagGame))
	opts := must.M1(newOptions(*flagSearch))
	opts.NumGames = *flagNumMatches
	opts.Parallelism = *flagParallelism
	opts.Seed = *flagSeed
	candidate := must.M1(ai.New(*flagPlayer1Config, g.ActionSize()))
	incumbent := must.M1(ai.New(*flagPlayer2Config, g.ActionSize()))
	fmt.Printf("%s: %s (AI-1) vs %s (AI-2), %d matches\n", g, candidate, incumbent, opts.NumGames)

	result, err := runMatches(globalCtx, os.Stdout, term.IsTerminal(int(os.Stdout.Fd())), opts,
		func(ctx context.Context, opts tournament.Options) (tournament.Result, error) {
			return tournament.PlayMatch(ctx, g, candidate, incumbent, opts)
		})
	if err != nil {
		if globalCtx.Err() != nil {
			fmt.Printf("Interrupted: %s\n", globalCtx.Err())
			return
		}
		klog.Fatalf("Comparison failed: %+v", err)
	}
	fmt.Printf("AI-1 score %.3f: accepted=%v (threshold %g)\n", result.Score(), result.Accept(*flagThreshold), *flagThreshold)
}

// newOptions parses the search configuration.
func newOptions(config string) (opts tournament.Options, err error) {
	params := parameters.NewFromConfigString(config)
	if opts.Search, err = mcts.OptionsFromParams(params); err != nil {
		return
	}
	if opts.NumSimulations, err = parameters.PopParamOr(params, "sims", 100); err != nil {
		return
	}
	if len(params) > 0 {
		err = errors.Errorf("unknown search parameters %v", parameters.Keys(params))
	}
	return
}

// runMatches runs play, displaying the partial results as the matches finish.
func runMatches(ctx context.Context, out io.Writer, isTerminal bool, opts tournament.Options,
	play func(context.Context, tournament.Options) (tournament.Result, error)) (tournament.Result, error) {
	start := time.Now()
	var spinner *spinning.Spinning
	if isTerminal {
		spinner = spinning.New(ctx, out)
	}
	opts.OnGame = func(partial tournament.Result) {
		status := fmt.Sprintf("Played %d of %d: %s - %s", partial.Games(), opts.NumGames, partial, time.Since(start).Round(time.Second))
		if spinner != nil {
			spinner.SetStatus("%s", status)
		} else {
			klog.V(1).Info(status)
		}
	}
	result, err := play(ctx, opts)
	if spinner != nil {
		spinner.Done()
	}
	if err != nil {
		return result, err
	}
	_, _ = fmt.Fprintf(out, "Played %d matches in %s: %s\n", result.Games(), time.Since(start).Round(time.Millisecond), result)
	return result, nil
}
