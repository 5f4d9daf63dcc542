// a0trainer runs the AlphaZero learning loop: self-play with MCTS, examples store, training and evaluation.
//
// Example, for tic-tac-toe with the tabular oracle:
//
//	$ a0trainer -game=mnk:m=3,n=3,k=3 -oracle=tabular:learning_rate=0.5 \
//	    -config=sims=50,episodes=100,iterations=10 -checkpoint_dir=~/a0/ttt
//
// Or with a GoMLX policy/value network:
//
//	$ a0trainer -oracle=fnn:fnn_num_hidden_nodes=128,train_steps=500 -config=sims=100,tournament_games=20
//
// The examples are saved every iteration in -checkpoint_dir, so an external training process can consume
// them. Use -load to start from previously saved examples.
package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/janpfeifer/a0selfplay/internal/ai"
	_ "github.com/janpfeifer/a0selfplay/internal/ai/onnx"
	"github.com/janpfeifer/a0selfplay/internal/coach"
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/janpfeifer/a0selfplay/internal/game/mnk"
	"github.com/janpfeifer/a0selfplay/internal/parameters"
	"github.com/janpfeifer/a0selfplay/internal/profilers"
	"github.com/janpfeifer/a0selfplay/internal/ui/spinning"
	"github.com/janpfeifer/must"
	"golang.org/x/term"
	"k8s.io/klog/v2"
	"os"
	"os/user"
	"path/filepath"
	"time"
)

var (
	flagGame   = flag.String("game", "mnk:m=3,n=3,k=3", "Game to play: only m,n,k-games (\"mnk:m=<rows>,n=<cols>,k=<in a row>\") are supported.")
	flagOracle = flag.String("oracle", "tabular", fmt.Sprintf("Oracle configuration: \"<name>:<key>=<value>,...\". "+
		"Registered oracles: %v. If the oracle is also a learner (tabular, fnn) it is trained every iteration.", ai.Providers()))
	flagConfig = flag.String("config", "", "Learning loop configuration, a comma-separated list of <key>=<value>, e.g.: "+
		"\"sims=50,episodes=100,c_puct=1.5,always_accept\".")
	flagCheckpointDir = flag.String("checkpoint_dir", "", "Directory where to save the examples. Overrides checkpoint_dir in -config.")
	flagLoad          = flag.String("load", "", "Base path of the examples to load before starting, e.g. \"<checkpoint_dir>/examples\".")
	flagParallelism   = flag.Int("parallelism", 0, "If > 0, number of episodes played simultaneously. Overrides workers in -config.")
	flagSelfPlayOnly  = flag.Bool("self_play_only", false, "Don't train, only play and save the examples for an external training process.")
)

// globalCtx is cancelled when the program is interrupted (Ctrl+C).
var globalCtx = context.Background()

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 30*time.Second)
	defer globalCancel()

	prof := must.M1(profilers.Setup(globalCtx))
	defer prof.OnQuit()

	g := must.M1(newGame(*flagGame))
	cfg := must.M1(coach.NewConfigFromParams(parameters.NewFromConfigString(*flagConfig)))
	if *flagCheckpointDir != "" {
		cfg.CheckpointDir = expandHomeDir(*flagCheckpointDir)
	}
	if *flagParallelism > 0 {
		cfg.NumWorkers = *flagParallelism
	}
	oracle := must.M1(ai.New(*flagOracle, g.ActionSize()))
	var learner ai.Learner
	if !*flagSelfPlayOnly {
		var ok bool
		learner, ok = oracle.(ai.Learner)
		if !ok {
			klog.Warningf("Oracle %s can't be trained, only self-play will be done", oracle)
		}
	}
	c := must.M1(coach.New(cfg, g, oracle, learner))
	if *flagLoad != "" {
		must.M(c.LoadExamples(expandHomeDir(*flagLoad)))
	}

	ui := newReporter(os.Stdout, term.IsTerminal(int(os.Stdout.Fd())))
	c.OnState = ui.OnState
	c.OnEpisode = ui.OnEpisode
	fmt.Println(ui.Header(c, g))
	err := c.Run(globalCtx, ui.OnReport)
	ui.Done()
	if err != nil {
		if globalCtx.Err() != nil {
			klog.Infof("Interrupted: %v", err)
			return
		}
		klog.Fatalf("Learning loop failed: %+v", err)
	}
}

// newGame parses the game configuration.
func newGame(config string) (game.Game, error) {
	g, err := mnk.NewFromConfig(config)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// expandHomeDir replaces a leading "~" by the user's home directory.
func expandHomeDir(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		klog.Warningf("Failed to get user's home directory: %v", err)
		return path
	}
	return filepath.Join(usr.HomeDir, path[1:])
}
