// Package profilers sets up optional profiling for the command line programs.
//
// If linked, it will install the profiler flags.
package profilers

import (
	"context"
	"flag"
	"fmt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, serves the HTTP pprof profiler at the given port.")
	flagCPUProfile = flag.String("cpu_profile", "", "Write a CPU profile of the whole run to `file`.")
	flagMemProfile = flag.String("mem_profile", "", "Write a heap profile to `file` when the program ends.")
)

// Profilers started by Setup.
type Profilers struct {
	ctx        context.Context
	httpAddr   string
	cpuProfile *os.File
	memProfile string
}

// Setup starts the HTTP (flag -prof) and CPU profilers (flag -cpu_profile), if they were configured.
// You should follow with a deferred call to Profilers.OnQuit.
func Setup(ctx context.Context) (*Profilers, error) {
	p := &Profilers{ctx: ctx, memProfile: *flagMemProfile}
	if *flagProfiler >= 0 {
		p.httpAddr = fmt.Sprintf("localhost:%d", *flagProfiler)
		klog.Infof("Starting profiler on http://%s/debug/pprof", p.httpAddr)
		go func() {
			if err := http.ListenAndServe(p.httpAddr, nil); err != nil {
				klog.Errorf("HTTP profiler on %s failed: %+v", p.httpAddr, err)
			}
		}()
	}
	if *flagCPUProfile != "" {
		f, err := os.Create(*flagCPUProfile)
		if err != nil {
			return nil, errors.Wrapf(err, "could not create CPU profile %q", *flagCPUProfile)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, "could not start CPU profile")
		}
		p.cpuProfile = f
	}
	return p, nil
}

// OnQuit stops the CPU profile and writes the heap profile, if configured.
//
// If the HTTP profiler is running and the program was not interrupted, it keeps the program alive
// until the context is cancelled (Ctrl+C), so the profiles can still be read.
func (p *Profilers) OnQuit() {
	if p.cpuProfile != nil {
		pprof.StopCPUProfile()
		if err := p.cpuProfile.Close(); err != nil {
			klog.Errorf("Failed to close CPU profile: %+v", err)
		}
		p.cpuProfile = nil
	}
	if p.memProfile != "" {
		if err := writeHeapProfile(p.memProfile); err != nil {
			klog.Errorf("Failed to write heap profile: %+v", err)
		}
	}
	if p.httpAddr == "" || p.ctx.Err() != nil {
		return
	}
	klog.Infof("Program finished: kept alive with profiler at http://%s/debug/pprof, interrupt (Ctrl+C) to exit", p.httpAddr)
	<-p.ctx.Done()
}

func writeHeapProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "could not create heap profile %q", path)
	}
	defer func() { _ = f.Close() }()
	runtime.GC()
	return errors.Wrap(pprof.WriteHeapProfile(f), "could not write heap profile")
}
