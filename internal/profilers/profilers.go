// Package profilers sets up optional profiling of the command line tools.
//
// Linking it installs the flags -prof (HTTP pprof server port), -cpu_profile and -mem_profile.
package profilers

import (
	"context"
	"flag"
	"fmt"
	"k8s.io/klog/v2"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, runs the HTTP profiler at the given port.")
	flagCPUProfile = flag.String("cpu_profile", "", "Write CPU profile to `file`.")
	flagMemProfile = flag.String("mem_profile", "", "Write heap profile to `file` on exit.")
	profilerAddr   string

	// globalCtx is set on the call to Setup.
	globalCtx context.Context
)

// Setup starts the profilers that were configured by flags.
// It should be followed by a deferred call to OnQuit.
func Setup(ctx context.Context) {
	globalCtx = ctx
	if *flagProfiler >= 0 {
		profilerAddr = fmt.Sprintf("localhost:%d", *flagProfiler)
		fmt.Printf("Profiler on http://%s/debug/pprof, interrupt (Ctrl+C) to exit at the end\n", profilerAddr)
		go func() {
			klog.Fatal(http.ListenAndServe(profilerAddr, nil))
		}()
	}
	if *flagCPUProfile != "" {
		f, err := os.Create(*flagCPUProfile)
		if err != nil {
			klog.Fatalf("Could not create CPU profile: %+v", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			klog.Fatalf("Could not start CPU profile: %+v", err)
		}
	}
}

// OnQuit stops the CPU profile, writes the heap profile, and keeps the program alive while the HTTP profiler
// is serving, until interrupted.
func OnQuit() {
	if *flagCPUProfile != "" {
		pprof.StopCPUProfile()
	}
	if *flagMemProfile != "" {
		writeHeapProfile(*flagMemProfile)
	}
	if *flagProfiler < 0 || globalCtx == nil || globalCtx.Err() != nil {
		return
	}
	// Don't freeze on panic.
	if err := recover(); err != nil {
		panic(err)
	}
	runtime.GC()
	fmt.Printf("Finished: profiler kept open at http://%s/debug/pprof, interrupt (Ctrl+C) to exit\n", profilerAddr)
	<-globalCtx.Done()
}

func writeHeapProfile(path string) {
	f, err := os.Create(path)
	if err != nil {
		klog.Errorf("Could not create heap profile: %+v", err)
		return
	}
	defer func() { _ = f.Close() }()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		klog.Errorf("Could not write heap profile: %+v", err)
	}
}
