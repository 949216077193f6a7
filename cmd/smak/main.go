// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

// Command smak is the driver: it parses flags, loads the recipe file and
// state cache, starts the job master and its worker pool, and either runs
// a one-shot build or serves the interactive attach protocol
// (SPEC_FULL.md §4.I).
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	smak "github.com/smak-build/smak"
	"github.com/smak-build/smak/internal/cliserver"
	"github.com/smak-build/smak/internal/master"
)

var (
	flagFile    string
	flagDir     string
	flagDryRun  bool
	flagSilent  bool
	flagJobs    int
	flagKeepGoing bool
	flagCLI     bool
	flagSSH     []string
)

func main() {
	root := &cobra.Command{
		Use:   "smak [VAR=VALUE...] [target...]",
		Short: "a drop-in make-family build tool with a distributed worker pool",
		RunE:  run,
	}
	root.Flags().StringVarP(&flagFile, "file", "f", "", "recipe file (default Makefile/Smakfile)")
	root.Flags().StringVarP(&flagDir, "directory", "C", "", "change to DIR before anything else")
	root.Flags().BoolVarP(&flagDryRun, "dry-run", "n", false, "print recipes without executing them")
	root.Flags().BoolVarP(&flagSilent, "silent", "s", false, "don't echo recipe lines")
	root.Flags().IntVarP(&flagJobs, "jobs", "j", -1, "number of parallel workers (0 or bare -j = unlimited, unset = CPU count)")
	root.Flags().Lookup("jobs").NoOptDefVal = "0"
	root.Flags().BoolVarP(&flagKeepGoing, "keep-going", "k", false, "keep building unrelated targets after a failure")
	root.Flags().BoolVar(&flagCLI, "cli", false, "attach an interactive session to a running master")
	root.Flags().StringSliceVar(&flagSSH, "ssh", nil, "host[:dir] to run additional workers over ssh -R")

	// pflag reads a single-dash word as a run of one-letter flags, so the
	// single-dash spellings -cli and -ssh are rewritten to --cli and --ssh.
	for i, a := range os.Args {
		if i > 0 && (a == "-cli" || a == "-ssh" || strings.HasPrefix(a, "-ssh=")) {
			os.Args[i] = "-" + a
		}
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if flagDir != "" {
		if err := os.Chdir(flagDir); err != nil {
			return fmt.Errorf("-C %s: %w", flagDir, err)
		}
	}

	cfg, err := smak.LoadConfig("")
	if err != nil {
		return err
	}

	log := newLogger()

	var overrides []string
	var targets []string
	for _, a := range args {
		if name, value, ok := strings.Cut(a, "="); ok && !strings.ContainsAny(name, "/.") {
			overrides = append(overrides, name+"="+value)
			continue
		}
		targets = append(targets, a)
	}

	if flagCLI {
		return attach(cfg)
	}

	recipeFile := flagFile
	if recipeFile == "" {
		recipeFile = defaultRecipeFile()
	}

	graph, cache, err := loadGraph(recipeFile, cfg)
	if err != nil {
		return err
	}
	defer cache.Close()

	for _, kv := range overrides {
		name, value, _ := strings.Cut(kv, "=")
		graph.Vars().Set(name, value)
	}
	if flagSilent {
		graph.Vars().Set("MAKEFLAGS", graph.Vars().Get("MAKEFLAGS")+"s")
	}

	m, err := master.New(graph, graph.Vars(), cache, log)
	if err != nil {
		return err
	}
	m.SetDryRun(flagDryRun)
	m.SetAutoRescan(cfg.AutoRescan)

	var workerProcs []*exec.Cmd
	if !flagDryRun {
		jobs := smak.WorkerCount(flagJobs, cfg, runtime.NumCPU())
		workerProcs, err = spawnLocalWorkers(m.WorkerAddr(), jobs)
		if err != nil {
			return err
		}
		for _, host := range flagSSH {
			if err := spawnSSHWorker(m.WorkerAddr(), host); err != nil {
				log.Warn("ssh worker failed to start", "host", host, "error", err)
			}
		}
	}
	defer stopWorkers(workerProcs)

	srv := cliserver.New(m, m.CLIListener())

	// Recipe stdout/stderr is forwarded verbatim, tagged by target, to both
	// this process's own terminal and any attached CLI observers.
	m.SetOutputSink(func(verb, target, line string) {
		out := os.Stdout
		if verb == "ERROR" {
			out = os.Stderr
		}
		fmt.Fprintf(out, "%s: %s\n", target, line)
		srv.PushOutput(verb, target, line)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	go srv.Serve()
	if err := writePortFile(cfg.CacheDir, m.CLIListener().Addr().String()); err != nil {
		log.Warn("could not write CLI port file", "error", err)
	}
	defer os.Remove(portFilePath(cfg.CacheDir))

	if len(targets) == 0 {
		if dt := graph.DefaultTarget(); dt != "" {
			targets = []string{dt}
		}
	}

	exitCode := 0
	for _, t := range targets {
		res := <-m.SubmitJob(t, "")
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "smak: %s: %s\n", t, res.Err)
			exitCode = 1
			if !flagKeepGoing {
				break
			}
		}
	}

	if !flagDryRun {
		if err := cache.Save(graph.RuleDB(), graph.InputFiles()); err != nil {
			log.Warn("state cache save failed", "error", err)
		}
	}
	m.Shutdown()
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

func defaultRecipeFile() string {
	for _, name := range []string{"Smakfile", "Makefile", "makefile"} {
		if smak.FileExists(name) {
			return name
		}
	}
	return "Makefile"
}

func loadGraph(recipeFile string, cfg smak.Config) (*smak.Graph, *smak.StateCache, error) {
	cache, err := smak.OpenStateCache(cfg.CacheDir)
	if err != nil {
		return nil, nil, err
	}
	if db, ok, err := cache.Load(); err == nil && ok {
		vars := smak.NewVars()
		return smak.NewGraphFromCache(db, vars, ".", cfg.IgnoreDirs, recipeFile), cache, nil
	}

	f, err := os.Open(recipeFile)
	if err != nil {
		cache.Close()
		return nil, nil, fmt.Errorf("opening %s: %w", recipeFile, err)
	}
	defer f.Close()

	ast, err := smak.Parse(f)
	if err != nil {
		cache.Close()
		return nil, nil, err
	}
	vars := smak.NewVars()
	graph, err := smak.BuildGraph(ast, vars, ".", cfg.IgnoreDirs, recipeFile)
	if err != nil {
		cache.Close()
		return nil, nil, err
	}
	return graph, cache, nil
}

// spawnLocalWorkers starts n smak-worker subprocesses pointed at addr, the
// common case from SPEC_FULL.md §4.E ("locally ... pool").
func spawnLocalWorkers(addr string, n int) ([]*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	workerBin := strings.Replace(self, "/smak", "/smak-worker", 1)
	if !smak.FileExists(workerBin) {
		workerBin = "smak-worker"
	}
	var procs []*exec.Cmd
	for i := 0; i < n; i++ {
		c := exec.Command(workerBin, "-master", addr)
		c.Stdout, c.Stderr = os.Stdout, os.Stderr
		if err := c.Start(); err != nil {
			return procs, err
		}
		procs = append(procs, c)
	}
	return procs, nil
}

// spawnSSHWorker starts one remote worker over `ssh -R`, reverse-tunneling
// the master's worker-listen port so the remote smak-worker dials back to
// it as if it were local (SPEC_FULL.md §4.E "SSH reverse-tunnel" mode).
func spawnSSHWorker(masterAddr, hostSpec string) error {
	host, dir, _ := strings.Cut(hostSpec, ":")
	_, port, err := net.SplitHostPort(masterAddr)
	if err != nil {
		return err
	}
	remoteCmd := "smak-worker -master 127.0.0.1:" + port
	if dir != "" {
		remoteCmd = "cd " + dir + " && " + remoteCmd
	}
	c := exec.Command("ssh", "-R", port+":"+masterAddr, host, remoteCmd)
	c.Stdout, c.Stderr = os.Stdout, os.Stderr
	return c.Start()
}

func stopWorkers(procs []*exec.Cmd) {
	for _, c := range procs {
		if c.Process != nil {
			c.Process.Kill()
		}
	}
}

func portFilePath(cacheDir string) string { return cacheDir + "/cli.port" }

func writePortFile(cacheDir, addr string) error {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(portFilePath(cacheDir), []byte(addr), 0o644)
}

func attach(cfg smak.Config) error {
	addrBytes, err := os.ReadFile(portFilePath(cfg.CacheDir))
	if err != nil {
		return fmt.Errorf("no master listening for CLI attach (%s): %w", portFilePath(cfg.CacheDir), err)
	}
	conn, err := net.Dial("tcp", strings.TrimSpace(string(addrBytes)))
	if err != nil {
		return fmt.Errorf("no master listening for CLI attach: %w", err)
	}
	defer conn.Close()
	fmt.Fprintln(conn, "CLI_OWNER", os.Getpid())

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			os.Stdout.Write(buf[:n])
		}
	}()
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		fmt.Fprintln(conn, sc.Text())
	}
	return nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if smak.ParseBool(os.Getenv("SMAK_VERBOSE")) {
		level = slog.LevelDebug
	}
	if smak.ParseBool(os.Getenv("SMAK_DEBUG")) {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

var _ cliserver.Backend = (*master.Master)(nil)
