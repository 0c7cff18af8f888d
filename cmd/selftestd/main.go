package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/selftestd/internal/daemon"
	"github.com/msageha/selftestd/internal/events"
	"github.com/msageha/selftestd/internal/history"
	"github.com/msageha/selftestd/internal/model"
	"github.com/msageha/selftestd/internal/selftest"
	"github.com/msageha/selftestd/internal/setup"
	"github.com/msageha/selftestd/internal/status"
	"github.com/msageha/selftestd/internal/uds"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "setup":
		runSetup(os.Args[2:])
	case "start":
		runStart(os.Args[2:])
	case "abort":
		runSimple(uds.CmdAbort, "abort")
	case "respond":
		runRespond(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "results":
		runResults(os.Args[2:])
	case "history":
		runHistory(os.Args[2:])
	case "events":
		runEvents(os.Args[2:])
	case "reload":
		runSimple(uds.CmdReload, "reload")
	case "shutdown":
		runSimple(uds.CmdShutdown, "shutdown")
	case "categories":
		for _, name := range selftest.CategoryNames() {
			fmt.Println(name)
		}
	case "version":
		fmt.Printf("selftestd %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runDaemon(_ []string) {
	stateDir := requireStateDir()
	cfg := mustLoadConfig(stateDir)

	d, err := daemon.New(stateDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runSetup(args []string) {
	dir := "."
	tools := 1
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--tools":
			tools = intFlag(args, &i, "--tools")
		default:
			if strings.HasPrefix(args[i], "-") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: selftestd setup [dir] [--tools N]\n", args[i])
				os.Exit(1)
			}
			dir = args[i]
		}
	}
	if err := setup.Run(dir, tools); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized %s/ in %s\n", setup.StateDirName, absDir)
}

func runStart(args []string) {
	var params uds.StartParams
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--tools":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--tools requires a value")
				os.Exit(1)
			}
			i++
			mask, err := strconv.ParseUint(args[i], 0, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid tool mask %q: %v\n", args[i], err)
				os.Exit(1)
			}
			params.ToolMask = mask
		default:
			params.Categories = append(params.Categories, args[i])
		}
	}
	if len(params.Categories) == 0 {
		fmt.Fprintln(os.Stderr, "usage: selftestd start <category>[,<category>...] [--tools MASK]")
		fmt.Fprintf(os.Stderr, "categories: %s\n", strings.Join(selftest.CategoryNames(), ", "))
		os.Exit(1)
	}
	// reject typos before bothering the daemon
	if _, err := selftest.ParseCategories(params.Categories); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}

	var out struct {
		RunID    string `json:"run_id"`
		Expanded string `json:"expanded"`
	}
	call(uds.CmdStart, "start", params, &out)
	fmt.Printf("run %s started\nstates: %s\n", out.RunID, out.Expanded)
}

func runRespond(args []string) {
	var params uds.RespondParams
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--state":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--state requires a value")
				os.Exit(1)
			}
			i++
			params.State = args[i]
		default:
			params.Response = args[i]
		}
	}
	if params.Response == "" {
		fmt.Fprintln(os.Stderr, "usage: selftestd respond <continue|ok|yes|no|retry|skip|ignore|cancel|abort> [--state STATE]")
		os.Exit(1)
	}
	call(uds.CmdRespond, "respond", params, nil)
}

func runSimple(command, name string) {
	var out map[string]any
	call(command, name, nil, &out)
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(data))
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: selftestd status [--json]\n", a)
			os.Exit(1)
		}
	}

	stateDir := requireStateDir()
	cfg := mustLoadConfig(stateDir)
	if err := status.Run(os.Stdout, stateDir, resolve(stateDir, cfg.Store.Path), jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runResults(args []string) {
	yamlOutput := false
	for _, a := range args {
		switch a {
		case "--yaml":
			yamlOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: selftestd results [--yaml]\n", a)
			os.Exit(1)
		}
	}

	var out struct {
		Result  model.SelftestResult `json:"result"`
		Flags   model.AutoRunFlags   `json:"flags"`
		LastRun *model.RunRecord     `json:"last_run"`
	}
	call(uds.CmdResults, "results", nil, &out)

	if yamlOutput {
		data, err := yaml.Marshal(out.Result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "results: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(data)
		return
	}
	status.PrintResults(os.Stdout, out.Result)
	if out.LastRun != nil {
		fmt.Println()
		status.PrintHistory(os.Stdout, []model.RunRecord{*out.LastRun}, time.Now())
	}
}

func runHistory(args []string) {
	var params uds.HistoryParams
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--limit":
			params.Limit = intFlag(args, &i, "--limit")
		default:
			params.RunID = args[i]
		}
	}

	var out struct {
		Runs  []model.RunRecord `json:"runs"`
		Stats *history.Stats    `json:"stats"`
	}
	call(uds.CmdHistory, "history", params, &out)

	if params.RunID != "" && len(out.Runs) == 1 {
		status.PrintHistory(os.Stdout, out.Runs, time.Now())
		fmt.Println()
		status.PrintResults(os.Stdout, out.Runs[0].Result)
		return
	}
	status.PrintHistory(os.Stdout, out.Runs, time.Now())
	if out.Stats != nil {
		status.PrintStats(os.Stdout, *out.Stats)
	}
}

// runEvents reads the journal directly so it works without a daemon.
func runEvents(args []string) {
	n := 20
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-n", "--limit":
			n = intFlag(args, &i, args[i])
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: selftestd events [-n N]\n", args[i])
			os.Exit(1)
		}
	}

	stateDir := requireStateDir()
	entries, bad, err := events.ReadJournal(filepath.Join(stateDir, "logs", "events"+events.JournalExtension), n)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Println("no events recorded")
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "events: %v\n", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Printf("%s  %-6d %-16s %s\n", e.Timestamp.Local().Format(time.RFC3339), e.Seq, e.Type, string(e.Data))
	}
	if bad > 0 {
		fmt.Fprintf(os.Stderr, "%d corrupt journal lines skipped\n", bad)
	}
}

// call sends command to the daemon and exits on failure.
func call(command, name string, params, out any) {
	stateDir := requireStateDir()
	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	if err := client.Call(command, params, out); err != nil {
		var detail *uds.ErrorDetail
		if errors.As(err, &detail) {
			fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", name, detail.Code, detail.Message)
			if detail.Code == uds.ErrCodeBusy {
				os.Exit(2)
			}
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
}

func intFlag(args []string, i *int, name string) int {
	if *i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(1)
	}
	*i++
	v, err := strconv.Atoi(args[*i])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: invalid number %q\n", name, args[*i])
		os.Exit(1)
	}
	return v
}

func requireStateDir() string {
	stateDir := findStateDir()
	if stateDir == "" {
		fmt.Fprintf(os.Stderr, "error: %s/ directory not found. Run 'selftestd setup <dir>' first.\n", setup.StateDirName)
		os.Exit(1)
	}
	return stateDir
}

func findStateDir() string {
	if dir := os.Getenv("SELFTESTD_DIR"); dir != "" {
		return dir
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.StateDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func mustLoadConfig(stateDir string) model.Config {
	cfg, err := model.LoadConfig(filepath.Join(stateDir, "config.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func resolve(stateDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(stateDir, path)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `selftestd %s - printer self-test orchestration

Usage: selftestd <command> [options]

Daemon:
  setup [dir] [--tools N]       Initialize .selftest/ directory
  daemon                        Run the daemon in the foreground
  reload                        Re-read the machine profile
  shutdown                      Stop the daemon

Runs:
  start <categories> [--tools MASK]   Start a self-test run
  abort                               Abort the run in progress
  respond <response> [--state STATE]  Answer the pending prompt
  categories                          List the test categories

Inspection:
  status [--json]               Show daemon and run status
  results [--yaml]              Show the aggregate result table
  history [--limit N] [run_id]  Show finished runs
  events [-n N]                 Show the tail of the event journal

  version                       Show version
  help                          Show this help
`, version)
}
