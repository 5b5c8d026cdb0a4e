package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wardenhq/warden/internal/daemon"
	"github.com/wardenhq/warden/internal/lock"
	"github.com/wardenhq/warden/internal/model"
	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/setup"
	"github.com/wardenhq/warden/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "init":
		runInit(os.Args[2:])
	case "cycle":
		runCycle(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "publish":
		runPublish(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "notify":
		runNotify(os.Args[2:])
	case "version":
		fmt.Printf("warden %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runDaemon(_ []string) {
	wardenDir := mustWardenDir()
	cfg := mustConfig(wardenDir)

	d, err := daemon.New(wardenDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			fmt.Fprintln(os.Stderr, "daemon: another warden process holds the lock")
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string) {
	dir := "."
	name := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			name = args[i]
		default:
			dir = args[i]
		}
	}

	if err := setup.Run(dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized .warden/ in %s\n", absDir)
}

// runCycle triggers one pipeline cycle: through the daemon when it is
// running, locally otherwise.
func runCycle(_ []string) {
	wardenDir := mustWardenDir()
	cfg := mustConfig(wardenDir)

	client := uds.NewClient(filepath.Join(wardenDir, uds.DefaultSocketName))
	client.SetTimeout(5 * time.Minute)
	if resp, err := client.SendCommand(uds.CmdCycle, nil); err == nil {
		if !resp.Success {
			fmt.Fprintf(os.Stderr, "cycle failed [%s]: %s\n", respCode(resp), respMessage(resp))
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
		fmt.Println(string(out))
		return
	}

	report, err := daemon.RunOnce(context.Background(), wardenDir, cfg, os.Stderr)
	if err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			fmt.Fprintln(os.Stderr, "cycle: a daemon is starting up, retry in a moment")
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "cycle: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("cycle complete: %d tasks in %s\n", report.TaskCount, report.Duration.Round(time.Millisecond))
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: warden status [--json]\n", a)
			os.Exit(1)
		}
	}

	wardenDir := mustWardenDir()
	cfg := mustConfig(wardenDir)

	var data *daemon.StatusData
	client := uds.NewClient(filepath.Join(wardenDir, uds.DefaultSocketName))
	client.SetTimeout(10 * time.Second)
	if resp, err := client.SendCommand(uds.CmdStatus, nil); err == nil && resp.Success {
		data = &daemon.StatusData{}
		if err := json.Unmarshal(resp.Data, data); err != nil {
			fmt.Fprintf(os.Stderr, "status: decode response: %v\n", err)
			os.Exit(1)
		}
	} else {
		local, err := daemon.CollectStatus(wardenDir, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			os.Exit(1)
		}
		data = local
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(data); err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			os.Exit(1)
		}
		return
	}
	fmt.Print(daemon.FormatText(data))
}

// runPublish forces a publish by running a full local cycle. Publishing
// alone would push a stale registry; the cycle keeps it coherent.
func runPublish(_ []string) {
	runCycle(nil)
}

func runStop(_ []string) {
	wardenDir := mustWardenDir()

	client := uds.NewClient(filepath.Join(wardenDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(uds.CmdShutdown, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "stop failed [%s]: %s\n", respCode(resp), respMessage(resp))
		os.Exit(1)
	}
	fmt.Println("shutdown requested")
}

func runNotify(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: warden notify <title> <message>")
		os.Exit(1)
	}
	if err := notify.Send(args[0], args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "notify: %v\n", err)
		os.Exit(1)
	}
}

// findWardenDir searches for .warden/ in the current directory and ancestors.
func findWardenDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".warden")
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

func mustWardenDir() string {
	wardenDir := findWardenDir()
	if wardenDir == "" {
		fmt.Fprintln(os.Stderr, "error: .warden/ directory not found. Run 'warden init <dir>' first.")
		os.Exit(1)
	}
	return wardenDir
}

func mustConfig(wardenDir string) model.Config {
	cfg, err := model.LoadConfig(filepath.Join(wardenDir, "config.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func respCode(resp *uds.Response) string {
	if resp.Error != nil {
		return resp.Error.Code
	}
	return ""
}

func respMessage(resp *uds.Response) string {
	if resp.Error != nil {
		return resp.Error.Message
	}
	return "unknown error"
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `warden %s - task registry aggregation and self-repair

Usage: warden <command> [options]

Project:
  init [dir] [--name <name>]  Initialize .warden/ directory
  status [--json]             Show registry statistics and recent attempts

Pipeline:
  daemon            Run the resident worker (ticker + file watch)
  cycle             Run one aggregate/health/publish cycle now
  publish           Alias for cycle; refreshes the published directory
  stop              Ask a running daemon to shut down

Utilities:
  notify <title> <msg>  Desktop notification
  version           Show version
  help              Show this help

`, version)
}
