// Command deskpilot runs an interactive console over a local computer:
// commands execute in a persistent shell session, a trailing '&' sends
// them to the background registry, and meta commands inspect or stop
// background jobs.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"deskpilot/internal/computer"
	"deskpilot/internal/domain"
	"deskpilot/internal/infra/config"
	"deskpilot/internal/infra/logger"
	"deskpilot/internal/infra/tracer"
	"deskpilot/internal/usecase/eventbus"
	"deskpilot/internal/usecase/shell"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = shutdownTracer(shutdownCtx)
	}()

	bus := eventbus.New(log)
	defer bus.Close()

	comp := computer.New(*cfg, bus, log)
	if err := comp.Start(ctx); err != nil {
		return err
	}
	defer comp.Stop(context.Background())

	session, err := comp.CreateShell(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("deskpilot console (shell %s, session %s)\n", session.Executable(), session.ID())
	fmt.Println("trailing '&' runs in background; :jobs, :out <pid>, :kill <pid>, :quit")

	return console(ctx, comp, session)
}

func console(ctx context.Context, comp *computer.Computer, session *shell.Session) error {
	scanner := bufio.NewScanner(os.Stdin)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				return scanner.Err()
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, ":") {
				if quit := metaCommand(ctx, comp, line); quit {
					return nil
				}
				continue
			}
			if cmd, ok := strings.CutSuffix(line, "&"); ok {
				proc, err := comp.ExecuteBackground(ctx, strings.TrimSpace(cmd))
				if err != nil {
					fmt.Printf("background: %v\n", err)
					continue
				}
				if proc.Status == domain.ProcessStatusFailed {
					fmt.Printf("background spawn failed: %s\n", proc.Error)
					continue
				}
				fmt.Printf("[%d] %s\n", proc.PID, proc.Command)
				continue
			}
			result := session.Execute(line, 30*time.Second)
			if result.Stderr != "" {
				fmt.Fprintln(os.Stderr, result.Stderr)
			}
			fmt.Print(result.Stdout)
			if result.Stdout != "" && !strings.HasSuffix(result.Stdout, "\n") {
				fmt.Println()
			}
		}
	}
}

// metaCommand handles the ':'-prefixed console commands. It returns
// true when the console should exit.
func metaCommand(ctx context.Context, comp *computer.Computer, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case ":quit", ":q", ":exit":
		return true

	case ":jobs":
		pids := comp.Background().PIDs()
		if len(pids) == 0 {
			fmt.Println("no background jobs")
			return false
		}
		for _, pid := range pids {
			status := "completed"
			if comp.Background().IsCommandRunning(pid) {
				status = "running"
			}
			fmt.Printf("[%d] %s\n", pid, status)
		}

	case ":out":
		pid, ok := pidArg(fields)
		if !ok {
			return false
		}
		out, err := comp.Background().GetCommandOutput(pid)
		if err != nil {
			fmt.Printf(":out: %v\n", err)
			return false
		}
		fmt.Printf("status: %s", out.Status)
		if out.ReturnCode != nil {
			fmt.Printf(" (returncode %d)", *out.ReturnCode)
		}
		fmt.Println()
		if out.Stdout != "" {
			fmt.Print(out.Stdout)
		}
		if out.Stderr != "" {
			fmt.Fprint(os.Stderr, out.Stderr)
		}

	case ":kill":
		pid, ok := pidArg(fields)
		if !ok {
			return false
		}
		if err := comp.Background().StopCommand(ctx, pid); err != nil {
			fmt.Printf(":kill: %v\n", err)
			return false
		}
		fmt.Printf("[%d] killed\n", pid)

	default:
		fmt.Printf("unknown meta command %q\n", fields[0])
	}
	return false
}

func pidArg(fields []string) (int, bool) {
	if len(fields) < 2 {
		fmt.Printf("usage: %s <pid>\n", fields[0])
		return 0, false
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		fmt.Printf("bad pid %q\n", fields[1])
		return 0, false
	}
	return pid, true
}

func defaultConfigPath() string {
	if p := os.Getenv("DESKPILOT_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "deskpilot.yaml"
	}
	return home + "/.deskpilot/config.yaml"
}
