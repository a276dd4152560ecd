// Command libsyncd is the libsync server daemon: it opens the user
// directory and workspace store, wires an optional audit database, and
// serves connections until interrupted. Grounded on the teacher's
// cmd/wtd/main.go (cobra root command, signal.NotifyContext shutdown) and
// cmd/wt/wing.go's Setsid daemonization for the -d flag.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/libsync/libsync/internal/applog"
	"github.com/libsync/libsync/internal/audit"
	"github.com/libsync/libsync/internal/config"
	"github.com/libsync/libsync/internal/serverside"
	"github.com/libsync/libsync/internal/userdir"
)

func main() {
	var configPath string
	var overridesPath string
	var daemonize bool

	root := &cobra.Command{
		Use:   "libsyncd",
		Short: "libsync server daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemonize {
				return spawnDaemon(configPath, overridesPath)
			}
			return runServer(configPath, overridesPath)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "libsyncd.conf", "path to config file")
	root.Flags().StringVar(&overridesPath, "overrides", "", "optional YAML overrides seed file")
	root.Flags().BoolVarP(&daemonize, "daemonize", "d", false, "fork into the background")

	root.AddCommand(auditCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// auditCmd prints a user's recent session_events rows, the only operator
// surface onto internal/audit.Store.RecentForUser.
func auditCmd() *cobra.Command {
	var configPath string
	var overridesPath string
	var limit int

	cmd := &cobra.Command{
		Use:   "audit <username>",
		Short: "show recent audit events for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, overridesPath)
			if err != nil {
				return err
			}
			if cfg.AuditDB == "" {
				return fmt.Errorf("config: audit_db is not set")
			}

			auditLog, err := audit.Open(cfg.AuditDB)
			if err != nil {
				return fmt.Errorf("open audit db: %w", err)
			}
			defer auditLog.Close()

			events, err := auditLog.RecentForUser(args[0], limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tREMOTE\tDETAIL")
			for _, ev := range events {
				ts := time.Unix(ev.TS, 0).Format("2006-01-02 15:04:05")
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ts, ev.Kind, ev.RemoteAddr, ev.Detail)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "libsyncd.conf", "path to config file")
	cmd.Flags().StringVar(&overridesPath, "overrides", "", "optional YAML overrides seed file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")

	return cmd
}

func runServer(configPath, overridesPath string) error {
	cfg, err := config.Load(configPath, overridesPath)
	if err != nil {
		return err
	}

	log, err := applog.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	if cfg.StoreDir == "" {
		return fmt.Errorf("config: store_dir is required")
	}
	if err := os.MkdirAll(cfg.StoreDir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	users, err := userdir.Open(filepath.Join(cfg.StoreDir, "login.mtd"))
	if err != nil {
		return fmt.Errorf("open user directory: %w", err)
	}

	var auditLog *audit.Store
	if cfg.AuditDB != "" {
		auditLog, err = audit.Open(cfg.AuditDB)
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		defer auditLog.Close()
	}

	hub := serverside.NewHub(cfg.StoreDir, users, auditLog, log)
	srv := serverside.NewServer(hub, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort)
	return srv.ListenAndServe(ctx, addr)
}

// spawnDaemon re-execs the current binary without -d, detached into its
// own session, and writes its pid next to the config file (<config>.pid) so
// the operator can find it. Mirrors the teacher's Setsid pattern in
// cmd/wt/wing.go, using syscall.SysProcAttr directly.
func spawnDaemon(configPath, overridesPath string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	childArgs := []string{"-c", configPath}
	if overridesPath != "" {
		childArgs = append(childArgs, "--overrides", overridesPath)
	}

	logPath := configPath + ".log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, childArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	pidPath := configPath + ".pid"
	os.WriteFile(pidPath, []byte(strconv.Itoa(child.Process.Pid)), 0o644)

	fmt.Printf("libsyncd started (pid %d)\n", child.Process.Pid)
	fmt.Printf("  log: %s\n", logPath)
	return nil
}
