// Command libsync is the libsync client: it connects to a server, syncs
// one local directory against the authenticated user's workspace, and
// keeps running until interrupted. Grounded on the teacher's cmd/wt/main.go
// (cobra root command, clientFromConfig-style config loading) and on
// term.ReadPassword's use in cmd/wt/egg.go for interactive credentials.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/libsync/libsync/internal/applog"
	"github.com/libsync/libsync/internal/clientside"
	"github.com/libsync/libsync/internal/config"
	"github.com/libsync/libsync/internal/xcrypto"
)

func main() {
	var configPath string
	var overridesPath string
	var daemonize bool

	root := &cobra.Command{
		Use:   "libsync",
		Short: "libsync client — keeps a local directory synced against a libsync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemonize {
				return spawnDaemon(configPath, overridesPath)
			}
			return runClient(configPath, overridesPath)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "libsync.conf", "path to config file")
	root.Flags().StringVar(&overridesPath, "overrides", "", "optional YAML overrides seed file")
	root.Flags().BoolVarP(&daemonize, "daemonize", "d", false, "fork into the background")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runClient(configPath, overridesPath string) error {
	cfg, err := config.Load(configPath, overridesPath)
	if err != nil {
		return err
	}

	log, err := applog.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	if cfg.ConnHost == "" || cfg.ConnUser == "" || cfg.SyncDir == "" {
		return fmt.Errorf("config: conn_host, conn_user, and sync_dir are required")
	}

	password := cfg.ConnPass
	if password == "" {
		password, err = promptPassword()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
	}

	var cipherKey *[xcrypto.KeyLen]byte
	if cfg.CipherKey != "" {
		k := xcrypto.DeriveKey(cfg.CipherKey, xcrypto.FixedSalt)
		cipherKey = &k
	}

	addr := fmt.Sprintf("%s:%d", cfg.ConnHost, cfg.ConnPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := clientside.Dial(ctx, addr, cfg.ConnUser, password, cfg.SyncDir, cipherKey, log)
	if err != nil {
		return err
	}

	return c.Run(ctx)
}

// promptPassword reads a password from the controlling terminal without
// echoing it, mirroring the teacher's term.IsTerminal/term.MakeRaw guard
// in cmd/wt/egg.go.
func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("conn_pass not set and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

// spawnDaemon re-execs the current binary without -d, detached into its
// own session. Mirrors cmd/wt/wing.go's daemonization of the foreground
// sync loop.
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

	fmt.Printf("libsync started (pid %d)\n", child.Process.Pid)
	fmt.Printf("  log: %s\n", logPath)
	return nil
}
