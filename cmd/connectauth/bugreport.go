package main

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/connectauth/connectauth/internal/config"
	"github.com/connectauth/connectauth/internal/process"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"
)

const bugreportLogLimit = 3

var (
	bugreportNowFn     = func() time.Time { return time.Now().UTC() }
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportLocateFn  = func(ctx context.Context, name string) (int, error) {
		return process.NewLocator(process.SystemLister{}).FindProcessID(ctx, name)
	}
)

func newBugreportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect recent logs, the redacted config and client state into a tar.gz",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.logger.Info("collecting diagnostic bundle")
			path, err := writeBugReport(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Bug report written to: %s. Share for debugging.\n", path)
			return nil
		},
	}
}

// bundle accumulates archive entries plus the warnings shown in README.txt.
type bundle struct {
	names    []string
	files    map[string][]byte
	warnings []string
}

func (b *bundle) add(name string, data []byte) {
	if b.files == nil {
		b.files = map[string][]byte{}
	}
	if _, seen := b.files[name]; !seen {
		b.names = append(b.names, name)
	}
	b.files[name] = data
}

func (b *bundle) warnf(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

// writeBugReport builds .connectauth-bugreport-<ts>.tar.gz in the working
// directory and returns its path. Secrets never enter the archive: config is
// written redacted and credentials are never logged.
func writeBugReport(ctx context.Context, cfg *config.Config) (string, error) {
	home, err := bugreportHomeDirFn()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	if home = filepath.Clean(strings.TrimSpace(home)); home == "" || home == "." {
		return "", errors.New("home directory is not valid")
	}
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return "", fmt.Errorf("resolve current directory: %w", err)
	}
	now := bugreportNowFn()
	stateDir := filepath.Join(home, ".connectauth")

	var b bundle
	logs := b.addRecentLogs(filepath.Join(stateDir, "logs"))
	attemptID, traceID := b.lastCorrelationFrom(logs)
	if attemptID == "" && traceID == "" {
		b.warnf("no attempt_id/trace_id found in copied logs")
	}
	b.add("last-attempt.txt", []byte(fmt.Sprintf("attempt_id: %s\ntrace_id: %s\n", attemptID, traceID)))
	b.add("version.txt", []byte(fmt.Sprintf("connectauth version: %s\n", Version)))

	var configText bytes.Buffer
	if cfg == nil {
		b.warnf("configuration was not loaded")
		configText.WriteString("# config unavailable\n")
	} else if err := cfg.WriteRedacted(&configText); err != nil {
		return "", err
	}
	b.add("config.toml", configText.Bytes())
	b.addClientSnapshot(ctx, cfg)

	// #nosec G304 -- fixed path under ~/.connectauth.
	if leases, err := os.ReadFile(filepath.Join(stateDir, "locks", "leases.json")); err == nil {
		b.add("leases.json", leases)
	}
	b.add("README.txt", b.readme(now, attemptID, traceID))

	path := filepath.Join(filepath.Clean(cwd), ".connectauth-bugreport-"+now.Format("20060102-150405")+".tar.gz")
	if err := b.writeArchive(path, now); err != nil {
		return "", err
	}
	return path, nil
}

// addRecentLogs copies the newest log files under logs/ and returns their
// names newest first.
func (b *bundle) addRecentLogs(dir string) []string {
	paths, err := newestFiles(dir, bugreportLogLimit)
	if err != nil {
		b.warnf("unable to read logs directory: %v", err)
		return nil
	}
	names := []string{}
	for _, path := range paths {
		// #nosec G304 -- path comes from listing ~/.connectauth/logs.
		data, err := os.ReadFile(path)
		if err != nil {
			b.warnf("unable to read log %s: %v", path, err)
			continue
		}
		name := "logs/" + filepath.Base(path)
		b.add(name, data)
		names = append(names, name)
	}
	return names
}

func (b *bundle) addClientSnapshot(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	name := process.ExecutableName(cfg.ExecutablePath)
	line := fmt.Sprintf("executable: %s\n", name)
	pid, err := bugreportLocateFn(ctx, name)
	switch {
	case err == nil:
		line += fmt.Sprintf("running: true\npid: %d\n", pid)
	case errors.Is(err, process.ErrNotFound):
		line += "running: false\n"
	default:
		b.warnf("unable to inspect process table: %v", err)
		line += "running: unknown\n"
	}
	b.add("client.txt", []byte(line))
}

// lastCorrelationFrom scans the copied logs newest first, each from its last
// record backwards, for a record carrying attempt_id or trace_id.
func (b *bundle) lastCorrelationFrom(names []string) (string, string) {
	for _, name := range names {
		lines := strings.Split(strings.TrimSpace(string(b.files[name])), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			var record struct {
				AttemptID string `json:"attempt_id"`
				TraceID   string `json:"trace_id"`
			}
			if json.Unmarshal([]byte(strings.TrimSpace(lines[i])), &record) != nil {
				continue
			}
			if record.AttemptID != "" || record.TraceID != "" {
				return strings.TrimSpace(record.AttemptID), strings.TrimSpace(record.TraceID)
			}
		}
	}
	return "", ""
}

func (b *bundle) readme(now time.Time, attemptID, traceID string) []byte {
	var out strings.Builder
	w := bufio.NewWriter(&out)
	fmt.Fprintf(w, "connectauth bug report\n\nGenerated: %s\nVersion: %s\nattempt_id: %s\ntrace_id: %s\n\n",
		now.Format(time.RFC3339), Version, attemptID, traceID)
	fmt.Fprintf(w, "Included artifacts:\n- logs/ (up to last %d log files)\n- config.toml (effective, redacted)\n", bugreportLogLimit)
	fmt.Fprint(w, "- client.txt (whether the client process is running)\n- leases.json (when present)\n- version.txt\n- last-attempt.txt\n")
	if len(b.warnings) > 0 {
		fmt.Fprint(w, "\nWarnings:\n")
		for _, warning := range b.warnings {
			fmt.Fprintf(w, "- %s\n", warning)
		}
	}
	_ = w.Flush()
	return []byte(out.String())
}

func (b *bundle) writeArchive(path string, modTime time.Time) (err error) {
	// #nosec G304 -- generated name in the working directory.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", path, err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close archive: %w", closeErr)
		}
	}()

	zw := gzip.NewWriter(file)
	tw := tar.NewWriter(zw)
	for _, name := range b.names {
		data := b.files[name]
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o600, Size: int64(len(data)), ModTime: modTime}); err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
		if _, err := io.Copy(tw, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finish tar stream: %w", err)
	}
	return zw.Close()
}

// newestFiles lists the regular files in dir, newest first, capped at limit.
func newestFiles(dir string, limit int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type dated struct {
		path string
		mod  time.Time
	}
	files := []dated{}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if info, err := entry.Info(); err == nil {
			files = append(files, dated{filepath.Join(dir, entry.Name()), info.ModTime()})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })
	if len(files) > limit {
		files = files[:limit]
	}
	paths := make([]string, 0, len(files))
	for _, file := range files {
		paths = append(paths, file.path)
	}
	return paths, nil
}
