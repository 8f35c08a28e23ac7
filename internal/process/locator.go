// Package process resolves, launches and terminates the desktop client
// process through the OS process table.
package process

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrNotFound indicates no live process matched the executable name.
var ErrNotFound = errors.New("process not found")

// Entry is one row of the OS process table.
type Entry struct {
	PID  int
	Name string
}

// Lister enumerates live OS processes.
type Lister interface {
	List(ctx context.Context) ([]Entry, error)
}

// Locator resolves a running process by executable base-name.
type Locator interface {
	FindProcessID(ctx context.Context, executableName string) (int, error)
}

// TableLocator matches entries of the OS process table by exact base-name.
// Names are assumed unique: when several processes match, the first one in
// enumeration order wins.
type TableLocator struct {
	lister Lister
}

// NewLocator builds a locator backed by lister, or by the live OS process
// table when lister is nil.
func NewLocator(lister Lister) *TableLocator {
	if lister == nil {
		lister = SystemLister{}
	}
	return &TableLocator{lister: lister}
}

// FindProcessID returns the pid of the first process named executableName.
func (l *TableLocator) FindProcessID(ctx context.Context, executableName string) (int, error) {
	if l == nil {
		return 0, errors.New("process locator is nil")
	}
	name := ExecutableName(executableName)
	if name == "" {
		return 0, errors.New("executable name must not be empty")
	}

	entries, err := l.lister.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}
	for _, entry := range entries {
		if entry.Name == name {
			return entry.PID, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// SystemLister reads the live OS process table via gopsutil.
type SystemLister struct{}

// List returns every process whose name could be read. Processes that exit
// mid-enumeration are skipped.
func (SystemLister) List(ctx context.Context) ([]Entry, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(procs))
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{PID: int(proc.Pid), Name: name})
	}
	return entries, nil
}

// ExecutableName returns the base-name of a Windows or POSIX executable path.
func ExecutableName(path string) string {
	path = strings.TrimSpace(path)
	if idx := strings.LastIndexAny(path, `\/`); idx >= 0 {
		path = path[idx+1:]
	}
	return path
}
