// Package activity detects and stops restricted applications of a user.
package activity

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/SoarinFerret/TimeWarden/internal/session"
)

// Filter is the restricted-activity collaborator.
type Filter interface {
	Running(user session.User, names []string) (bool, error)
	Kill(user session.User, names []string) error
}

// Nop never sees restricted activity.
type Nop struct{}

func (Nop) Running(session.User, []string) (bool, error) { return false, nil }
func (Nop) Kill(session.User, []string) error            { return nil }

var _ Filter = (*Probe)(nil)

// Probe matches process names exactly against /proc/<pid>/comm.
type Probe struct {
	root string
}

func NewProbe() *Probe {
	return &Probe{root: "/proc"}
}

// Running reports whether any of the user's processes has one of names.
func (p *Probe) Running(user session.User, names []string) (bool, error) {
	pids, err := p.matches(user, names)
	if err != nil {
		return false, err
	}
	return len(pids) > 0, nil
}

// Kill sends SIGTERM to the user's matching processes.
func (p *Probe) Kill(user session.User, names []string) error {
	pids, err := p.matches(user, names)
	if err != nil {
		return err
	}
	var lastErr error
	for _, pid := range pids {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			lastErr = fmt.Errorf("kill %d: %w", pid, err)
			continue
		}
		log.Printf("Sent SIGTERM to %d (%s)", pid, user.Name)
	}
	return lastErr
}

func (p *Probe) matches(user session.User, names []string) ([]int, error) {
	if len(names) == 0 {
		return nil, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p.root, err)
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		dir := filepath.Join(p.root, e.Name())
		info, err := os.Stat(dir)
		if err != nil {
			continue
		}
		st, ok := info.Sys().(*syscall.Stat_t)
		if !ok || st.Uid != user.UID {
			continue
		}
		comm, err := os.ReadFile(filepath.Join(dir, "comm"))
		if err != nil {
			continue
		}
		if wanted[strings.TrimSpace(string(comm))] {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}
