package common

import (
	"errors"
	"strings"
)

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a module has been halted by the operator.
type PauseView interface {
	IsPaused(module string) bool
}

// PauseSet is an in-memory PauseView keyed by module name.
type PauseSet map[string]bool

// IsPaused implements PauseView.
func (s PauseSet) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	return s[strings.TrimSpace(module)]
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
