//go:build windows

package lsp

import "os"

// Windows has no SIGTERM; the grace step becomes a kill.
func terminate(p *os.Process) error {
	return p.Kill()
}
