//go:build windows

package supervisor

import "os"

// Windows has no graceful termination path; the supervisor force-kills.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}
