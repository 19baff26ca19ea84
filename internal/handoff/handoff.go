// Package handoff passes a listening socket from a running daemon to its
// replacement so restarts do not refuse connections. Stream clients resume
// from their Last-Event-ID against the new process.
package handoff

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
)

const (
	envInherit = "RUNHUB_INHERIT_FD"
	envFD      = "RUNHUB_LISTEN_FD"
	// firstExtraFD is the descriptor number of the first ExtraFiles entry.
	firstExtraFD = 3
)

type Restarter struct {
	Listener net.Listener
	Args     []string
	Env      []string
}

// Restart starts a new process with the same arguments that inherits the
// listener. The caller should then stop accepting and drain.
func (r *Restarter) Restart() (*os.Process, error) {
	if r.Listener == nil {
		return nil, fmt.Errorf("handoff: listener not set")
	}
	if len(r.Args) == 0 {
		return nil, fmt.Errorf("handoff: args not set")
	}
	file, err := listenerFile(r.Listener)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cmd := exec.Command(r.Args[0], r.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(append([]string{}, r.Env...), envInherit+"=1", envFD+"="+strconv.Itoa(firstExtraFD))
	cmd.ExtraFiles = []*os.File{file}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("handoff: start new process: %w", err)
	}
	return cmd.Process, nil
}

func listenerFile(listener net.Listener) (*os.File, error) {
	switch ln := listener.(type) {
	case *net.TCPListener:
		file, err := ln.File()
		if err != nil {
			return nil, fmt.Errorf("handoff: listener file: %w", err)
		}
		return file, nil
	default:
		return nil, fmt.Errorf("handoff: unsupported listener type %T", listener)
	}
}

// Inherited returns the listener handed over by a previous process, or nil
// when this process was started normally.
func Inherited() (net.Listener, error) {
	if os.Getenv(envInherit) != "1" {
		return nil, nil
	}
	fd := firstExtraFD
	if raw := os.Getenv(envFD); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("handoff: invalid listener fd: %w", err)
		}
		fd = n
	}
	file := os.NewFile(uintptr(fd), "listener")
	if file == nil {
		return nil, fmt.Errorf("handoff: fd %d is not valid", fd)
	}
	defer file.Close()
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("handoff: file listener: %w", err)
	}
	return ln, nil
}

// Listen returns the inherited listener if there is one, and otherwise
// listens on addr.
func Listen(addr string) (net.Listener, bool, error) {
	ln, err := Inherited()
	if err != nil {
		return nil, false, err
	}
	if ln != nil {
		return ln, true, nil
	}
	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("listen: %w", err)
	}
	return ln, false, nil
}
