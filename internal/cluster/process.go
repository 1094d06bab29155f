package cluster

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"jobcluster/internal/ipc"
)

// Worker-side file descriptors of the two bus pipes.
const (
	FDFromMaster = 3
	FDToMaster   = 4
)

// EnvRole is set to "worker" in the environment of spawned workers.
const EnvRole = "JOBCLUSTER_ROLE"

// Process is one running worker as seen by the master.
type Process interface {
	PID() int
	// Send writes a message to the worker.
	ipc.Sender
	// Output carries the messages written by the worker.
	Output() io.Reader
	Signal(sig os.Signal) error
	// Wait blocks until the process exits and returns its exit code,
	// -1 when it was terminated by a signal.
	Wait() int
}

type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// ExecSpawner starts workers by re-executing a binary with two extra pipes.
type ExecSpawner struct {
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

func (s *ExecSpawner) Spawn(_ context.Context) (Process, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		path = exe
	}
	toWorkerR, toWorkerW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	fromWorkerR, fromWorkerW, err := os.Pipe()
	if err != nil {
		_ = toWorkerR.Close()
		_ = toWorkerW.Close()
		return nil, err
	}

	cmd := exec.Command(path, s.Args...)
	cmd.Env = append(append(os.Environ(), s.Env...), EnvRole+"=worker")
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	// ExtraFiles[i] becomes fd 3+i in the child
	cmd.ExtraFiles = []*os.File{toWorkerR, fromWorkerW}
	err = cmd.Start()
	_ = toWorkerR.Close()
	_ = fromWorkerW.Close()
	if err != nil {
		_ = toWorkerW.Close()
		_ = fromWorkerR.Close()
		return nil, err
	}
	return &execProcess{cmd: cmd, conn: ipc.NewConn(toWorkerW), out: fromWorkerR}, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	conn *ipc.Conn
	out  *os.File
}

func (p *execProcess) PID() int                   { return p.cmd.Process.Pid }
func (p *execProcess) Send(m *ipc.Msg) error      { return p.conn.Send(m) }
func (p *execProcess) Output() io.Reader          { return p.out }
func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Wait() int {
	err := p.cmd.Wait()
	_ = p.conn.Close()
	_ = p.out.Close()
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -1
		}
		return ee.ExitCode()
	}
	return -1
}

// MasterPipes opens the worker ends of the bus pipes inherited from the master.
func MasterPipes() (io.ReadCloser, io.WriteCloser, error) {
	r := os.NewFile(FDFromMaster, "from-master")
	w := os.NewFile(FDToMaster, "to-master")
	if r == nil || w == nil {
		return nil, nil, errors.New("cluster: master pipes not inherited")
	}
	return r, w, nil
}
