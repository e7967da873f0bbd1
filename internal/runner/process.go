package runner

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/byteowlz/sessiond/internal/ringbuffer"
)

// managedProcess is a Runner-owned child process. At most one exists per id;
// removing an entry precedes returning process_not_found to callers.
type managedProcess struct {
	id     string
	pid    int
	binary string
	cwd    string
	isRPC  bool

	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu       sync.Mutex
	exited   bool
	exitCode *int

	// stdoutBuf accumulates raw bytes for read_stdout. is-RPC=false implies
	// no stdin/stdout descriptors retained, so this stays nil.
	stdoutBuf *ringbuffer.Buffer

	subMu       sync.Mutex
	subscribers []chan stdoutEvent

	done chan struct{}
}

type stdoutEvent struct {
	line     string
	isEnd    bool
	exitCode *int
}

func (p *managedProcess) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *managedProcess) getExitCode() *int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// addSubscriber registers a channel to receive stdout events and returns an
// unsubscribe function. If the process has already exited, the end event is
// delivered immediately.
func (p *managedProcess) addSubscriber(ch chan stdoutEvent) func() {
	p.subMu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.mu.Lock()
	exited, code := p.exited, p.exitCode
	p.mu.Unlock()
	if exited {
		select {
		case ch <- stdoutEvent{isEnd: true, exitCode: code}:
		default:
		}
	}
	p.subMu.Unlock()

	return func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		for i, s := range p.subscribers {
			if s == ch {
				p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
				break
			}
		}
	}
}

// publish fans a stdout event to every subscriber. A subscriber whose
// channel is full is dropped and its channel closed (lossy back-pressure;
// the process itself is never blocked).
func (p *managedProcess) publish(ev stdoutEvent) {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	kept := p.subscribers[:0]
	for _, ch := range p.subscribers {
		select {
		case ch <- ev:
			kept = append(kept, ch)
		default:
			close(ch)
		}
	}
	p.subscribers = kept
}

// pumpStdout reads stdout line by line, buffering raw bytes for read_stdout
// and fanning line events to subscribers, until the pipe closes.
func (p *managedProcess) pumpStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if p.stdoutBuf != nil {
			p.stdoutBuf.Write([]byte(line + "\n"))
		}
		p.publish(stdoutEvent{line: line})
	}
}

// wait blocks until the process exits, records the exit code, and emits
// exactly one terminal stdout_end event to every current subscriber.
func (p *managedProcess) wait() {
	err := p.cmd.Wait()
	code := exitCodeFromError(p.cmd, err)

	p.mu.Lock()
	p.exited = true
	p.exitCode = &code
	p.mu.Unlock()

	close(p.done)
	p.publish(stdoutEvent{isEnd: true, exitCode: &code})
}

func exitCodeFromError(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return 0
	}
	return -1
}

// kill sends SIGTERM, or SIGKILL when force is set, to the process if it is
// still running.
func (p *managedProcess) kill(ctx context.Context, force bool) error {
	if !p.isRunning() {
		return nil
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	return p.cmd.Process.Signal(sig)
}
