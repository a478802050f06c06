package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/andreypavlenko/formsender/internal/platform/logger"
)

const (
	workerStartupDeadline = 60 * time.Second
	workerReExecFlag      = "--worker"
)

// worker is one OS-level browser process and its IPC pipes.
type worker struct {
	id      int
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	healthy bool
}

// WorkerPool owns N OS-process workers, each this binary re-exec'd with a
// hidden --worker flag, communicating newline-delimited JSON envelopes over
// stdin/stdout — standing in for the shared task/result queues without
// pulling in a message broker.
type WorkerPool struct {
	orderedLocks

	size     int
	workers  map[int]*worker
	log      *logger.Logger
	selfPath string

	results chan ResultEnvelope
}

func NewWorkerPool(size int, log *logger.Logger) (*WorkerPool, error) {
	selfPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve self executable: %w", err)
	}
	return &WorkerPool{
		size:     size,
		workers:  map[int]*worker{},
		log:      log,
		selfPath: selfPath,
		results:  make(chan ResultEnvelope, size*4),
	}, nil
}

// Start spawns size worker processes and blocks until all of them publish a
// WORKER_READY envelope or the startup deadline elapses, whichever first —
// a hard startup failure in the latter case, matching the all-or-nothing
// contract of a process pool (a half-started pool cannot safely dispatch).
func (p *WorkerPool) Start(ctx context.Context) error {
	startCtx, cancel := context.WithTimeout(ctx, workerStartupDeadline)
	defer cancel()

	for id := 0; id < p.size; id++ {
		if err := p.spawnWorker(id); err != nil {
			return fmt.Errorf("spawn worker %d: %w", id, err)
		}
	}

	ready := map[int]bool{}
	for len(ready) < p.size {
		select {
		case <-startCtx.Done():
			return fmt.Errorf("startup failure: only %d/%d workers ready within %s", len(ready), p.size, workerStartupDeadline)
		case res := <-p.results:
			if res.Status == StatusWorkerReady {
				ready[res.WorkerID] = true
				p.log.WithWorkerID(res.WorkerID).Info("worker ready")
			}
		}
	}
	return nil
}

func (p *WorkerPool) spawnWorker(id int) error {
	cmd := exec.Command(p.selfPath, workerReExecFlag, fmt.Sprintf("--worker-id=%d", id))
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), fmt.Sprintf("FORMSENDER_WORKER_ID=%d", id))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker process: %w", err)
	}

	w := &worker{id: id, cmd: cmd, stdin: stdin, stdout: bufio.NewScanner(stdout), healthy: true}
	w.stdout.Buffer(make([]byte, 0, 64*1024), 1<<20)

	p.processMu.Lock()
	p.workers[id] = w
	p.processMu.Unlock()

	go p.readResults(w)
	return nil
}

func (p *WorkerPool) readResults(w *worker) {
	for w.stdout.Scan() {
		var res ResultEnvelope
		if err := json.Unmarshal(w.stdout.Bytes(), &res); err != nil {
			p.log.WithWorkerID(w.id).Warn("malformed worker result envelope", zap.Error(err))
			continue
		}
		res.WorkerID = w.id
		res.ReceivedAt = time.Now()
		p.results <- res
	}
}

// Dispatch sends one task to worker id over its stdin pipe.
func (p *WorkerPool) Dispatch(id int, task TaskEnvelope) error {
	p.processMu.Lock()
	w, ok := p.workers[id]
	p.processMu.Unlock()
	if !ok {
		return fmt.Errorf("no such worker %d", id)
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := w.stdin.Write(payload); err != nil {
		return fmt.Errorf("write task to worker %d: %w", id, err)
	}
	return nil
}

// Results exposes the shared inbound result channel.
func (p *WorkerPool) Results() <-chan ResultEnvelope {
	return p.results
}

// IsAlive reports process-level liveness (distinct from "responsive").
func (p *WorkerPool) IsAlive(id int) bool {
	p.processMu.Lock()
	defer p.processMu.Unlock()
	w, ok := p.workers[id]
	if !ok || w.cmd.Process == nil {
		return false
	}
	return w.cmd.ProcessState == nil
}

// Restart terminates a worker (SIGTERM, 5s grace, SIGKILL, 2s grace) and
// respawns it, blocking for its fresh WORKER_READY.
func (p *WorkerPool) Restart(ctx context.Context, id int) error {
	p.processMu.Lock()
	w, ok := p.workers[id]
	p.processMu.Unlock()
	if ok && w.cmd.Process != nil {
		_ = w.cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() { _, _ = w.cmd.Process.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = w.cmd.Process.Kill()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
			}
		}
	}

	deadline := time.NewTimer(workerStartupDeadline)
	defer deadline.Stop()
	if err := p.spawnWorker(id); err != nil {
		return fmt.Errorf("respawn worker %d: %w", id, err)
	}
	for {
		select {
		case <-deadline.C:
			return fmt.Errorf("worker %d did not become ready after restart", id)
		case res := <-p.results:
			if res.WorkerID == id && res.Status == StatusWorkerReady {
				return nil
			}
			p.results <- res
		}
	}
}

// Shutdown sends a shutdown envelope to every worker and waits (bounded by
// timeout) for their WORKER_SHUTDOWN acknowledgements.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.processMu.Lock()
	ids := make([]int, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.processMu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_ = p.Dispatch(id, TaskEnvelope{Type: TaskShutdown})
		}(id)
	}
	wg.Wait()

	deadline := time.After(timeout)
	acked := map[int]bool{}
	for len(acked) < len(ids) {
		select {
		case <-deadline:
			return fmt.Errorf("shutdown timed out: %d/%d workers acknowledged", len(acked), len(ids))
		case res := <-p.results:
			if res.Status == StatusWorkerShutdown {
				acked[res.WorkerID] = true
			}
		}
	}
	return nil
}
