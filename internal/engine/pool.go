package engine

import (
	"log/slog"
	"runtime"
	"sync"
)

type mailbox struct {
	tasks   []func()
	running bool
}

// ActorPool runs tasks on a fixed set of workers. Tasks submitted under the
// same key run one at a time in submission order; different keys run in
// parallel. A key is on the ready queue at most once, and only while no
// worker holds it.
type ActorPool struct {
	mu        sync.Mutex
	cond      *sync.Cond
	mailboxes map[int64]*mailbox
	ready     []int64
	closed    bool

	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewActorPool(workers int, logger *slog.Logger) *ActorPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &ActorPool{
		mailboxes: make(map[int64]*mailbox),
		logger:    logger.With(slog.String("component", "actor_pool")),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

// Submit queues task for key. It returns false once the pool is closed.
func (p *ActorPool) Submit(key int64, task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}

	mb, ok := p.mailboxes[key]
	if !ok {
		mb = &mailbox{}
		p.mailboxes[key] = mb
	}
	mb.tasks = append(mb.tasks, task)
	if !mb.running && len(mb.tasks) == 1 {
		p.ready = append(p.ready, key)
		p.cond.Signal()
	}
	return true
}

func (p *ActorPool) work() {
	defer p.wg.Done()

	p.mu.Lock()
	for {
		for len(p.ready) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.ready) == 0 {
			p.mu.Unlock()
			return
		}

		key := p.ready[0]
		p.ready = p.ready[1:]
		mb := p.mailboxes[key]
		task := mb.tasks[0]
		mb.tasks[0] = nil
		mb.tasks = mb.tasks[1:]
		mb.running = true
		p.mu.Unlock()

		p.run(key, task)

		p.mu.Lock()
		mb.running = false
		if len(mb.tasks) > 0 {
			p.ready = append(p.ready, key)
			p.cond.Signal()
		} else {
			delete(p.mailboxes, key)
		}
	}
}

func (p *ActorPool) run(key int64, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked", slog.Int64("key", key), slog.Any("panic", r))
		}
	}()
	task()
}

// Close stops accepting tasks, runs everything already queued and waits
// for the workers to exit.
func (p *ActorPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
