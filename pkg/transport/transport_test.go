package transport_test

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/a-essam23/stompd/pkg/frame"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingProtocol keeps every processed message and terminates when it
// sees quitMsg, optionally calling onQuit first.
type recordingProtocol struct {
	mu        sync.Mutex
	processed []string
	quitMsg   string
	onQuit    func()
	terminate atomic.Bool
	released  atomic.Int32
}

func (p *recordingProtocol) Process(msg string) {
	p.mu.Lock()
	p.processed = append(p.processed, msg)
	p.mu.Unlock()
	if p.quitMsg != "" && msg == p.quitMsg {
		if p.onQuit != nil {
			p.onQuit()
		}
		p.terminate.Store(true)
	}
}

func (p *recordingProtocol) ShouldTerminate() bool { return p.terminate.Load() }

func (p *recordingProtocol) Release() { p.released.Add(1) }

func (p *recordingProtocol) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.processed...)
}

func encodeAll(texts ...string) []byte {
	var out []byte
	for _, t := range texts {
		out = append(out, frame.Encode(t)...)
	}
	return out
}
