// Package proxypool implements the Proxy Pool (C2): a rotating set of
// upstream egresses shared by the HTTP and Browser engines, with
// quarantine-on-repeated-403 semantics.
package proxypool

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Outcome classifies the result of a request made through an egress.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeHTTP403
	OutcomeTransportError
	OutcomeTimeout
)

// Egress is one network identity in the rotation: either a proxy URL
// (with embedded credentials) or the direct egress.
type Egress struct {
	ID     string // proxy URL, or "direct"
	Direct bool

	mu             sync.Mutex
	consecutive403 int
	recentErrors   int
	quarantined    bool
}

// Quarantined reports whether this egress has been permanently removed
// from rotation for the lifetime of the process.
func (e *Egress) Quarantined() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quarantined
}

// Consecutive403 returns the current consecutive-403 counter (for tests/diagnostics).
func (e *Egress) Consecutive403() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutive403
}

// ErrPoolExhausted is returned by Acquire when every egress is quarantined.
var ErrPoolExhausted = errors.New("proxypool: all egresses are quarantined")

// Pool is a mutex-guarded round-robin rotation over a set of egresses.
type Pool struct {
	mu          sync.Mutex
	egresses    []*Egress
	cursor      int
	badLog      *os.File
	badLogMu    sync.Mutex
	badLogPath  string
	onExhausted func()
}

// New builds a Pool from a list of proxy identifiers. If allowDirect is
// true, the direct egress is appended to the rotation. badProxyLogPath
// is opened in append mode, flushed on every write.
func New(proxyIdentifiers []string, allowDirect bool, badProxyLogPath string) (*Pool, error) {
	p := &Pool{badLogPath: badProxyLogPath}

	for _, id := range proxyIdentifiers {
		p.egresses = append(p.egresses, &Egress{ID: id})
	}
	if allowDirect {
		p.egresses = append(p.egresses, &Egress{ID: "direct", Direct: true})
	}
	if len(p.egresses) == 0 {
		return nil, fmt.Errorf("proxypool: no egresses configured (no proxies and allow_direct=false)")
	}

	if badProxyLogPath != "" {
		f, err := os.OpenFile(badProxyLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("proxypool: open bad-egress log: %w", err)
		}
		p.badLog = f
	}

	return p, nil
}

// Close releases the bad-egress log file handle.
func (p *Pool) Close() error {
	if p.badLog != nil {
		return p.badLog.Close()
	}
	return nil
}

// OnExhausted registers a callback invoked each time Acquire finds every
// egress quarantined, for emitting the proxy_pool_exhausted diagnostic.
func (p *Pool) OnExhausted(fn func()) {
	p.mu.Lock()
	p.onExhausted = fn
	p.mu.Unlock()
}

// Acquire returns the next non-quarantined egress in round-robin order.
// If every egress is quarantined it returns ErrPoolExhausted.
func (p *Pool) Acquire() (*Egress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.egresses)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		e := p.egresses[idx]
		if !e.Quarantined() {
			p.cursor = (idx + 1) % n
			return e, nil
		}
	}

	if p.onExhausted != nil {
		p.onExhausted()
	}
	return nil, ErrPoolExhausted
}

// Quarantined iterates the currently banned egresses.
func (p *Pool) Quarantined() []*Egress {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Egress
	for _, e := range p.egresses {
		if e.Quarantined() {
			out = append(out, e)
		}
	}
	return out
}

// All returns every egress in the pool, quarantined or not.
func (p *Pool) All() []*Egress {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Egress, len(p.egresses))
	copy(out, p.egresses)
	return out
}

// Report records the outcome of a request made through egress e. Two
// consecutive 403s quarantine the egress permanently for this process
// and append exactly one line to the bad-egress log.
func (p *Pool) Report(e *Egress, outcome Outcome) {
	var justQuarantined bool

	e.mu.Lock()
	switch outcome {
	case OutcomeHTTP403:
		e.consecutive403++
		if e.consecutive403 >= 2 && !e.quarantined {
			e.quarantined = true
			justQuarantined = true
		}
	case OutcomeTransportError, OutcomeTimeout:
		e.consecutive403 = 0
		e.recentErrors++
	case OutcomeOK:
		e.consecutive403 = 0
	}
	e.mu.Unlock()

	if justQuarantined {
		p.logQuarantine(e)
	}
}

func (p *Pool) logQuarantine(e *Egress) {
	if p.badLog == nil {
		return
	}
	p.badLogMu.Lock()
	defer p.badLogMu.Unlock()

	line := fmt.Sprintf("%s\t%s\tHTTP 403\n", time.Now().UTC().Format(time.RFC3339), e.ID)
	if _, err := p.badLog.WriteString(line); err == nil {
		_ = p.badLog.Sync()
	}
}
