// Package logger holds the process logger constructor and a per-cycle
// buffered log.
//
// A poll cycle writes its detail lines into a buffer while it runs. If the
// cycle fails the buffer is replayed followed by the error; if it succeeds
// the buffer is dropped and a single summary line is written.
//
// One goroutine owns all buffers and is fed over a command channel; there
// are no mutexes.
package logger

import (
	"bytes"
	"log"
	"strings"
)

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
	actSync
)

type cmd struct {
	act     action
	cycleID string
	message string
	err     error
	done    chan struct{}
}

// CycleLog buffers detail lines per cycle id.
type CycleLog struct {
	ch   chan cmd
	logf func(string, ...any)
}

// NewCycleLog starts the owning goroutine. Output goes through logf; nil
// falls back to log.Printf. The goroutine runs until Close.
func NewCycleLog(logf func(string, ...any)) *CycleLog {
	if logf == nil {
		logf = log.Printf
	}
	l := &CycleLog{ch: make(chan cmd, 128), logf: logf}
	go l.run()
	return l
}

// Begin starts buffering for cycleID, discarding any earlier buffer.
func (l *CycleLog) Begin(cycleID string) { l.ch <- cmd{act: actBegin, cycleID: cycleID} }

// Append adds a detail line. Without a buffer the line is written at once.
func (l *CycleLog) Append(cycleID, msg string) {
	l.ch <- cmd{act: actAppend, cycleID: cycleID, message: msg}
}

// Success drops the buffer and writes summary.
func (l *CycleLog) Success(cycleID, summary string) {
	l.ch <- cmd{act: actSuccess, cycleID: cycleID, message: summary}
}

// FlushError replays the buffer and then err.
func (l *CycleLog) FlushError(cycleID string, err error) {
	l.ch <- cmd{act: actFlushErr, cycleID: cycleID, err: err}
}

// Sync blocks until every earlier command has been written.
func (l *CycleLog) Sync() {
	done := make(chan struct{})
	l.ch <- cmd{act: actSync, done: done}
	<-done
}

// Close stops the goroutine after draining pending commands. The log must
// not be used afterwards.
func (l *CycleLog) Close() { close(l.ch) }

func (l *CycleLog) run() {
	buffers := make(map[string]*bytes.Buffer)

	for c := range l.ch {
		switch c.act {
		case actBegin:
			buffers[c.cycleID] = &bytes.Buffer{}

		case actAppend:
			if b := buffers[c.cycleID]; b != nil {
				_, _ = b.WriteString(c.message + "\n")
			} else {
				l.logf("[%s] %s", c.cycleID, c.message)
			}

		case actSuccess:
			l.logf("[%s] %s", c.cycleID, c.message)
			delete(buffers, c.cycleID)

		case actFlushErr:
			if b := buffers[c.cycleID]; b != nil {
				for _, ln := range strings.Split(strings.TrimRight(b.String(), "\n"), "\n") {
					if ln != "" {
						l.logf("[%s] %s", c.cycleID, ln)
					}
				}
				delete(buffers, c.cycleID)
			}
			l.logf("[%s][ERROR] %v", c.cycleID, c.err)

		case actSync:
			close(c.done)
		}
	}
}
