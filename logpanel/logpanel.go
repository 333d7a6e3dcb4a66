//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package logpanel keeps the log shown to the user: an append-only sequence of
// timestamped, typed entries that can be listed and subscribed to.
package logpanel

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/juju/errors"
)

type Type string

const (
	Info     Type = "info"
	Success  Type = "success"
	Error    Type = "error"
	Warning  Type = "warning"
	Terminal Type = "terminal"
)

const DefaultHistory = 1000

const timeFormat = "15:04:05"

func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(s)); t {
	case Info, Success, Error, Warning, Terminal:
		return t, nil
	}
	return "", errors.Errorf("unknown log entry type %q", s)
}

type Entry struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Type    Type      `json:"type"`
	Message string    `json:"message"`
}

func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s", e.Time.Format(timeFormat), e.Message)
}

// Log is safe for concurrent use. Entries beyond the history limit are
// dropped oldest first; sequence numbers keep increasing.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	maxLen  int
	nextSeq uint64
	subs    map[int]chan Entry
	nextSub int
	now     func() time.Time
}

func New(maxLen int) *Log {
	if maxLen <= 0 {
		maxLen = DefaultHistory
	}
	return &Log{maxLen: maxLen, nextSeq: 1, subs: map[int]chan Entry{}, now: time.Now}
}

// Add appends msg as is and returns the new entry. Subscribers that are not
// keeping up miss entries rather than blocking the writer.
func (l *Log) Add(t Type, msg string) Entry {
	return l.add(t, msg)
}

// Addf is like Add but formats the message.
func (l *Log) Addf(t Type, format string, args ...interface{}) Entry {
	return l.add(t, fmt.Sprintf(format, args...))
}

func (l *Log) Infof(format string, args ...interface{}) Entry {
	return l.add(Info, fmt.Sprintf(format, args...))
}

func (l *Log) Successf(format string, args ...interface{}) Entry {
	return l.add(Success, fmt.Sprintf(format, args...))
}

func (l *Log) Warningf(format string, args ...interface{}) Entry {
	return l.add(Warning, fmt.Sprintf(format, args...))
}

func (l *Log) Errorf(format string, args ...interface{}) Entry {
	return l.add(Error, fmt.Sprintf(format, args...))
}

func (l *Log) Terminalf(format string, args ...interface{}) Entry {
	return l.add(Terminal, fmt.Sprintf(format, args...))
}

// add must be called directly from an exported method, glog reports the
// caller of that method.
func (l *Log) add(t Type, msg string) Entry {
	switch t {
	case Error:
		glog.ErrorDepth(2, msg)
	case Warning:
		glog.WarningDepth(2, msg)
	default:
		glog.InfoDepth(2, msg)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e := Entry{Seq: l.nextSeq, Time: l.now(), Type: t, Message: msg}
	l.nextSeq++
	l.entries = append(l.entries, e)
	if len(l.entries) > l.maxLen {
		l.entries = append([]Entry(nil), l.entries[len(l.entries)-l.maxLen:]...)
	}
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return e
}

// Entries returns entries with sequence numbers greater than since.
func (l *Log) Entries(since uint64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := []Entry{}
	for _, e := range l.entries {
		if e.Seq > since {
			res = append(res, e)
		}
	}
	return res
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Subscribe returns a channel receiving new entries and a function to stop.
func (l *Log) Subscribe() (<-chan Entry, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextSub
	l.nextSub++
	ch := make(chan Entry, 100)
	l.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs, id)
			close(ch)
		})
	}
}

var typeColors = map[Type]*color.Color{
	Info:     color.New(),
	Success:  color.New(color.FgGreen),
	Error:    color.New(color.FgRed),
	Warning:  color.New(color.FgYellow),
	Terminal: color.New(color.FgCyan),
}

// ConsoleWriter prints entries to w, colored by type.
func ConsoleWriter(w io.Writer, e Entry) {
	c := typeColors[e.Type]
	if c == nil {
		c = typeColors[Info]
	}
	c.Fprintf(w, "%s\n", e)
}

// Follow prints entries to w until the returned stop function is called.
func (l *Log) Follow(w io.Writer) func() {
	ch, cancel := l.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			ConsoleWriter(w, e)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
