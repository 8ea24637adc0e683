// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package persistence implements the store and forward queues that buffer
// outbound messages while a broker is unreachable. Each message lives in its
// own file so a crash can lose at most the entry being written.
package persistence

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/edgegate/edgegate/lib/protocol"
	"github.com/edgegate/edgegate/lib/sync"
)

// Discipline selects which end of the queue Pop and Front operate on.
type Discipline int

const (
	// FIFO delivers the oldest buffered message first.
	FIFO Discipline = iota
	// LIFO delivers the newest buffered message first.
	LIFO
)

func (d Discipline) String() string {
	switch d {
	case FIFO:
		return "FIFO"
	case LIFO:
		return "LIFO"
	default:
		return fmt.Sprintf("Discipline(%d)", int(d))
	}
}

// Store is a bounded queue of outbound messages.
type Store interface {
	Push(msg protocol.Message) error
	Pop() error
	Front() (protocol.Message, bool)
	Empty() bool
}

const entryPrefix = "reading_"

type entry struct {
	seq  int64
	size int64
}

// FileStore keeps one file per message, named by an increasing sequence
// number, with the channel and payload separated by the first newline. When
// a byte cap is set the oldest entries are dropped first, whatever the
// discipline, so the most recently buffered data survives an outage.
type FileStore struct {
	dir        string
	discipline Discipline
	capBytes   int64

	mut        sync.Mutex
	entries    []entry // ascending by sequence
	nextSeq    int64
	totalBytes int64
}

// NewFileStore opens the queue directory, creating it if needed, and indexes
// the entries left over from previous runs.
func NewFileStore(dir string, discipline Discipline, capBytes int64) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("opening queue %s: %w", dir, err)
	}

	s := &FileStore{
		dir:        dir,
		discipline: discipline,
		capBytes:   capBytes,
		mut:        sync.NewMutex(),
	}

	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("opening queue %s: %w", dir, err)
	}
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		seqStr, found := strings.CutPrefix(de.Name(), entryPrefix)
		if !found {
			continue
		}
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			l.Debugln("ignoring stray file", de.Name(), "in", dir)
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		s.entries = append(s.entries, entry{seq: seq, size: info.Size()})
		s.totalBytes += info.Size()
		if seq >= s.nextSeq {
			s.nextSeq = seq + 1
		}
	}
	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].seq < s.entries[j].seq })

	l.Debugf("opened queue %s: %d entries, %d bytes, %v", dir, len(s.entries), s.totalBytes, discipline)
	return s, nil
}

func (s *FileStore) path(seq int64) string {
	return filepath.Join(s.dir, entryPrefix+strconv.FormatInt(seq, 10))
}

// Push appends a message to the queue, then drops the oldest entries while
// the byte cap is exceeded.
func (s *FileStore) Push(msg protocol.Message) error {
	content := make([]byte, 0, len(msg.Channel)+1+len(msg.Payload))
	content = append(content, msg.Channel...)
	content = append(content, '\n')
	content = append(content, msg.Payload...)

	s.mut.Lock()
	defer s.mut.Unlock()

	seq := s.nextSeq
	if err := os.WriteFile(s.path(seq), content, 0o600); err != nil {
		return fmt.Errorf("queueing message: %w", err)
	}
	s.nextSeq++
	s.entries = append(s.entries, entry{seq: seq, size: int64(len(content))})
	s.totalBytes += int64(len(content))

	for s.capBytes > 0 && s.totalBytes > s.capBytes && len(s.entries) > 0 {
		s.dropLocked(0)
	}
	return nil
}

// Front returns the next message to deliver without removing it. Entries
// that cannot be read back are dropped and the next one is tried.
func (s *FileStore) Front() (protocol.Message, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()

	for len(s.entries) > 0 {
		i := s.frontIndexLocked()
		content, err := os.ReadFile(s.path(s.entries[i].seq))
		if err == nil {
			if ch, payload, found := bytes.Cut(content, []byte{'\n'}); found {
				return protocol.Message{Channel: string(ch), Payload: payload}, true
			}
			err = fmt.Errorf("no channel delimiter")
		}
		l.Warnf("Dropping unreadable queue entry %s: %v", s.path(s.entries[i].seq), err)
		s.dropLocked(i)
	}
	return protocol.Message{}, false
}

// Pop removes the message Front would return.
func (s *FileStore) Pop() error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if len(s.entries) == 0 {
		return nil
	}
	s.dropLocked(s.frontIndexLocked())
	return nil
}

// Empty reports whether the queue holds no messages.
func (s *FileStore) Empty() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.entries) == 0
}

// Len returns the number of buffered messages.
func (s *FileStore) Len() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.entries)
}

// TotalBytes returns the bytes currently buffered.
func (s *FileStore) TotalBytes() int64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.totalBytes
}

// All returns every buffered message in sequence order, oldest first,
// without consuming the queue.
func (s *FileStore) All() ([]protocol.Message, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	msgs := make([]protocol.Message, 0, len(s.entries))
	for _, e := range s.entries {
		content, err := os.ReadFile(s.path(e.seq))
		if err != nil {
			return nil, fmt.Errorf("reading queue entry: %w", err)
		}
		ch, payload, found := bytes.Cut(content, []byte{'\n'})
		if !found {
			return nil, fmt.Errorf("reading queue entry %s: no channel delimiter", s.path(e.seq))
		}
		msgs = append(msgs, protocol.Message{Channel: string(ch), Payload: payload})
	}
	return msgs, nil
}

func (s *FileStore) frontIndexLocked() int {
	if s.discipline == LIFO {
		return len(s.entries) - 1
	}
	return 0
}

func (s *FileStore) dropLocked(i int) {
	e := s.entries[i]
	if err := os.Remove(s.path(e.seq)); err != nil && !os.IsNotExist(err) {
		l.Warnf("Removing queue entry %s: %v", s.path(e.seq), err)
	}
	s.totalBytes -= e.size
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
}

func (s *FileStore) String() string {
	return fmt.Sprintf("queue@%s", s.dir)
}
