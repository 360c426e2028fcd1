package raft

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// diskRecord is the on-disk shape for the consensus log file: a "state"
// record (currentTerm/votedFor, written before any vote/append reply), an
// "entry" record, or an "applied" record marking how far this node's state
// machine has consumed the log. This is a distinct file from the store's
// own WAL (internal/store) — the store's log holds only already-applied
// operations and is freely compactable; this log holds every proposed
// entry, committed or not, plus the applied watermark, and is the
// authority for both election safety and apply-once recovery.
type diskRecord struct {
	Kind         string          `json:"kind"`
	Term         uint64          `json:"term,omitempty"`
	VotedFor     string          `json:"voted_for,omitempty"`
	Index        uint64          `json:"index,omitempty"`
	Command      json.RawMessage `json:"command,omitempty"`
	AppliedIndex int64           `json:"applied_index"`
}

// Log is the persistent Raft log plus inline currentTerm/votedFor and the
// last-applied watermark.
type Log struct {
	path        string
	file        *os.File
	entries     []LogEntry
	currentTerm uint64
	votedFor    string
	lastApplied int64
}

// OpenLog opens (or creates) the log file at path and replays it.
func OpenLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open raft log %s: %w", path, err)
	}
	l := &Log{path: path, file: f, lastApplied: -1}
	if err := l.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) replay() error {
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec diskRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // malformed/partial trailing record, discarded
		}
		switch rec.Kind {
		case "state":
			l.currentTerm = rec.Term
			l.votedFor = rec.VotedFor
		case "entry":
			l.entries = append(l.entries, LogEntry{Term: rec.Term, Index: rec.Index, Command: rec.Command})
		case "applied":
			l.lastApplied = rec.AppliedIndex
		}
	}
	if _, err := l.file.Seek(0, 2); err != nil {
		return err
	}
	return scanner.Err()
}

// CurrentTerm returns the persisted term.
func (l *Log) CurrentTerm() uint64 { return l.currentTerm }

// VotedFor returns the persisted vote for the current term.
func (l *Log) VotedFor() string { return l.votedFor }

// PersistState durably writes currentTerm/votedFor. Must complete before
// any RequestVote/AppendEntries reply that depends on the new values.
func (l *Log) PersistState(term uint64, votedFor string) error {
	l.currentTerm = term
	l.votedFor = votedFor
	rec := diskRecord{Kind: "state", Term: term, VotedFor: votedFor}
	return l.appendRaw(rec)
}

// LastApplied returns the index of the last entry this node's state machine
// has consumed, or -1 if none has been applied yet. TruncateFrom carries the
// watermark into the rewritten file, so a truncation does not reset it.
func (l *Log) LastApplied() int64 { return l.lastApplied }

// PersistApplied durably records that every entry up to and including index
// has been handed to the state machine, so a restart resumes applying from
// index+1 instead of re-running entries the store's own WAL already
// reflects.
func (l *Log) PersistApplied(index int64) error {
	l.lastApplied = index
	rec := diskRecord{Kind: "applied", AppliedIndex: index}
	return l.appendRaw(rec)
}

func (l *Log) appendRaw(rec diskRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := l.file.Write(b); err != nil {
		return err
	}
	return l.file.Sync()
}

// LastIndex returns the index of the last entry, or -1 if the log is empty.
func (l *Log) LastIndex() int64 {
	if len(l.entries) == 0 {
		return -1
	}
	return int64(l.entries[len(l.entries)-1].Index)
}

// LastTerm returns the term of the last entry, or 0 if the log is empty.
func (l *Log) LastTerm() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// Get returns the entry at index, if present.
func (l *Log) Get(index int64) (LogEntry, bool) {
	if index < 0 || index >= int64(len(l.entries)) {
		return LogEntry{}, false
	}
	return l.entries[index], true
}

// TermAt returns the term of the entry at index, or 0 if out of range.
func (l *Log) TermAt(index int64) uint64 {
	e, ok := l.Get(index)
	if !ok {
		return 0
	}
	return e.Term
}

// Append persists and appends entries in order. Entries must already be
// sequential starting at LastIndex()+1.
func (l *Log) Append(entries []LogEntry) error {
	for _, e := range entries {
		if err := l.appendRaw(diskRecord{Kind: "entry", Term: e.Term, Index: e.Index, Command: e.Command}); err != nil {
			return err
		}
		l.entries = append(l.entries, e)
	}
	return nil
}

// TruncateFrom drops every entry at or after index and rewrites the log
// file from scratch (state record + surviving entries), since the file is
// append-only and a truncate requires a full rewrite. Infrequent — only
// triggered by an AppendEntries term mismatch.
func (l *Log) TruncateFrom(index int64) error {
	if index < 0 {
		l.entries = nil
	} else if index < int64(len(l.entries)) {
		l.entries = l.entries[:index]
	}

	tmpPath := l.path + ".rewrite.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	write := func() error {
		enc := json.NewEncoder(tmp)
		if err := enc.Encode(diskRecord{Kind: "state", Term: l.currentTerm, VotedFor: l.votedFor}); err != nil {
			return err
		}
		for _, e := range l.entries {
			if err := enc.Encode(diskRecord{Kind: "entry", Term: e.Term, Index: e.Index, Command: e.Command}); err != nil {
				return err
			}
		}
		return enc.Encode(diskRecord{Kind: "applied", AppliedIndex: l.lastApplied})
	}()
	if write == nil {
		write = tmp.Sync()
	}
	if write != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return write
	}
	tmp.Close()

	if err := l.file.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	return l.file.Close()
}
