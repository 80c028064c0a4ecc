package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"droughtwatch/internal/model"
	"droughtwatch/pkg/logx"
)

const (
	opEvent = "event"
	opGap   = "gap"
	opBeat  = "beat"
	opPurge = "purge"
	opReset = "reset"

	opSubscriber = "subscriber"

	compactEvery = 1000
)

// journalRecord is one line of <prefix>.journal.jsonl.
type journalRecord struct {
	Op        string       `json:"op"`
	Event     *model.Event `json:"event,omitempty"`
	Gap       *model.Gap   `json:"gap,omitempty"`
	VisitorID string       `json:"visitor_id,omitempty"`
	At        int64        `json:"at,omitempty"` // unix milli

	Subscriber *model.Subscriber `json:"subscriber,omitempty"`
}

type snapshot struct {
	Events     []model.Event    `json:"events"`
	Gaps       []model.Gap      `json:"gaps"`
	Heartbeats map[string]int64 `json:"heartbeats"`

	Subscribers []model.Subscriber `json:"subscribers,omitempty"`
}

// fileStore keeps the ledger in memory and makes it durable with two files:
//   - <prefix>.snapshot.json  (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl  (mutations since the snapshot)
type fileStore struct {
	*memoryStore

	log          logx.Logger
	snapshotPath string
	journalFile  *os.File
	writes       int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := newLedgerState()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := replayJournal(journalPath, st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	fs := &fileStore{
		memoryStore:  &memoryStore{st: st},
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		writes:       replayed,
	}
	fs.memoryStore.journal = fs.append
	log.Debug("file store opened", logx.Int("events", len(st.events)), logx.Int("journal", replayed))
	return fs, nil
}

// append runs under memoryStore.mu, before the mutation is applied.
func (f *fileStore) append(rec journalRecord) error {
	if f.journalFile == nil {
		return ErrClosed
	}
	if f.writes >= compactEvery {
		if err := f.compactLocked(); err != nil {
			f.log.Warn("journal compaction failed", logx.Err(err))
		} else {
			f.writes = 0
		}
	}
	if err := json.NewEncoder(f.journalFile).Encode(rec); err != nil {
		return err
	}
	f.writes++
	return nil
}

func (f *fileStore) compactLocked() error {
	st := f.memoryStore.st
	snap := snapshot{Events: st.events, Heartbeats: make(map[string]int64, len(st.beats))}
	for _, id := range st.gapOrder {
		snap.Gaps = append(snap.Gaps, st.gaps[id])
	}
	for id, seen := range st.beats {
		snap.Heartbeats[id] = seen.UnixMilli()
	}
	for _, sub := range st.subs {
		snap.Subscribers = append(snap.Subscribers, sub)
	}

	tmp := f.snapshotPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(out).Encode(snap); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.snapshotPath); err != nil {
		return err
	}
	if err := f.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = f.journalFile.Seek(0, io.SeekEnd)
	return err
}

func (f *fileStore) Close() error {
	f.memoryStore.mu.Lock()
	defer f.memoryStore.mu.Unlock()
	f.memoryStore.closed = true
	if f.journalFile == nil {
		return nil
	}
	err := f.journalFile.Close()
	f.journalFile = nil
	return err
}

func loadSnapshot(path string, st *ledgerState) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	var snap snapshot
	if err := json.NewDecoder(fh).Decode(&snap); err != nil {
		return err
	}
	for _, e := range snap.Events {
		st.addEvent(e)
	}
	for _, g := range snap.Gaps {
		st.addGap(g)
	}
	for id, ms := range snap.Heartbeats {
		st.beats[id] = time.UnixMilli(ms)
	}
	for _, sub := range snap.Subscribers {
		st.subs[sub.Email] = sub
	}
	return nil
}

// replayJournal applies journal lines to st. Torn or unknown lines are skipped.
func replayJournal(path string, st *ledgerState) (int, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer fh.Close()
	n := 0
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case opEvent:
			if r.Event != nil {
				st.addEvent(*r.Event)
			}
		case opGap:
			if r.Gap != nil {
				st.addGap(*r.Gap)
			}
		case opBeat:
			if r.VisitorID != "" {
				st.beats[r.VisitorID] = time.UnixMilli(r.At)
			}
		case opPurge:
			st.purge(time.UnixMilli(r.At))
		case opReset:
			st.reset()
		case opSubscriber:
			if r.Subscriber != nil && r.Subscriber.Email != "" {
				st.subs[r.Subscriber.Email] = *r.Subscriber
			}
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
