package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"autoposter/internal/domain"
	logx "autoposter/pkg/logx"
)

// fileStore persists the memory maps.
//
// Files:
//   - <prefix>.state.json (automations + posts, replaced via tmp+rename)
//   - <prefix>.runs.jsonl (append-only run log)
type fileStore struct {
	*memStore
	log logx.Logger

	statePath string
	runsFile  *os.File
}

type fileSnapshot struct {
	Automations []domain.Automation    `json:"automations"`
	Posts       []domain.ScheduledPost `json:"posts"`
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

	fs := &fileStore{
		memStore:  newMemStore(),
		log:       log,
		statePath: prefix + ".state.json",
	}
	if err := fs.loadSnapshot(); err != nil {
		return nil, fmt.Errorf("load %s: %w", fs.statePath, err)
	}

	runsPath := prefix + ".runs.jsonl"
	if err := fs.replayRuns(runsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run log replay failed", logx.String("path", runsPath), logx.Err(err))
	}
	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	fs.runsFile = rf
	fs.commit = fs.writeSnapshotLocked

	log.Info("file storage opened",
		logx.String("state", fs.statePath),
		logx.Int("automations", len(fs.automations)),
		logx.Int("posts", len(fs.posts)),
	)
	return fs, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	for _, a := range snap.Automations {
		s.automations[a.ID] = a
	}
	for _, p := range snap.Posts {
		s.posts[p.ID] = p
	}
	return nil
}

func (s *fileStore) replayRuns(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r domain.RunLog
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.AutomationID == "" {
			continue
		}
		s.runs = append(s.runs, r)
		if len(s.runs) > 2*runLogCap {
			s.runs = append([]domain.RunLog(nil), s.runs[len(s.runs)-runLogCap:]...)
		}
	}
	if n := len(s.runs); n > runLogCap {
		s.runs = s.runs[n-runLogCap:]
	}
	return sc.Err()
}

// writeSnapshotLocked is the memStore commit hook; mu is held.
func (s *fileStore) writeSnapshotLocked() error {
	snap := fileSnapshot{
		Automations: make([]domain.Automation, 0, len(s.automations)),
		Posts:       make([]domain.ScheduledPost, 0, len(s.posts)),
	}
	for _, a := range s.automations {
		snap.Automations = append(snap.Automations, a)
	}
	for _, p := range s.posts {
		snap.Posts = append(snap.Posts, p)
	}

	tmp := s.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

func (s *fileStore) AppendRunLog(ctx context.Context, r domain.RunLog) error {
	if err := s.memStore.AppendRunLog(ctx, r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.runsFile).Encode(r)
}

func (s *fileStore) Close() error {
	_ = s.memStore.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil
	}
	err := s.runsFile.Close()
	s.runsFile = nil
	return err
}
