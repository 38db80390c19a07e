package traversal

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"reviewtrail/internal/components/fsutil"
)

type Cursor struct {
	Category string `json:"category,omitempty"`
	Pass     string `json:"pass,omitempty"`
	ItemID   string `json:"item_id,omitempty"`
}

type PlatformState struct {
	Cursor Cursor `json:"cursor"`
	// Finished holds the items that completed every pass, nothing else is
	// ever checkpointed.
	Finished map[string]ItemResult `json:"finished"`
	Failed   int                   `json:"failed"`
	Done     bool                  `json:"done"`
}

// RunState is the resumable progress of one run. It is shared by the
// platform workers of a run and passed around by reference.
type RunState struct {
	RunID     string                    `json:"run_id"`
	StartedAt time.Time                 `json:"started_at"`
	Platforms map[string]*PlatformState `json:"platforms"`

	mutex     sync.Mutex
	path      string
	every     int
	sinceSave int
}

// NewRunState creates a state checkpointed to path after every `every`
// finished items, an empty path disables checkpoints.
func NewRunState(runID string, startedAt time.Time, path string, every int) *RunState {
	if every <= 0 {
		every = 10
	}
	return &RunState{
		RunID:     runID,
		StartedAt: startedAt,
		Platforms: map[string]*PlatformState{},
		path:      path,
		every:     every,
	}
}

// LoadRunState reads a checkpoint written by Save, later saves go back to
// the same path.
func LoadRunState(path string, every int) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	state := NewRunState("", time.Time{}, path, every)
	err = json.Unmarshal(data, state)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if state.Platforms == nil {
		state.Platforms = map[string]*PlatformState{}
	}
	for _, p := range state.Platforms {
		if p.Finished == nil {
			p.Finished = map[string]ItemResult{}
		}
	}
	return state, nil
}

func (s *RunState) platformLocked(platform string) *PlatformState {
	p, ok := s.Platforms[platform]
	if !ok {
		p = &PlatformState{Finished: map[string]ItemResult{}}
		s.Platforms[platform] = p
	}
	return p
}

func (s *RunState) SetCursor(platform string, cursor Cursor) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.platformLocked(platform).Cursor = cursor
}

func (s *RunState) Cursor(platform string) Cursor {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.platformLocked(platform).Cursor
}

// Finish records a finished item and reports whether a checkpoint is due.
func (s *RunState) Finish(result ItemResult) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	p := s.platformLocked(result.Platform)
	switch result.Status {
	case StatusDone:
		p.Finished[result.ItemID] = result
	case StatusFailed:
		p.Failed++
	default:
		return false
	}
	s.sinceSave++
	return s.sinceSave >= s.every
}

// Refresh replaces the checkpointed copy of items finished earlier, eg. once
// their timelines are reconciled. Other items are ignored.
func (s *RunState) Refresh(results []ItemResult) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, r := range results {
		p := s.platformLocked(r.Platform)
		if _, ok := p.Finished[r.ItemID]; ok && r.Status == StatusDone {
			p.Finished[r.ItemID] = r
		}
	}
}

func (s *RunState) Finished(platform, itemID string) (ItemResult, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	result, ok := s.platformLocked(platform).Finished[itemID]
	return result, ok
}

// FinishedItems returns the finished items of platform ordered by id.
func (s *RunState) FinishedItems(platform string) []ItemResult {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	p := s.platformLocked(platform)
	out := make([]ItemResult, 0, len(p.Finished))
	for _, r := range p.Finished {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

func (s *RunState) MarkDone(platform string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.platformLocked(platform).Done = true
}

func (s *RunState) IsDone(platform string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.platformLocked(platform).Done
}

func (s *RunState) Path() string {
	return s.path
}

// Save writes the checkpoint atomically.
func (s *RunState) Save() error {
	s.mutex.Lock()
	s.sinceSave = 0
	if s.path == "" {
		s.mutex.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(s, "", "  ")
	s.mutex.Unlock()
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(s.path, data, 0644)
}
