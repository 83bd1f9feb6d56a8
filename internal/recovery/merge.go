/*
Copyright 2025.

SPDX-License-Identifier: Apache-2.0

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package recovery

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/corevault/workspacevault/internal/corevault"
)

// MergeStrategy selects how ResolveMergeConflicts orders and reconciles
// candidate states.
type MergeStrategy string

const (
	StrategyLatest       MergeStrategy = "latest"
	StrategyMostComplete MergeStrategy = "most_complete"
	StrategyManual       MergeStrategy = "manual"
)

// CandidateSource identifies where a candidate state came from.
type CandidateSource string

const (
	SourcePrimary   CandidateSource = "primary"
	SourceCheckpoint CandidateSource = "checkpoint"
	SourceRecovered CandidateSource = "recovered"
)

// CandidateState is one input to ResolveMergeConflicts.
type CandidateState struct {
	WorkspaceState *corevault.WorkspaceState
	LastSavedAt    time.Time
	Source         CandidateSource
}

// MergeResult is the outcome of ResolveMergeConflicts.
type MergeResult struct {
	ResolvedState *corevault.WorkspaceState
	Conflicts     []corevault.Conflict
	Warnings      []string
}

// timestampConflictWindow is the two-item conflict marker's timestamp
// tolerance: diffs larger than this count as a genuine conflict.
const timestampConflictWindow = 60 * time.Second

// ResolveMergeConflicts merges a list of candidate states into one,
// recording a Conflict for every key present on both sides whose content
// differs, per spec.md §4.6.
func ResolveMergeConflicts(candidates []CandidateState, strategy MergeStrategy) (*MergeResult, error) {
	if len(candidates) == 1 {
		return &MergeResult{
			ResolvedState: candidates[0].WorkspaceState,
			Warnings:      []string{"single candidate state supplied, nothing to merge"},
		}, nil
	}

	ordered := make([]CandidateState, len(candidates))
	copy(ordered, candidates)

	switch strategy {
	case StrategyMostComplete:
		sort.SliceStable(ordered, func(i, j int) bool {
			return completenessScore(ordered[i].WorkspaceState) > completenessScore(ordered[j].WorkspaceState)
		})
	default:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].LastSavedAt.After(ordered[j].LastSavedAt)
		})
	}

	base := ordered[0].WorkspaceState
	result := &corevault.WorkspaceState{
		TerminalState: append([]corevault.TerminalEntry(nil), base.TerminalState...),
		BrowserTabs:   append([]corevault.BrowserTab(nil), base.BrowserTabs...),
		AIState:       append([]corevault.AIConversationEntry(nil), base.AIState...),
		FileState:     append([]corevault.OpenFileEntry(nil), base.FileState...),
		Config:        cloneAnyMap(base.Config),
		Metadata:      cloneAnyMap(base.Metadata),
	}

	var conflicts []corevault.Conflict
	manual := strategy == StrategyManual

	for _, c := range ordered[1:] {
		result.TerminalState, conflicts = mergeTerminals(result.TerminalState, c.WorkspaceState.TerminalState, conflicts, manual)
		result.BrowserTabs, conflicts = mergeTabs(result.BrowserTabs, c.WorkspaceState.BrowserTabs, conflicts, manual)
		result.AIState, conflicts = mergeAI(result.AIState, c.WorkspaceState.AIState, conflicts, manual)
		result.FileState, conflicts = mergeFiles(result.FileState, c.WorkspaceState.FileState, conflicts, manual)
		result.Config = deepMergeMaps(result.Config, c.WorkspaceState.Config)
	}

	var warnings []string
	if len(conflicts) > 0 {
		warnings = append(warnings, "one or more fields had conflicting values across candidates; existing values were kept")
	}

	return &MergeResult{ResolvedState: result, Conflicts: conflicts, Warnings: warnings}, nil
}

func completenessScore(s *corevault.WorkspaceState) float64 {
	score := 10*float64(len(s.TerminalState)) + 5*float64(len(s.BrowserTabs)) +
		15*float64(len(s.AIState)) + 8*float64(len(s.FileState)) +
		3*float64(len(s.Config)) + 2*float64(len(s.Metadata))

	for _, t := range s.TerminalState {
		if t.IsActive {
			score += 50
			break
		}
	}
	for _, b := range s.BrowserTabs {
		if b.IsActive {
			score += 30
			break
		}
	}
	for _, a := range s.AIState {
		if time.Since(a.Timestamp) < 24*time.Hour {
			score += 10
			break
		}
	}
	for _, f := range s.FileState {
		if f.HasUnsaved {
			score += 25
			break
		}
	}
	return score
}

func mergeTerminals(base, other []corevault.TerminalEntry, conflicts []corevault.Conflict, manual bool) ([]corevault.TerminalEntry, []corevault.Conflict) {
	index := make(map[string]int, len(base))
	for i, e := range base {
		index[e.ID] = i
	}
	for _, e := range other {
		if i, ok := index[e.ID]; ok {
			if manual || terminalsDiffer(base[i], e) {
				conflicts = append(conflicts, newConflict("terminalState.id", base[i], e))
			}
			continue
		}
		index[e.ID] = len(base)
		base = append(base, e)
	}
	return base, conflicts
}

func terminalsDiffer(a, b corevault.TerminalEntry) bool {
	if a.IsActive != b.IsActive {
		return true
	}
	if absDuration(a.Timestamp.Sub(b.Timestamp)) > timestampConflictWindow {
		return true
	}
	return !jsonEqual(a, b)
}

func mergeTabs(base, other []corevault.BrowserTab, conflicts []corevault.Conflict, manual bool) ([]corevault.BrowserTab, []corevault.Conflict) {
	type key struct{ url, title string }
	index := make(map[key]int, len(base))
	for i, t := range base {
		index[key{t.URL, t.Title}] = i
	}
	for _, t := range other {
		k := key{t.URL, t.Title}
		if i, ok := index[k]; ok {
			if manual || tabsDiffer(base[i], t) {
				conflicts = append(conflicts, newConflict("browserTabs.(url,title)", base[i], t))
			}
			continue
		}
		index[k] = len(base)
		base = append(base, t)
	}
	return base, conflicts
}

func tabsDiffer(a, b corevault.BrowserTab) bool {
	if a.IsActive != b.IsActive {
		return true
	}
	if absDuration(a.Timestamp.Sub(b.Timestamp)) > timestampConflictWindow {
		return true
	}
	return !jsonEqual(a, b)
}

func mergeAI(base, other []corevault.AIConversationEntry, conflicts []corevault.Conflict, manual bool) ([]corevault.AIConversationEntry, []corevault.Conflict) {
	index := make(map[string]int, len(base))
	for i, e := range base {
		index[e.ID] = i
	}
	for _, e := range other {
		if i, ok := index[e.ID]; ok {
			if manual || aiDiffer(base[i], e) {
				conflicts = append(conflicts, newConflict("aiState.id", base[i], e))
			}
			continue
		}
		index[e.ID] = len(base)
		base = append(base, e)
	}
	return base, conflicts
}

func aiDiffer(a, b corevault.AIConversationEntry) bool {
	if absDuration(a.Timestamp.Sub(b.Timestamp)) > timestampConflictWindow {
		return true
	}
	return !jsonEqual(a, b)
}

func mergeFiles(base, other []corevault.OpenFileEntry, conflicts []corevault.Conflict, manual bool) ([]corevault.OpenFileEntry, []corevault.Conflict) {
	index := make(map[string]int, len(base))
	for i, e := range base {
		index[e.ID] = i
	}
	for _, e := range other {
		if i, ok := index[e.ID]; ok {
			if manual || filesDiffer(base[i], e) {
				conflicts = append(conflicts, newConflict("fileState.id", base[i], e))
			}
			continue
		}
		index[e.ID] = len(base)
		base = append(base, e)
	}
	return base, conflicts
}

func filesDiffer(a, b corevault.OpenFileEntry) bool {
	if a.HasUnsaved != b.HasUnsaved {
		return true
	}
	if absDuration(a.Timestamp.Sub(b.Timestamp)) > timestampConflictWindow {
		return true
	}
	return !jsonEqual(a, b)
}

func newConflict(field string, local, remote any) corevault.Conflict {
	return corevault.Conflict{
		Field:      field,
		Type:       corevault.ConflictConcurrentUpdate,
		LocalData:  local,
		RemoteData: remote,
		Timestamp:  time.Now(),
	}
}

func jsonEqual(a, b any) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// deepMergeMaps merges other into base: keys only in other are added; keys
// present in both recurse when both sides are objects; scalar collisions
// keep the base (existing) value.
func deepMergeMaps(base, other map[string]any) map[string]any {
	if base == nil && other == nil {
		return nil
	}
	merged := cloneAnyMap(base)
	if merged == nil {
		merged = make(map[string]any)
	}
	for k, ov := range other {
		bv, exists := merged[k]
		if !exists {
			merged[k] = ov
			continue
		}
		bMap, bIsMap := bv.(map[string]any)
		oMap, oIsMap := ov.(map[string]any)
		if bIsMap && oIsMap {
			merged[k] = deepMergeMaps(bMap, oMap)
			continue
		}
		// scalar collision: keep existing (base) value.
	}
	return merged
}
