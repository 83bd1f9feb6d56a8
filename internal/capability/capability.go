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

// Package capability defines the four upstream state sources the core
// polls to assemble a WorkspaceState (spec.md §6): terminal, browser, AI,
// and open-file. Each provider returns a well-typed record or an empty
// default on failure -- no exception ever propagates from a provider into
// the core.
package capability

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/corevault/workspacevault/internal/corevault"
)

// TerminalProvider supplies the current terminal session state for a
// workspace.
type TerminalProvider interface {
	TerminalState(ctx context.Context, workspaceID string) ([]corevault.TerminalEntry, error)
}

// BrowserProvider supplies the current browser tab state for a workspace.
type BrowserProvider interface {
	BrowserTabs(ctx context.Context, workspaceID string) ([]corevault.BrowserTab, error)
}

// AIProvider supplies the current AI conversation state for a workspace.
type AIProvider interface {
	AIState(ctx context.Context, workspaceID string) ([]corevault.AIConversationEntry, error)
}

// FileProvider supplies the current open-file state for a workspace.
type FileProvider interface {
	FileState(ctx context.Context, workspaceID string) ([]corevault.OpenFileEntry, error)
}

// Poller assembles a WorkspaceState by polling all four capability
// providers. Any provider that is nil or that returns an error contributes
// an empty slice for its section rather than failing the whole poll.
type Poller struct {
	terminal TerminalProvider
	browser  BrowserProvider
	ai       AIProvider
	file     FileProvider
	logger   logr.Logger
}

// NewPoller builds a Poller from up to four capability providers. Any of
// them may be nil, in which case that section is always empty.
func NewPoller(terminal TerminalProvider, browser BrowserProvider, ai AIProvider, file FileProvider, logger logr.Logger) *Poller {
	return &Poller{terminal: terminal, browser: browser, ai: ai, file: file, logger: logger}
}

// Poll queries every configured provider and assembles a WorkspaceState.
// It never returns an error: a failing provider is logged and contributes
// its zero value.
func (p *Poller) Poll(ctx context.Context, workspaceID string) *corevault.WorkspaceState {
	state := &corevault.WorkspaceState{}

	if p.terminal != nil {
		entries, err := p.terminal.TerminalState(ctx, workspaceID)
		if err != nil {
			p.logger.Error(err, "terminal provider failed, using empty default", "workspaceID", workspaceID)
		} else {
			state.TerminalState = entries
		}
	}

	if p.browser != nil {
		tabs, err := p.browser.BrowserTabs(ctx, workspaceID)
		if err != nil {
			p.logger.Error(err, "browser provider failed, using empty default", "workspaceID", workspaceID)
		} else {
			state.BrowserTabs = tabs
		}
	}

	if p.ai != nil {
		entries, err := p.ai.AIState(ctx, workspaceID)
		if err != nil {
			p.logger.Error(err, "AI provider failed, using empty default", "workspaceID", workspaceID)
		} else {
			state.AIState = entries
		}
	}

	if p.file != nil {
		entries, err := p.file.FileState(ctx, workspaceID)
		if err != nil {
			p.logger.Error(err, "file provider failed, using empty default", "workspaceID", workspaceID)
		} else {
			state.FileState = entries
		}
	}

	return state
}
