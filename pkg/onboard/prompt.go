// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package onboard asks the operator for the values the relay can't find on
// its own: server URL, account ID, password and authorization code.
package onboard

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aiku/mautrix-mastodon/pkg/connector"
)

// --- single value prompt model ---

type promptModel struct {
	prompt  connector.Prompt
	input   textinput.Model
	errMsg  string
	done    bool
	aborted bool
}

func newPromptModel(prompt connector.Prompt, errMsg string) promptModel {
	ti := textinput.New()
	ti.Prompt = PromptLabel.Render("❯ ")
	ti.Placeholder = prompt.Placeholder
	if prompt.Secret {
		ti.EchoMode = textinput.EchoPassword
		ti.EchoCharacter = '•'
	}
	ti.Focus()
	return promptModel{prompt: prompt, input: ti, errMsg: errMsg}
}

func (m promptModel) Init() tea.Cmd { return textinput.Blink }

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.aborted = true
			return m, tea.Quit
		case tea.KeyCtrlD:
			if m.input.Value() == "" {
				m.aborted = true
				return m, tea.Quit
			}
		case tea.KeyEnter:
			m.done = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m promptModel) View() string {
	if m.done || m.aborted {
		return ""
	}
	var s strings.Builder
	s.WriteString("\n  " + TitleStyle.Render(fmt.Sprintf("%s %s", Logo, m.prompt.Title)) + "\n")
	for _, line := range strings.Split(m.prompt.Instructions, "\n") {
		if line != "" {
			s.WriteString("  " + DimStyle.Render(line) + "\n")
		}
	}
	if m.errMsg != "" {
		s.WriteString("  " + ErrStyle.Render(m.errMsg) + "\n")
	}
	s.WriteString("\n  " + m.input.View() + "\n")
	s.WriteString("\n" + DimStyle.Render("  enter confirm · ctrl+c cancel") + "\n")
	return s.String()
}

// Prompter implements connector.Prompter with one bubbletea program per
// question. Nil In and Out use the terminal.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	// lastErr is shown under the next prompt, e.g. after a rejected password.
	lastErr string
}

var (
	_ connector.Prompter = (*Prompter)(nil)
	_ connector.Retrier  = (*Prompter)(nil)
)

// Ask shows prompt and returns what the operator typed. Cancelling returns
// connector.ErrPromptAborted.
func (p *Prompter) Ask(ctx context.Context, prompt connector.Prompt) (string, error) {
	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if p.In != nil {
		opts = append(opts, tea.WithInput(p.In))
	}
	if p.Out != nil {
		opts = append(opts, tea.WithOutput(p.Out))
	}
	final, err := tea.NewProgram(newPromptModel(prompt, p.lastErr), opts...).Run()
	p.lastErr = ""
	if ctx.Err() != nil {
		return "", ctx.Err()
	} else if err != nil {
		return "", fmt.Errorf("failed to run prompt: %w", err)
	}
	fm := final.(promptModel)
	if fm.aborted {
		p.println(DimStyle.Render("  Bye!"))
		return "", connector.ErrPromptAborted
	}
	return fm.input.Value(), nil
}

// Retry makes the next prompt show msg, e.g. why the last answer was refused.
func (p *Prompter) Retry(msg string) {
	p.lastErr = msg
}

func (p *Prompter) println(s string) {
	out := p.Out
	if out == nil {
		out = os.Stdout
	}
	_, _ = fmt.Fprintln(out, s)
}
