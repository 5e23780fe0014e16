// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package onboard

import "github.com/charmbracelet/lipgloss"

const Logo = "🐘"

var (
	Accent = lipgloss.Color("#6364FF")
	Subtle = lipgloss.Color("#555555")
	Green  = lipgloss.Color("#04B575")
	Red    = lipgloss.Color("#FF4444")

	TitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(Accent)
	PromptLabel = lipgloss.NewStyle().Bold(true).Foreground(Accent)
	ErrStyle    = lipgloss.NewStyle().Foreground(Red)
	OkStyle     = lipgloss.NewStyle().Foreground(Green).Bold(true)
	DimStyle    = lipgloss.NewStyle().Foreground(Subtle)
)
