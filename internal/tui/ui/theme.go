package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
)

// Theme holds color constants for the TUI.
type Theme struct {
	BgColor        tcell.Color
	FgColor        tcell.Color
	MutedColor     tcell.Color
	BorderColor    tcell.Color
	TableHeaderFg  tcell.Color
	TableHeaderBg  tcell.Color
	TableCursorFg  tcell.Color
	TableCursorBg  tcell.Color
	UnreadColor    tcell.Color
	MenuKeyColor   tcell.Color
	TitleColor     tcell.Color
	OnlineColor    tcell.Color
	OfflineColor   tcell.Color
	FlashWarnColor tcell.Color
}

// DefaultTheme returns a dark theme.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:        tcell.ColorBlack,
		FgColor:        tcell.ColorCadetBlue,
		MutedColor:     tcell.ColorGray,
		BorderColor:    tcell.ColorDodgerBlue,
		TableHeaderFg:  tcell.ColorWhite,
		TableHeaderBg:  tcell.ColorBlack,
		TableCursorFg:  tcell.ColorBlack,
		TableCursorBg:  tcell.ColorAqua,
		UnreadColor:    tcell.ColorWhite,
		MenuKeyColor:   tcell.ColorDodgerBlue,
		TitleColor:     tcell.ColorFuchsia,
		OnlineColor:    tcell.ColorGreen,
		OfflineColor:   tcell.ColorOrangeRed,
		FlashWarnColor: tcell.ColorOrange,
	}
}

// Hex returns c as a tview color tag value.
func Hex(c tcell.Color) string {
	return fmt.Sprintf("#%06x", c.Hex())
}
