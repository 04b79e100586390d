package views

import (
	"fmt"
	"strings"

	"github.com/matheus3301/livesync/internal/tui/ui"
	"github.com/rivo/tview"
)

// HelpView displays key binding reference.
type HelpView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewHelpView creates a new help view.
func NewHelpView(theme *ui.Theme) *HelpView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Help ")
	tv.SetTitleColor(theme.TitleColor)

	hv := &HelpView{TextView: tv, theme: theme}
	hv.render()
	return hv
}

var helpSections = []struct {
	title string
	keys  [][2]string
}{
	{"Global", [][2]string{
		{"Tab", "Switch notifications / conversations"},
		{":", "Command mode"},
		{"r", "Refresh"},
		{"?", "Help"},
		{"Esc", "Back"},
		{"q", "Quit"},
	}},
	{"Notifications", [][2]string{
		{"Enter", "Mark read"},
		{"a", "Mark all read"},
		{"x", "Clear all"},
	}},
	{"Conversations", [][2]string{
		{"Enter", "Open and mark read"},
		{"i", "Focus composer (in thread)"},
	}},
	{"Commands", [][2]string{
		{":login <token>", "Log in"},
		{":logout", "Log out"},
		{":send <user> <text>", "Send a message"},
		{":check <user>", "Show a user's presence"},
		{":quit", "Quit"},
	}},
}

func (hv *HelpView) render() {
	kc := ui.Hex(hv.theme.MenuKeyColor)
	var b strings.Builder
	for _, sec := range helpSections {
		fmt.Fprintf(&b, "\n  [::b]%s[-:-:-]\n\n", sec.title)
		for _, k := range sec.keys {
			fmt.Fprintf(&b, "  [%s]%-22s[-:-:-] %s\n", kc, tview.Escape(k[0]), k[1])
		}
	}
	_, _ = fmt.Fprint(hv, b.String())
}
