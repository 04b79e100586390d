package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/livesync/internal/tui/ui"
	"github.com/rivo/tview"
)

// StatusBar displays profile, connection, presence and counters.
type StatusBar struct {
	*tview.TextView
	theme         *ui.Theme
	profile       string
	connection    string
	presence      string
	user          string
	notifications int
	messages      int
	flash         string
	hints         []string
}

// NewStatusBar creates a new status bar.
func NewStatusBar(theme *ui.Theme) *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	return &StatusBar{TextView: tv, theme: theme}
}

// SetProfile updates the profile name display.
func (sb *StatusBar) SetProfile(name string) {
	sb.profile = name
	sb.render()
}

// SetSession updates the user, connection and presence display.
func (sb *StatusBar) SetSession(user, connection, presence string) {
	sb.user, sb.connection, sb.presence = user, connection, presence
	sb.render()
}

// SetCounters updates the unread counters.
func (sb *StatusBar) SetCounters(notifications, messages int) {
	sb.notifications, sb.messages = notifications, messages
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string) {
	sb.flash = msg
	sb.render()
}

// SetHints sets the key hints shown when no flash message is active.
func (sb *StatusBar) SetHints(hints []string) {
	sb.hints = hints
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()

	presenceColor := ui.Hex(sb.theme.OfflineColor)
	if sb.presence == "online" {
		presenceColor = ui.Hex(sb.theme.OnlineColor)
	}
	user := sb.user
	if user == "" {
		user = "logged out"
	}

	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s | %s | [%s]%s[-] | notif %d | msg %d | %s",
		tview.Escape(sb.profile), tview.Escape(user), sb.connection,
		presenceColor, sb.presence, sb.notifications, sb.messages,
		time.Now().Format("15:04"))
	if sb.flash != "" {
		line += fmt.Sprintf(" | [%s]%s[-]", ui.Hex(sb.theme.FlashWarnColor), tview.Escape(sb.flash))
	} else if len(sb.hints) > 0 {
		line += fmt.Sprintf(" | [%s]%s[-]", ui.Hex(sb.theme.MutedColor), tview.Escape(strings.Join(sb.hints, " ")))
	}

	_, _ = fmt.Fprint(sb, line)
}
