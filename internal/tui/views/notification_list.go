package views

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/livesync/internal/model"
	"github.com/matheus3301/livesync/internal/tui/ui"
	"github.com/rivo/tview"
)

// NotificationList is the notifications table.
type NotificationList struct {
	*tview.Table
	theme *ui.Theme
	items []model.Notification
}

// NewNotificationList creates a new notifications table.
func NewNotificationList(theme *ui.Theme) *NotificationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	table.SetTitleColor(theme.TitleColor)

	nl := &NotificationList{Table: table, theme: theme}
	nl.Update(nil, 0)
	return nl
}

// Update replaces the rows.
func (nl *NotificationList) Update(items []model.Notification, unread int) {
	nl.items = items
	nl.Clear()

	headers := []struct {
		text string
		exp  int
	}{
		{" ", 0},
		{" TITLE", 1},
		{" MESSAGE", 3},
		{" TIME", 0},
	}
	for col, h := range headers {
		nl.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(nl.theme.TableHeaderFg).
			SetBackgroundColor(nl.theme.TableHeaderBg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	now := time.Now()
	for i, n := range items {
		row := i + 1
		color, marker := nl.theme.MutedColor, " "
		if !n.IsRead {
			color, marker = nl.theme.UnreadColor, "●"
		}
		title := n.Title
		if title == "" {
			title = n.Type
		}
		nl.SetCell(row, 0, tview.NewTableCell(marker).SetTextColor(color))
		nl.SetCell(row, 1, tview.NewTableCell(" "+clean(truncate(title, 40))).SetExpansion(1).SetTextColor(color))
		nl.SetCell(row, 2, tview.NewTableCell(" "+clean(truncate(n.Message, 80))).SetExpansion(3).SetTextColor(color))
		nl.SetCell(row, 3, tview.NewTableCell(formatTime(n.CreatedAt, now)).SetAlign(tview.AlignRight).SetTextColor(color))
	}

	nl.SetTitle(fmt.Sprintf(" Notifications (%d unread) ", unread))
}

// Selected returns the id under the cursor.
func (nl *NotificationList) Selected() (model.ID, bool) {
	row, _ := nl.GetSelection()
	idx := row - 1
	if idx < 0 || idx >= len(nl.items) {
		return "", false
	}
	return nl.items[idx].ID, true
}
