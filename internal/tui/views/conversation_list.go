package views

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/livesync/internal/model"
	"github.com/matheus3301/livesync/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConversationList is the conversations table.
type ConversationList struct {
	*tview.Table
	theme *ui.Theme
	convs []model.Conversation
}

// NewConversationList creates a new conversation list table.
func NewConversationList(theme *ui.Theme) *ConversationList {
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

	cl := &ConversationList{Table: table, theme: theme}
	cl.Update(nil, 0)
	return cl
}

// Update refreshes the conversation rows.
func (cl *ConversationList) Update(convs []model.Conversation, unread int) {
	cl.convs = convs
	cl.Clear()

	headers := []struct {
		text string
		exp  int
	}{
		{" WITH", 1},
		{" LAST MESSAGE", 3},
		{" TIME", 0},
	}
	for col, h := range headers {
		cl.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(cl.theme.TableHeaderFg).
			SetBackgroundColor(cl.theme.TableHeaderBg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	now := time.Now()
	for i, c := range convs {
		row := i + 1
		name := string(c.PartnerID)
		color := cl.theme.FgColor
		if c.Unread > 0 {
			name = fmt.Sprintf("(%d) %s", c.Unread, name)
			color = cl.theme.UnreadColor
		}
		preview := c.LastMessage.Content
		if c.LastMessage.IsSent {
			preview = "you: " + preview
		}
		cl.SetCell(row, 0, tview.NewTableCell(" "+clean(name)).SetExpansion(1).SetTextColor(color))
		cl.SetCell(row, 1, tview.NewTableCell(" "+clean(truncate(preview, 80))).SetExpansion(3).SetTextColor(color))
		cl.SetCell(row, 2, tview.NewTableCell(formatTime(c.LastMessage.CreatedAt, now)).SetAlign(tview.AlignRight).SetTextColor(color))
	}

	cl.SetTitle(fmt.Sprintf(" Conversations (%d unread) ", unread))
}

// Selected returns the partner id under the cursor.
func (cl *ConversationList) Selected() (model.ID, bool) {
	row, _ := cl.GetSelection()
	idx := row - 1
	if idx < 0 || idx >= len(cl.convs) {
		return "", false
	}
	return cl.convs[idx].PartnerID, true
}

// Conversation returns the loaded conversation with partner.
func (cl *ConversationList) Conversation(partner model.ID) (model.Conversation, bool) {
	for _, c := range cl.convs {
		if c.PartnerID == partner {
			return c, true
		}
	}
	return model.Conversation{}, false
}
