package views

import (
	"fmt"
	"slices"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/livesync/internal/model"
	"github.com/matheus3301/livesync/internal/tui/ui"
	"github.com/rivo/tview"
)

// MessageThread displays one conversation and a composer.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	messages *tview.TextView
	composer *tview.InputField
	partner  model.ID
	onSend   func(partner model.ID, text string)
}

// NewMessageThread creates a new message thread view.
func NewMessageThread(theme *ui.Theme) *MessageThread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitleColor(theme.TitleColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.MenuKeyColor)
	composer.SetTitle(" Compose (i to focus) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		messages: messages,
		composer: composer,
	}

	composer.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && mt.onSend != nil && mt.partner != "" {
			text := composer.GetText()
			if text != "" {
				mt.onSend(mt.partner, text)
				composer.SetText("")
			}
		}
	})

	return mt
}

// SetOnSend sets the callback when a message is submitted.
func (mt *MessageThread) SetOnSend(fn func(partner model.ID, text string)) {
	mt.onSend = fn
}

// Partner returns the open conversation's partner.
func (mt *MessageThread) Partner() model.ID {
	return mt.partner
}

// Show renders conv. Messages arrive most recent first and are displayed
// oldest first.
func (mt *MessageThread) Show(conv model.Conversation) {
	mt.partner = conv.PartnerID
	mt.messages.SetTitle(fmt.Sprintf(" %s ", clean(string(conv.PartnerID))))
	mt.messages.Clear()

	msgs := slices.Clone(conv.Messages)
	slices.Reverse(msgs)
	now := time.Now()
	for _, m := range msgs {
		sender := string(m.ConversationPartnerID)
		if m.IsSent {
			sender = "You"
		}
		marker := ""
		if m.Counts() {
			marker = fmt.Sprintf(" [%s]new[-]", ui.Hex(mt.theme.UnreadColor))
		}
		_, _ = fmt.Fprintf(mt.messages, "[::b]%s[-:-:-] [::d]%s[-:-:-]%s\n%s\n\n",
			clean(sender), formatTime(m.CreatedAt, now), marker, clean(m.Content))
	}
	mt.messages.ScrollToEnd()
}

// Messages returns the messages text view (for focus management).
func (mt *MessageThread) Messages() *tview.TextView {
	return mt.messages
}

// Composer returns the composer input field (for focus management).
func (mt *MessageThread) Composer() *tview.InputField {
	return mt.composer
}
