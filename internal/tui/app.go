package tui

import (
	"context"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/livesync/internal/clock"
	domain "github.com/matheus3301/livesync/internal/model"
	"github.com/matheus3301/livesync/internal/tui/client"
	"github.com/matheus3301/livesync/internal/tui/keys"
	"github.com/matheus3301/livesync/internal/tui/model"
	"github.com/matheus3301/livesync/internal/tui/ui"
	"github.com/matheus3301/livesync/internal/tui/views"
	"github.com/rivo/tview"
)

const (
	pageNotifications = "notifications"
	pageConversations = "conversations"
	pageThread        = "thread"
	pageHelp          = "help"
)

// activityInterval bounds how often input is forwarded to the daemon.
const activityInterval = 5 * time.Second

// App is the main TUI application shell.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	theme     *ui.Theme
	vm        *model.ViewModel
	daemon    *client.Client
	registry  *keys.Registry
	statusBar *views.StatusBar
	notes     *views.NotificationList
	convs     *views.ConversationList
	thread    *views.MessageThread
	help      *views.HelpView
	prompt    *tview.InputField
	activity  *activityReporter
	reloadCh  chan struct{}
	lastList  string
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(c *client.Client, profileName string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		theme:     theme,
		vm:        model.NewViewModel(c),
		daemon:    c,
		registry:  keys.NewRegistry(),
		statusBar: views.NewStatusBar(theme),
		notes:     views.NewNotificationList(theme),
		convs:     views.NewConversationList(theme),
		thread:    views.NewMessageThread(theme),
		help:      views.NewHelpView(theme),
		prompt:    tview.NewInputField().SetLabel(":").SetFieldWidth(0),
		reloadCh:  make(chan struct{}, 1),
		lastList:  pageNotifications,
		ctx:       ctx,
		cancel:    cancel,
	}
	a.activity = newActivityReporter(clock.Real(), activityInterval, a.reportActivity)

	a.statusBar.SetProfile(profileName)
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal("quit", &keys.Action{
		Rune: 'q', Key: tcell.KeyRune,
		Description: "q:quit", Visible: true,
		Handler: a.Stop,
	})
	a.registry.AddGlobal("help", &keys.Action{
		Rune: '?', Key: tcell.KeyRune,
		Description: "?:help", Visible: true,
		Handler: func() { a.show(pageHelp) },
	})
	a.registry.AddGlobal("switch", &keys.Action{
		Key:         tcell.KeyTab,
		Description: "tab:switch", Visible: true,
		Handler:     a.switchList,
	})
	a.registry.AddGlobal("refresh", &keys.Action{
		Rune: 'r', Key: tcell.KeyRune,
		Description: "r:refresh", Visible: true,
		Handler: func() { a.do("Refresh", a.vm.Refresh) },
	})
	a.registry.AddGlobal("command", &keys.Action{
		Rune: ':', Key: tcell.KeyRune,
		Description: "::command",
		Handler:     func() { a.app.SetFocus(a.prompt) },
	})

	a.registry.AddView(pageNotifications, "read", &keys.Action{
		Key:         tcell.KeyEnter,
		Description: "enter:read", Visible: true,
		Handler: func() {
			if id, ok := a.notes.Selected(); ok {
				a.do("Mark read", func(ctx context.Context) error { return a.vm.MarkNotificationRead(ctx, id) })
			}
		},
	})
	a.registry.AddView(pageNotifications, "read-all", &keys.Action{
		Rune: 'a', Key: tcell.KeyRune,
		Description: "a:read all", Visible: true,
		Handler: func() { a.do("Mark all read", a.vm.MarkAllNotificationsRead) },
	})
	a.registry.AddView(pageNotifications, "clear", &keys.Action{
		Rune: 'x', Key: tcell.KeyRune,
		Description: "x:clear", Visible: true,
		Handler: func() { a.do("Clear", a.vm.ClearNotifications) },
	})
	a.registry.AddView(pageConversations, "open", &keys.Action{
		Key:         tcell.KeyEnter,
		Description: "enter:open", Visible: true,
		Handler: func() {
			if partner, ok := a.convs.Selected(); ok {
				a.openThread(partner)
			}
		},
	})
	a.registry.AddView(pageThread, "compose", &keys.Action{
		Rune: 'i', Key: tcell.KeyRune,
		Description: "i:compose", Visible: true,
		Handler: func() { a.app.SetFocus(a.thread.Composer()) },
	})
}

func (a *App) setupCallbacks() {
	a.thread.SetOnSend(func(partner domain.ID, text string) {
		a.do("Send", func(ctx context.Context) error { return a.vm.Send(ctx, partner, text) })
	})

	a.prompt.SetDoneFunc(func(key tcell.Key) {
		text := a.prompt.GetText()
		a.prompt.SetText("")
		a.focusPage()
		if key == tcell.KeyEnter && strings.TrimSpace(text) != "" {
			a.runCommand(ParseCommand(text))
		}
	})
}

func (a *App) setupLayout() {
	a.pages.AddPage(pageNotifications, a.notes, true, true)
	a.pages.AddPage(pageConversations, a.convs, true, false)
	a.pages.AddPage(pageThread, a.thread, true, false)
	a.pages.AddPage(pageHelp, a.help, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.prompt, 1, 0, false).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true).EnableMouse(true)

	a.app.SetMouseCapture(func(ev *tcell.EventMouse, action tview.MouseAction) (*tcell.EventMouse, tview.MouseAction) {
		if action != tview.MouseMove {
			a.activity.Report("pointer")
		}
		return ev, action
	})

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		a.activity.Report("key")

		focused := a.app.GetFocus()
		if focused == a.prompt {
			return event
		}
		currentPage, _ := a.pages.GetFrontPage()

		if event.Key() == tcell.KeyEscape {
			switch {
			case focused == a.thread.Composer():
				a.app.SetFocus(a.thread.Messages())
				return nil
			case currentPage == pageThread:
				a.show(pageConversations)
				return nil
			case currentPage == pageHelp:
				a.show(a.lastList)
				return nil
			}
		}

		// Let text input widgets handle all keys normally.
		if _, ok := focused.(*tview.InputField); ok {
			return event
		}

		if a.registry.HandleEvent(currentPage, event) {
			return nil
		}
		return event
	})
}

func (a *App) show(page string) {
	if page == pageNotifications || page == pageConversations {
		a.lastList = page
	}
	a.pages.SwitchToPage(page)
	a.focusPage()
	a.render()
}

func (a *App) focusPage() {
	page, _ := a.pages.GetFrontPage()
	switch page {
	case pageNotifications:
		a.app.SetFocus(a.notes)
	case pageConversations:
		a.app.SetFocus(a.convs)
	case pageThread:
		a.app.SetFocus(a.thread.Messages())
	case pageHelp:
		a.app.SetFocus(a.help)
	}
}

func (a *App) switchList() {
	if a.lastList == pageNotifications {
		a.show(pageConversations)
	} else {
		a.show(pageNotifications)
	}
}

func (a *App) openThread(partner domain.ID) {
	conv, ok := a.vm.Conversation(partner)
	if !ok {
		return
	}
	a.thread.Show(conv)
	a.show(pageThread)
	a.do("Mark read", func(ctx context.Context) error { return a.vm.OpenConversation(ctx, partner) })
}

func (a *App) runCommand(cmd Command) {
	switch cmd.Name {
	case "q", "quit":
		a.Stop()
	case "h", "help":
		a.show(pageHelp)
	case "refresh":
		a.do("Refresh", a.vm.Refresh)
	case "login":
		token := cmd.Args
		a.do("Login", func(ctx context.Context) error { return a.vm.Login(ctx, token) })
	case "logout":
		a.do("Logout", a.vm.Logout)
	case "send":
		to, text := cmd.Split()
		if to == "" || text == "" {
			a.flash("usage: send <user> <text>")
			return
		}
		a.do("Send", func(ctx context.Context) error { return a.vm.Send(ctx, domain.ID(to), text) })
	case "check":
		user := cmd.Args
		a.do("Check", func(ctx context.Context) error { return a.vm.Check(ctx, user) })
	default:
		a.flash("unknown command: " + cmd.Name)
	}
}

// do runs fn off the UI goroutine and redraws afterwards.
func (a *App) do(label string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, 15*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.vm.Flash.Set(label+" failed: "+err.Error(), 5*time.Second)
		}
		a.app.QueueUpdateDraw(a.render)
	}()
}

func (a *App) flash(msg string) {
	a.vm.Flash.Set(msg, 5*time.Second)
	a.statusBar.SetFlash(a.vm.Flash.Get())
}

// render pushes the view model into the views. Runs on the UI goroutine.
func (a *App) render() {
	if st := a.vm.Status(); st != nil {
		a.statusBar.SetSession(st.User, st.Connection, st.Presence)
		a.statusBar.SetCounters(st.Notifications, st.Messages)
	}
	notes, nUnread := a.vm.Notifications()
	a.notes.Update(notes, nUnread)
	convs, mUnread := a.vm.Conversations()
	a.convs.Update(convs, mUnread)
	if partner := a.thread.Partner(); partner != "" {
		if conv, ok := a.vm.Conversation(partner); ok {
			a.thread.Show(conv)
		}
	}
	page, _ := a.pages.GetFrontPage()
	a.statusBar.SetHints(a.registry.Hints(page))
	a.statusBar.SetFlash(a.vm.Flash.Get())
}

func (a *App) reportActivity(kind string) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, 2*time.Second)
		defer cancel()
		_ = a.daemon.ReportActivity(ctx, kind)
	}()
}

func (a *App) requestReload() {
	select {
	case a.reloadCh <- struct{}{}:
	default:
	}
}

func (a *App) reloadLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.reloadCh:
		case <-ticker.C:
		case <-a.ctx.Done():
			return
		}
		ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
		if err := a.vm.Reload(ctx); err != nil && a.ctx.Err() == nil {
			a.vm.Flash.Set("Reload failed: "+err.Error(), 5*time.Second)
		}
		cancel()
		a.app.QueueUpdateDraw(a.render)
	}
}

// watch reloads whenever the daemon reports a change.
func (a *App) watch() {
	events, errc, err := a.daemon.WatchEvents(a.ctx, "")
	if err != nil {
		a.vm.Flash.Set("Event stream unavailable: "+err.Error(), 5*time.Second)
		return
	}
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				if err := <-errc; err != nil && a.ctx.Err() == nil {
					a.vm.Flash.Set("Event stream closed: "+err.Error(), 5*time.Second)
				}
				return
			}
			if relevant(evt.Kind) {
				a.requestReload()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

func relevant(kind string) bool {
	for _, prefix := range []string{"inbox.", "presence.", "transport.", "session."} {
		if strings.HasPrefix(kind, prefix) {
			return true
		}
	}
	return false
}

// Run starts the TUI application. The daemon is told the user is looking
// on start and that the front end went away on exit.
func (a *App) Run() error {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, 2*time.Second)
		_ = a.daemon.SetVisible(ctx, true)
		cancel()
		a.requestReload()
		a.watch()
	}()
	go a.reloadLoop()

	err := a.app.Run()
	a.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = a.daemon.Unload(ctx)
	return err
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
