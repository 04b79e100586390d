package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/livesync/internal/api"
	"github.com/matheus3301/livesync/internal/model"
	"github.com/matheus3301/livesync/internal/tui/client"
)

// Daemon is the subset of the control client the view model uses.
type Daemon interface {
	Status(ctx context.Context) (*api.Status, error)
	Login(ctx context.Context, token string) (*api.Status, error)
	Logout(ctx context.Context) error
	Notifications(ctx context.Context) (*client.NotificationList, error)
	Conversations(ctx context.Context) (*client.ConversationList, error)
	Refresh(ctx context.Context) (*client.Counters, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
	ClearNotifications(ctx context.Context) error
	MarkConversationRead(ctx context.Context, partner string) error
	SendMessage(ctx context.Context, req model.SendRequest) (*model.Message, error)
	CheckStatus(ctx context.Context, userID string) (*model.UserStatus, error)
}

// ViewModel caches daemon state for the views.
type ViewModel struct {
	mu sync.RWMutex

	daemon        Daemon
	status        *api.Status
	notifications *client.NotificationList
	conversations *client.ConversationList
	Flash         Flash
}

// NewViewModel creates a new view model connected to the daemon.
func NewViewModel(d Daemon) *ViewModel {
	return &ViewModel{daemon: d}
}

// LoadStatus fetches the daemon status.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	st, err := vm.daemon.Status(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = st
	vm.mu.Unlock()
	return nil
}

// LoadLists fetches notifications and conversations. Both are cleared
// when logged out.
func (vm *ViewModel) LoadLists(ctx context.Context) error {
	vm.mu.RLock()
	loggedIn := vm.status != nil && vm.status.LoggedIn
	vm.mu.RUnlock()
	if !loggedIn {
		vm.mu.Lock()
		vm.notifications, vm.conversations = nil, nil
		vm.mu.Unlock()
		return nil
	}

	notes, err := vm.daemon.Notifications(ctx)
	if err != nil {
		return err
	}
	convs, err := vm.daemon.Conversations(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.notifications, vm.conversations = notes, convs
	vm.mu.Unlock()
	return nil
}

// Reload fetches status and lists.
func (vm *ViewModel) Reload(ctx context.Context) error {
	if err := vm.LoadStatus(ctx); err != nil {
		return err
	}
	return vm.LoadLists(ctx)
}

// Status returns the cached daemon status, or nil.
func (vm *ViewModel) Status() *api.Status {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}

// Notifications returns the cached notifications and unread count.
func (vm *ViewModel) Notifications() ([]model.Notification, int) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.notifications == nil {
		return nil, 0
	}
	return vm.notifications.Notifications, vm.notifications.Unread
}

// Conversations returns the cached conversations and unread count.
func (vm *ViewModel) Conversations() ([]model.Conversation, int) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.conversations == nil {
		return nil, 0
	}
	return vm.conversations.Conversations, vm.conversations.Unread
}

// Conversation returns the cached conversation with partner.
func (vm *ViewModel) Conversation(partner model.ID) (model.Conversation, bool) {
	convs, _ := vm.Conversations()
	for _, c := range convs {
		if c.PartnerID == partner {
			return c, true
		}
	}
	return model.Conversation{}, false
}

// Login installs a token in the daemon.
func (vm *ViewModel) Login(ctx context.Context, token string) error {
	st, err := vm.daemon.Login(ctx, token)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = st
	vm.mu.Unlock()
	if st.Warning != "" {
		vm.Flash.Set("Logged in; "+st.Warning, 5*time.Second)
	} else {
		vm.Flash.Set("Logged in as "+st.User, 3*time.Second)
	}
	return vm.LoadLists(ctx)
}

// Logout ends the daemon session.
func (vm *ViewModel) Logout(ctx context.Context) error {
	if err := vm.daemon.Logout(ctx); err != nil {
		return err
	}
	vm.Flash.Set("Logged out", 3*time.Second)
	return vm.Reload(ctx)
}

// Refresh asks the daemon to refetch, then reloads the lists.
func (vm *ViewModel) Refresh(ctx context.Context) error {
	if _, err := vm.daemon.Refresh(ctx); err != nil {
		return err
	}
	return vm.Reload(ctx)
}

func (vm *ViewModel) MarkNotificationRead(ctx context.Context, id model.ID) error {
	if err := vm.daemon.MarkNotificationRead(ctx, string(id)); err != nil {
		return err
	}
	return vm.Reload(ctx)
}

func (vm *ViewModel) MarkAllNotificationsRead(ctx context.Context) error {
	if err := vm.daemon.MarkAllNotificationsRead(ctx); err != nil {
		return err
	}
	return vm.Reload(ctx)
}

func (vm *ViewModel) ClearNotifications(ctx context.Context) error {
	if err := vm.daemon.ClearNotifications(ctx); err != nil {
		return err
	}
	return vm.Reload(ctx)
}

// OpenConversation marks the conversation read when it has unread
// messages.
func (vm *ViewModel) OpenConversation(ctx context.Context, partner model.ID) error {
	conv, ok := vm.Conversation(partner)
	if !ok || conv.Unread == 0 {
		return nil
	}
	if err := vm.daemon.MarkConversationRead(ctx, string(partner)); err != nil {
		return err
	}
	return vm.Reload(ctx)
}

// Send sends a text message.
func (vm *ViewModel) Send(ctx context.Context, to model.ID, text string) error {
	_, err := vm.daemon.SendMessage(ctx, model.SendRequest{RecipientID: to, Content: text, MessageType: "text"})
	if err != nil {
		return err
	}
	vm.Flash.Set("Message sent", 3*time.Second)
	return vm.Reload(ctx)
}

// Check reports another user's presence as a flash message.
func (vm *ViewModel) Check(ctx context.Context, user string) error {
	st, err := vm.daemon.CheckStatus(ctx, user)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("%s is %s", user, st.Status)
	if st.LastSeen != nil {
		msg += ", last seen " + st.LastSeen.Local().Format("Jan 2 15:04")
	}
	vm.Flash.Set(msg, 8*time.Second)
	return nil
}
