package keys

import (
	"slices"
	"testing"

	"github.com/gdamore/tcell/v2"
)

func runeEvent(r rune) *tcell.EventKey {
	return tcell.NewEventKey(tcell.KeyRune, r, tcell.ModNone)
}

func TestViewBindingShadowsGlobal(t *testing.T) {
	r := NewRegistry()
	var got []string
	r.AddGlobal("refresh", &Action{Key: tcell.KeyRune, Rune: 'r', Handler: func() { got = append(got, "global") }})
	r.AddView("notifications", "read", &Action{Key: tcell.KeyRune, Rune: 'r', Handler: func() { got = append(got, "view") }})

	if !r.HandleEvent("notifications", runeEvent('r')) {
		t.Fatal("HandleEvent() = false")
	}
	if !r.HandleEvent("conversations", runeEvent('r')) {
		t.Fatal("HandleEvent() = false for global")
	}
	if want := []string{"view", "global"}; !slices.Equal(got, want) {
		t.Errorf("handlers = %v, want %v", got, want)
	}
	if r.HandleEvent("notifications", runeEvent('z')) {
		t.Error("unbound key handled")
	}
}

func TestSpecialKeys(t *testing.T) {
	r := NewRegistry()
	hit := false
	r.AddGlobal("next", &Action{Key: tcell.KeyTab, Handler: func() { hit = true }})
	if !r.HandleEvent("any", tcell.NewEventKey(tcell.KeyTab, 0, tcell.ModNone)) || !hit {
		t.Fatal("Tab binding not dispatched")
	}
}

func TestHintsOrderAndReplace(t *testing.T) {
	r := NewRegistry()
	r.AddGlobal("quit", &Action{Description: "q:quit", Visible: true})
	r.AddGlobal("help", &Action{Description: "?:help", Visible: true})
	r.AddGlobal("hidden", &Action{Description: "hidden"})
	r.AddView("notifications", "read", &Action{Description: "enter:read", Visible: true})
	r.AddGlobal("quit", &Action{Description: "q:exit", Visible: true})

	want := []string{"enter:read", "q:exit", "?:help"}
	if got := r.Hints("notifications"); !slices.Equal(got, want) {
		t.Errorf("Hints() = %v, want %v", got, want)
	}
}
