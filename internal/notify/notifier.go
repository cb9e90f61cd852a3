// Package notify turns usage snapshots into desktop notifications:
// threshold crossings, quota resets, and upcoming-reset warnings, with
// per-account dedup and a do-not-disturb window.
package notify

import "github.com/gen2brain/beeep"

// Notifier delivers one rendered notification to the user.
type Notifier interface {
	Notify(title, message string) error
}

// Desktop sends OS-native notifications.
type Desktop struct{}

func NewDesktop() *Desktop {
	return &Desktop{}
}

func (d *Desktop) Notify(title, message string) error {
	return beeep.Notify(title, message, "")
}
