package pipeline

import (
	"time"

	"github.com/sells-group/intake-cli/internal/notify"
)

// BookingLinks are the consultation links per delivery mode.
type BookingLinks struct {
	InOffice string
	Virtual  string
}

// DeliveryMode picks in-office for March through August and virtual for
// September through February, by the month of now.
func DeliveryMode(now time.Time) string {
	if m := now.Month(); m >= time.March && m <= time.August {
		return notify.ModeInOffice
	}
	return notify.ModeVirtual
}

// Link returns the booking link for mode.
func (b BookingLinks) Link(mode string) string {
	if mode == notify.ModeInOffice {
		return b.InOffice
	}
	return b.Virtual
}
