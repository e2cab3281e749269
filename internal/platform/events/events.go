// Package events carries slot change notifications from the booking flow to
// websocket subscribers, locally or through Redis when several instances run.
package events

import (
	"context"
	"time"

	"github.com/clinic/clinic/internal/platform/websocket"
)

// Event is a slot change as websocket subscribers receive it.
type Event = websocket.Event

// Publisher delivers slot events. *websocket.Hub is the in-process
// implementation.
type Publisher interface {
	Publish(ctx context.Context, event websocket.Event) error
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, websocket.Event) error { return nil }

// SlotBooked builds the event announcing that a slot was taken.
func SlotBooked(tenant, scheduleID, date, timeSlot string) websocket.Event {
	return slotEvent(websocket.EventSlotBooked, tenant, scheduleID, date, timeSlot)
}

// SlotReleased builds the event announcing that a slot became free again.
func SlotReleased(tenant, scheduleID, date, timeSlot string) websocket.Event {
	return slotEvent(websocket.EventSlotReleased, tenant, scheduleID, date, timeSlot)
}

func slotEvent(typ, tenant, scheduleID, date, timeSlot string) websocket.Event {
	return websocket.Event{
		Type:       typ,
		Tenant:     tenant,
		Topic:      websocket.ScheduleTopic(scheduleID),
		ScheduleID: scheduleID,
		Date:       date,
		TimeSlot:   timeSlot,
		Timestamp:  time.Now().UTC(),
	}
}
