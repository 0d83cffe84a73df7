package domain

const noDescription = "No description provided"

// DeliveryEvent is raised when a reminder fires. It is never persisted.
type DeliveryEvent struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// EventFor derives the delivery event for a fired reminder.
func EventFor(r Reminder) DeliveryEvent {
	desc := noDescription
	if r.Description != nil && *r.Description != "" {
		desc = *r.Description
	}
	return DeliveryEvent{
		ID:      r.ID,
		Title:   r.Title,
		Message: "Reminder: " + desc,
	}
}
