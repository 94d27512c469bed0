package events

// Event enumerates bus topics inside the position engine.
type Event string

const (
	// EventPriceTick carries PriceTick values from the market feed.
	EventPriceTick Event = "price_tick"
	// EventLifecycle carries Lifecycle values for UI push and notifications.
	EventLifecycle Event = "position.lifecycle"
)
