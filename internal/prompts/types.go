package prompts

import "time"

// Kind classifies a survey prompt.
type Kind int

const (
	RandomSurvey Kind = iota
	LocationSurvey
	Reminder
)

func (k Kind) String() string {
	switch k {
	case RandomSurvey:
		return "RANDOM_SURVEY"
	case LocationSurvey:
		return "LOCATION_SURVEY"
	case Reminder:
		return "REMINDER"
	default:
		return "UNKNOWN"
	}
}

// category returns the event category for a freshly created prompt of this
// kind. Reminders inherit their parent's category instead.
func (k Kind) category() string {
	switch k {
	case RandomSurvey:
		return "random_notification"
	case LocationSurvey:
		return "location_notification"
	default:
		return "general_notification"
	}
}

// Payload is the user-facing content of a prompt.
type Payload struct {
	Title string
	Body  string
	URL   string
}

// Info is a read-only view of a live prompt, for the status endpoint.
type Info struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	TriggerAt time.Time `json:"trigger_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// notification is the scheduler's record of one live prompt.
type notification struct {
	id        string
	kind      Kind
	category  string
	payload   Payload
	region    string
	lat, lon  *float64
	createdAt time.Time
	triggerAt time.Time
	expiresAt time.Time
}
