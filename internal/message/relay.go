package message

// RelayType discriminates relay messages posted to windows.
type RelayType string

const (
	RelayPush  RelayType = "push"
	RelayClick RelayType = "click"
)

// Relay is the outbound message posted to a window.
type Relay struct {
	Source  string    `json:"source"`
	Message Message   `json:"message"`
	Type    RelayType `json:"type"`
}
