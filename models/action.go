package models

// Action is one input event forwarded to the mirrored device
type Action struct {
	ID        string                 `json:"id"`
	Serial    string                 `json:"serial"`
	Type      string                 `json:"type"` // tap, swipe, text, key
	Params    map[string]interface{} `json:"params"`
	Timestamp int64                  `json:"timestamp"`
	Status    string                 `json:"status"` // pending, executing, done, failed
	Result    string                 `json:"result,omitempty"`
}

const (
	ActionTap   = "tap"
	ActionSwipe = "swipe"
	ActionText  = "text"
	ActionKey   = "key"
)

type ActionRequest struct {
	Type   string                 `json:"type" binding:"required"`
	Params map[string]interface{} `json:"params"`
}

type RecordRequest struct {
	Path string `json:"path" binding:"required"`
}
