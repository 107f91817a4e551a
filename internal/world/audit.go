package world

// AuditEntry records one accepted edit.
type AuditEntry struct {
	Time    int64          `json:"time"` // unix millis
	Session string         `json:"session"`
	Actor   string         `json:"actor"`
	Action  string         `json:"action"` // e.g. "DRAW_MAP"
	Pos     [3]int         `json:"pos"`
	From    uint16         `json:"from"`
	To      uint16         `json:"to"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}
