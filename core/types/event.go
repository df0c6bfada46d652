package types

// Event represents a typed event emitted during state transitions. Tick is the
// ledger tick the emitting operation executed at.
type Event struct {
	Type       string            `json:"type"`
	Tick       uint64            `json:"tick"`
	Attributes map[string]string `json:"attributes"`
}

// Attr returns the attribute value or the empty string.
func (e *Event) Attr(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}
