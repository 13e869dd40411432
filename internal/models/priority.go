package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Priority is an ordered level. Higher values are dispatched first on
// queues that support priority ordering.
type Priority int

const (
	PriorityNormal       Priority = 0
	PriorityPreferential Priority = 1
	PriorityEmergency    Priority = 2
)

var priorityNames = map[Priority]string{
	PriorityNormal:       "normal",
	PriorityPreferential: "preferential",
	PriorityEmergency:    "emergency",
}

var priorityAliases = map[string]Priority{
	"normal":       PriorityNormal,
	"regular":      PriorityNormal,
	"preferential": PriorityPreferential,
	"elderly":      PriorityPreferential,
	"pregnant":     PriorityPreferential,
	"disabled":     PriorityPreferential,
	"emergency":    PriorityEmergency,
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("level_%d", int(p))
}

func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority accepts a level name or one of its aliases. The empty
// string is normal.
func ParsePriority(value string) (Priority, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return PriorityNormal, nil
	}
	p, ok := priorityAliases[value]
	if !ok {
		return PriorityNormal, fmt.Errorf("unknown priority %q", value)
	}
	return p, nil
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParsePriority(name)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	var level int
	if err := json.Unmarshal(data, &level); err != nil {
		return fmt.Errorf("priority must be a name or level: %w", err)
	}
	if !Priority(level).Valid() {
		return fmt.Errorf("unknown priority level %d", level)
	}
	*p = Priority(level)
	return nil
}
