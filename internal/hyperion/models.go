package hyperion

import "encoding/json"

// Instance is one roster entry from serverinfo or an instance push.
type Instance struct {
	Instance     int    `json:"instance"`
	Running      bool   `json:"running"`
	FriendlyName string `json:"friendly_name"`
}

// Component is one functional block's enabled flag.
type Component struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// Adjustment carries the server's color adjustment set. Only brightness is
// consumed; the server sends many more fields.
type Adjustment struct {
	ID         string `json:"id,omitempty"`
	Brightness *int   `json:"brightness,omitempty"`
}

// PriorityValue is the color payload of a color-owned priority.
type PriorityValue struct {
	RGB []int `json:"RGB"`
}

// Priority is one source competing for the output.
type Priority struct {
	Priority    int            `json:"priority"`
	ComponentID string         `json:"componentId"`
	Origin      string         `json:"origin,omitempty"`
	Owner       string         `json:"owner,omitempty"`
	Active      bool           `json:"active"`
	Visible     bool           `json:"visible"`
	Value       *PriorityValue `json:"value,omitempty"`
}

// Effect is one installed effect. Only the name is consumed.
type Effect struct {
	Name string `json:"name"`
}

// ServerInfo is the subset of the serverinfo reply this daemon reads.
type ServerInfo struct {
	Components []Component  `json:"components"`
	Adjustment []Adjustment `json:"adjustment"`
	Priorities []Priority   `json:"priorities"`
	Effects    []Effect     `json:"effects"`
	Instances  []Instance   `json:"instance"`
}

// VisiblePriority returns the priority currently owning the output, or nil
// when nothing is shown.
func (s *ServerInfo) VisiblePriority() *Priority {
	for i := range s.Priorities {
		if s.Priorities[i].Visible {
			return &s.Priorities[i]
		}
	}
	return nil
}

// sysInfo is the sysinfo reply subset carrying the server's stable id.
type sysInfo struct {
	Hyperion struct {
		ID      string `json:"id"`
		Version string `json:"version"`
	} `json:"hyperion"`
}

// envelope is the wire frame shared by replies and push updates. Replies
// carry Success and echo the request tan; pushes carry a "<subject>-update"
// command and a data payload.
type envelope struct {
	Command string          `json:"command"`
	Tan     int64           `json:"tan,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	Info    json.RawMessage `json:"info,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// request is the wire frame for commands sent to the server.
type request struct {
	Command        string              `json:"command"`
	Subcommand     string              `json:"subcommand,omitempty"`
	Tan            int64               `json:"tan"`
	Token          string              `json:"token,omitempty"`
	Instance       *int                `json:"instance,omitempty"`
	Subscribe      []string            `json:"subscribe,omitempty"`
	Priority       *int                `json:"priority,omitempty"`
	Origin         string              `json:"origin,omitempty"`
	Color          []int               `json:"color,omitempty"`
	Effect         *effectRef          `json:"effect,omitempty"`
	ComponentState *componentStateBody `json:"componentstate,omitempty"`
	Adjustment     *adjustmentBody     `json:"adjustment,omitempty"`
}

type effectRef struct {
	Name string `json:"name"`
}

type componentStateBody struct {
	Component string `json:"component"`
	State     bool   `json:"state"`
}

type adjustmentBody struct {
	Brightness int `json:"brightness"`
}
