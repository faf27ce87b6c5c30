package mqtt

import "strings"

// Topics builds the topic names used by the renderer. Entity unique ids
// are sanitized before use: discovery object ids and topic levels share
// the same safe charset, so one mapping covers both.
type Topics struct {
	Base            string
	DiscoveryPrefix string
}

// Status is the daemon availability topic (retained online/offline,
// also the last-will target).
func (t Topics) Status() string {
	return t.Base + "/status"
}

// State carries the retained JSON state of one entity.
func (t Topics) State(domain, uniqueID string) string {
	return t.Base + "/" + domain + "/" + topicID(uniqueID) + "/state"
}

// Availability carries the retained online/offline flag of one entity.
func (t Topics) Availability(domain, uniqueID string) string {
	return t.Base + "/" + domain + "/" + topicID(uniqueID) + "/availability"
}

// Command receives JSON turn-on/turn-off commands for one light.
func (t Topics) Command(uniqueID string) string {
	return t.Base + "/light/" + topicID(uniqueID) + "/set"
}

// Image carries raw snapshot frames for one camera.
func (t Topics) Image(uniqueID string) string {
	return t.Base + "/camera/" + topicID(uniqueID) + "/image"
}

// Discovery is the Home Assistant discovery config topic for one entity.
// Publishing an empty retained payload here removes the entity again.
func (t Topics) Discovery(component, uniqueID string) string {
	return t.DiscoveryPrefix + "/" + component + "/" + t.Base + "/" + topicID(uniqueID) + "/config"
}

// topicID maps a unique id onto the discovery object-id charset
// ([a-zA-Z0-9_-]). Scope separators and host:port characters collapse
// to underscores.
func topicID(uniqueID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		}
		return '_'
	}, uniqueID)
}
