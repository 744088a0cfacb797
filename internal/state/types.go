// Package state keeps the registry of live bridge sessions shown on the
// dashboard. The Redis backend lets several bridgeproxy processes publish
// their sessions to one place.
package state

import "time"

// Session describes one live bridge.
type Session struct {
	ID       string    `json:"id"`
	Instance string    `json:"instance"`
	Remote   string    `json:"remote"`
	Local    string    `json:"local"`
	Created  time.Time `json:"created"`
}

// Stats is a point-in-time summary for dashboards and the state API.
type Stats struct {
	Active  int    `json:"active"`
	Total   int64  `json:"total"`
	Backend string `json:"backend"`
	Now     string `json:"now"`
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Active":  s.Active,
		"Total":   s.Total,
		"Backend": s.Backend,
	}
}

// Store abstracts the session registry.
type Store interface {
	Register(s Session) error
	Unregister(id string)
	Sessions() []Session
	Stats() Stats
	SetClosing(closing bool)
	SetReady(ready bool)
	IsClosing() bool
	IsReady() bool
	Close() error
}
