package main

import (
	"github.com/matst80/bridgeproxy/internal/proxy"
	"github.com/matst80/bridgeproxy/internal/state"
)

type instanceView struct {
	Name    string `json:"name"`
	Listen  string `json:"listen,omitempty"`
	Pending int    `json:"pending"`
}

// stateView is the body of /api/state and the data behind /dashboard.
type stateView struct {
	state.Stats
	Instances []instanceView  `json:"instances"`
	Sessions  []state.Session `json:"sessions"`
}

func collectState(store state.Store, insts []*proxy.Instance) stateView {
	v := stateView{Stats: store.Stats(), Sessions: store.Sessions()}
	for _, i := range insts {
		iv := instanceView{Name: i.Name(), Pending: i.PendingSlots()}
		if a := i.Addr(proxy.Primary); a != nil {
			iv.Listen = a.String()
		}
		v.Instances = append(v.Instances, iv)
	}
	return v
}

// ToTemplateMap extends the store stats with per-instance and per-session rows.
func (v stateView) ToTemplateMap() map[string]any {
	m := v.Stats.ToTemplateMap()
	m["Instances"] = v.Instances
	m["Sessions"] = v.Sessions
	return m
}
