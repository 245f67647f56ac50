package main

import (
	"context"
	"time"

	"github.com/matst80/pwremote/internal/obs"
	"github.com/matst80/pwremote/internal/server"
	"github.com/matst80/pwremote/internal/session"
)

// Stats represents current server stats for dashboards & API.
type Stats struct {
	server.Stats
	Local   []session.Info `json:"local"`
	Cluster []session.Info `json:"cluster"`
	Now     string         `json:"now"`
}

func collectStats(ctx context.Context, srv *server.Server) Stats {
	st := Stats{
		Stats: srv.Stats(),
		Local: srv.Sessions(),
		Now:   time.Now().UTC().Format(time.RFC3339),
	}
	cluster, err := srv.Registry().List(ctx)
	if err != nil {
		obs.Error("stats.registry", obs.Fields{"err": err.Error()})
		cluster = st.Local
	}
	st.Cluster = cluster
	return st
}

// ToTemplateMap returns the data the dashboard template expects.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Title":    "pwremote",
		"Stats":    s.Stats,
		"Sessions": s.Cluster,
	}
}
