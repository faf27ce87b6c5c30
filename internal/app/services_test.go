package app

import (
	"testing"
	"time"

	"github.com/dermotduffy/rosterd/internal/config"
	"github.com/dermotduffy/rosterd/internal/entry"
)

func TestDefinitions(t *testing.T) {
	cfg := &config.Config{
		Servers: []config.ServerConfig{
			{
				ID:    "lights",
				Kind:  config.KindHyperion,
				Host:  "lights.local",
				Port:  19445,
				Token: "secret",
				Options: config.OptionsConfig{
					Priority:       64,
					ResyncInterval: config.Duration(time.Minute),
				},
				Reconnect: config.ReconnectConfig{
					MinRetryBackoff: config.Duration(2 * time.Second),
					MaxRetryBackoff: config.Duration(30 * time.Second),
					RetryMultiplier: 1.5,
					MaxReconnects:   10,
				},
			},
			{
				ID:       "cams",
				Kind:     config.KindMotioneye,
				URL:      "http://cams.local:8765",
				Username: "admin",
				Password: "hunter2",
				Options: config.OptionsConfig{
					PollInterval: config.Duration(10 * time.Second),
				},
			},
		},
	}

	defs := definitions(cfg)
	if len(defs) != 2 {
		t.Fatalf("len(defs) = %d, want 2", len(defs))
	}

	lights := defs[0]
	if lights.ID != "lights" || lights.Kind != entry.KindHyperion {
		t.Errorf("lights def = %+v", lights)
	}
	if lights.Host != "lights.local" || lights.Port != 19445 || lights.Token != "secret" {
		t.Errorf("lights address = %q:%d token %q", lights.Host, lights.Port, lights.Token)
	}
	if lights.Options.Priority != 64 {
		t.Errorf("lights priority = %d, want 64", lights.Options.Priority)
	}
	if lights.Options.ResyncInterval != time.Minute {
		t.Errorf("lights resync = %v, want 1m", lights.Options.ResyncInterval)
	}
	if lights.Reconnect.MinBackoff != 2*time.Second || lights.Reconnect.Multiplier != 1.5 {
		t.Errorf("lights reconnect = %+v", lights.Reconnect)
	}
	if lights.Reconnect.MaxReconnects != 10 {
		t.Errorf("lights max reconnects = %d, want 10", lights.Reconnect.MaxReconnects)
	}

	cams := defs[1]
	if cams.Kind != entry.KindMotioneye || cams.URL != "http://cams.local:8765" {
		t.Errorf("cams def = %+v", cams)
	}
	if cams.Username != "admin" || cams.Password != "hunter2" {
		t.Errorf("cams credentials = %q/%q", cams.Username, cams.Password)
	}
	if cams.Options.PollInterval != 10*time.Second {
		t.Errorf("cams poll = %v, want 10s", cams.Options.PollInterval)
	}
}
