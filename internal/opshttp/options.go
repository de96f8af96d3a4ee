package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-sites/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool

	// Health backs /-/healthy (liveness), Readiness backs /-/ready.
	Health    health.Probe
	Readiness health.Probe

	UseRecoverMW bool
	OnPanic      func() // called for each recovered panic, e.g. to bump a counter
}

func (o *Options) setDefaults() {
	if o.Port == 0 {
		o.Port = 9000
	}
	if o.Health == nil {
		o.Health = health.Fixed(true, "")
	}
	if o.Readiness == nil {
		o.Readiness = health.Fixed(true, "")
	}
}
