// Package router picks the model for an inbound item.
//
// Route is a pure function of (source, has image) and the configuration it
// was built with: it never fails and always yields a model name. Mapped models
// that are unavailable give way to the default, which the caller must ensure
// is available.
package router

import (
	"github.com/harun/aide/pkg/ingest"
)

// Availability answers whether a model can currently be called.
type Availability interface {
	Available(model string) bool
}

// AvailabilityFunc adapts a function to Availability.
type AvailabilityFunc func(model string) bool

func (f AvailabilityFunc) Available(model string) bool { return f(model) }

// Config is the routing table.
type Config struct {
	Default string
	Sources map[ingest.Source]string
	// Vision, when set, takes over for items that carry an image.
	Vision string
	// Tiers maps an item's tier override to a model.
	Tiers map[string]string
}

// Router maps items to model names.
type Router struct {
	cfg   Config
	avail Availability
}

// New builds a router. A nil avail treats every model as available.
func New(cfg Config, avail Availability) *Router {
	if avail == nil {
		avail = AvailabilityFunc(func(string) bool { return true })
	}
	return &Router{cfg: cfg, avail: avail}
}

// Route returns the model for an item from source, optionally carrying an image.
func (r *Router) Route(source ingest.Source, hasImage bool) string {
	if hasImage && r.cfg.Vision != "" && r.avail.Available(r.cfg.Vision) {
		return r.cfg.Vision
	}
	if m, ok := r.cfg.Sources[source]; ok && m != "" && r.avail.Available(m) {
		return m
	}
	return r.cfg.Default
}

// Resolve applies the item's tier override, if it names a known tier, and
// otherwise routes by source and image presence.
func (r *Router) Resolve(item ingest.InboundItem) string {
	if item.TierOverride != "" {
		if m, ok := r.cfg.Tiers[item.TierOverride]; ok && m != "" && r.avail.Available(m) {
			return m
		}
	}
	return r.Route(item.Source, item.HasImage())
}

// Default returns the fallback model.
func (r *Router) Default() string {
	return r.cfg.Default
}
