package pool

// endpoint is the live state for one registered EndpointConfig. All fields except
// cfg are guarded by Manager.mu.
type endpoint struct {
	cfg     EndpointConfig
	min     int
	max     int
	conns   []*Connection
	pending int
	active  int
}

func newEndpoint(cfg EndpointConfig, settings PoolSettings) *endpoint {
	max := settings.Max
	if cfg.MaxConnections > 0 {
		max = cfg.MaxConnections
	}
	min := settings.Min
	if min > max {
		min = max
	}
	return &endpoint{cfg: cfg, min: min, max: max}
}

func (e *endpoint) size() int {
	return len(e.conns) + e.pending
}

func (e *endpoint) weight() int {
	if e.cfg.Weight <= 0 {
		return 1
	}
	return e.cfg.Weight
}

func (e *endpoint) healthyConns() int {
	n := 0
	for _, c := range e.conns {
		if c.healthy.Load() && !c.tainted {
			n++
		}
	}
	return n
}

func (e *endpoint) remove(c *Connection) bool {
	for i, conn := range e.conns {
		if conn == c {
			e.conns = append(e.conns[:i], e.conns[i+1:]...)
			if c.active {
				e.active--
			}
			return true
		}
	}
	return false
}

// registry is the static endpoint description plus its live connection sets.
type registry struct {
	primary  *endpoint
	replicas []*endpoint
}

func newRegistry(cfg Config) *registry {
	r := &registry{primary: newEndpoint(cfg.Primary, cfg.Settings)}
	for _, rc := range cfg.Replicas {
		r.replicas = append(r.replicas, newEndpoint(rc, cfg.Settings))
	}
	return r
}

func (r *registry) all() []*endpoint {
	return append([]*endpoint{r.primary}, r.replicas...)
}

func (r *registry) connections() []*Connection {
	var conns []*Connection
	for _, ep := range r.all() {
		conns = append(conns, ep.conns...)
	}
	return conns
}

// targets returns the endpoints eligible for a request. Read-only requests go to
// healthy replicas when any exist and fall back to the primary otherwise. A region,
// when given, is a hard filter.
func (r *registry) targets(readOnly bool, region string) []*endpoint {
	inRegion := func(ep *endpoint) bool {
		return region == "" || ep.cfg.Region == region
	}
	if readOnly {
		var replicas []*endpoint
		for _, ep := range r.replicas {
			if inRegion(ep) && ep.healthyConns() > 0 {
				replicas = append(replicas, ep)
			}
		}
		if len(replicas) > 0 {
			return replicas
		}
	}
	if !inRegion(r.primary) {
		return nil
	}
	return []*endpoint{r.primary}
}
