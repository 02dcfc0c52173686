//go:build linux

package reactor

//registry live connections indexed by descriptor.
//Small descriptors live in a flat table, big ones in a map.
type registry struct {
	conns  []*conn
	border int

	slowConns map[int]*conn

	count int
}

func newRegistry(border int) *registry {
	return &registry{
		conns:     make([]*conn, border),
		border:    border,
		slowConns: make(map[int]*conn),
	}
}

func (r *registry) add(c *conn) {
	if r.get(c.fd) == nil {
		r.count++
	}

	if c.fd >= 0 && c.fd < r.border {
		r.conns[c.fd] = c
		return
	}

	//slow path, for big fd values
	r.slowConns[c.fd] = c
}

func (r *registry) get(fd int) *conn {
	if fd >= 0 && fd < r.border {
		return r.conns[fd]
	}
	return r.slowConns[fd]
}

func (r *registry) remove(fd int) {
	if r.get(fd) == nil {
		return
	}
	r.count--

	if fd >= 0 && fd < r.border {
		r.conns[fd] = nil
		return
	}
	delete(r.slowConns, fd)
}

func (r *registry) len() int {
	return r.count
}

//each call fn for every connection, fn may remove the connection it is given.
func (r *registry) each(fn func(c *conn)) {
	for _, c := range r.conns {
		if c != nil {
			fn(c)
		}
	}

	slow := make([]*conn, 0, len(r.slowConns))
	for _, c := range r.slowConns {
		slow = append(slow, c)
	}
	for _, c := range slow {
		fn(c)
	}
}
