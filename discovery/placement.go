package discovery

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"sort"
)

const defaultReplicas = 64

// Placement spreads clients over registered servers with a consistent-hash
// ring, so a given client name keeps landing on the same server while the
// set of servers is stable and only a fraction of names move when it
// changes.
type Placement struct {
	replicas int
	points   []uint32          // sorted
	owners   map[uint32]string // point -> server id
	addrs    map[string]string // server id -> UDP address
}

// NewPlacement builds a ring over servers (id -> address).
func NewPlacement(servers map[string]string, replicas int) *Placement {
	if replicas <= 0 {
		replicas = defaultReplicas
	}
	p := &Placement{
		replicas: replicas,
		owners:   make(map[uint32]string, len(servers)*replicas),
		addrs:    make(map[string]string, len(servers)),
	}
	// insert in id order so colliding points resolve the same way every time
	ids := make([]string, 0, len(servers))
	for id := range servers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		p.addrs[id] = servers[id]
		for i := 0; i < replicas; i++ {
			pt := hash(pointKey(id, i))
			if _, taken := p.owners[pt]; taken {
				continue
			}
			p.owners[pt] = id
			p.points = append(p.points, pt)
		}
	}
	slices.Sort(p.points)
	return p
}

func (p *Placement) Len() int { return len(p.addrs) }

// Pick returns the server owning key, or ok=false on an empty ring.
func (p *Placement) Pick(key string) (id, addr string, ok bool) {
	if len(p.points) == 0 {
		return "", "", false
	}
	h := hash([]byte(key))
	// first point >= h, wrapping past the end
	i := sort.Search(len(p.points), func(i int) bool { return p.points[i] >= h })
	if i == len(p.points) {
		i = 0
	}
	id = p.owners[p.points[i]]
	return id, p.addrs[id], true
}

func hash(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(id string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(id), buf[:]...)
}
