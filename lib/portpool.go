package lib

import (
	"fmt"
	"math/rand"
)

// PortPool manages the ephemeral local ports handed to active opens that
// do not name one. Ports are kept in a ring in random order and reused in
// the order they were returned. The stack lock guards it.
type PortPool struct {
	ports           []uint16
	capacity        int
	minPort         int
	maxPort         int
	readIdx         int
	writeIdx        int
	isFull, isEmpty bool
	allocated       map[uint16]bool
}

// newPortPool creates a pool holding every port in [minPort, maxPort] except
// the reserved ones.
func newPortPool(minPort, maxPort int, reserved map[uint16]bool) *PortPool {
	perm := rand.Perm(maxPort - minPort + 1)

	ports := make([]uint16, 0, len(perm))
	for _, v := range perm {
		port := uint16(minPort + v)
		if !reserved[port] {
			ports = append(ports, port)
		}
	}

	return &PortPool{
		ports:     ports,
		capacity:  len(ports),
		minPort:   minPort,
		maxPort:   maxPort,
		allocated: make(map[uint16]bool),
		isFull:    true,
		isEmpty:   len(ports) == 0,
	}
}

// allocatePort takes the next port from the ring.
func (p *PortPool) allocatePort() (uint16, error) {
	if p.isEmpty {
		return 0, fmt.Errorf("port pool is empty")
	}

	port := p.ports[p.readIdx]
	p.readIdx = (p.readIdx + 1) % p.capacity // Move read index circularly

	if p.readIdx == p.writeIdx {
		p.isEmpty = true
	}
	p.isFull = false
	p.allocated[port] = true

	return port, nil
}

// returnPort puts an allocated port back at the tail of the ring.
func (p *PortPool) returnPort(port uint16) error {
	if !p.allocated[port] {
		return fmt.Errorf("port %d was not allocated from the pool", port)
	}
	if p.isFull {
		return fmt.Errorf("port pool is full")
	}

	p.ports[p.writeIdx] = port
	p.writeIdx = (p.writeIdx + 1) % p.capacity

	if p.writeIdx == p.readIdx {
		p.isFull = true
	}
	p.isEmpty = false
	delete(p.allocated, port)

	return nil
}

// available returns the number of ports left in the pool.
func (p *PortPool) available() int {
	switch {
	case p.isEmpty:
		return 0
	case p.isFull:
		return p.capacity
	case p.readIdx < p.writeIdx:
		return p.writeIdx - p.readIdx
	}
	return p.capacity - (p.readIdx - p.writeIdx)
}
