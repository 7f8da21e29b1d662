package inference

import "fmt"

// portPool hands out llama-server listener ports from a fixed range. Callers
// must hold the supervisor's mutex.
type portPool struct {
	min, max int
	inUse    map[int]bool
}

func newPortPool(min, max int) *portPool {
	return &portPool{min: min, max: max, inUse: make(map[int]bool)}
}

func (p *portPool) alloc() (int, error) {
	for port := p.min; port <= p.max; port++ {
		if !p.inUse[port] {
			p.inUse[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in range %d-%d", p.min, p.max)
}

func (p *portPool) release(port int) {
	delete(p.inUse, port)
}
