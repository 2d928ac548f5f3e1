package execute

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrSessionBusy is returned when a wallet already has an execution in flight
var ErrSessionBusy = errors.New("wallet already has an active execution")

// SessionGuard admits at most one executing quote per wallet. Two concurrent runs for the
// same wallet would race on nonces and allowances.
type SessionGuard struct {
	mutex  sync.Mutex
	active map[common.Address]struct{}
}

func NewSessionGuard() *SessionGuard {
	return &SessionGuard{active: make(map[common.Address]struct{})}
}

// Acquire claims the wallet. The returned func releases it and is safe to call twice.
func (g *SessionGuard) Acquire(wallet common.Address) (func(), error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if _, busy := g.active[wallet]; busy {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, wallet.Hex())
	}
	g.active[wallet] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mutex.Lock()
			delete(g.active, wallet)
			g.mutex.Unlock()
		})
	}, nil
}

// Active reports how many wallets are executing
func (g *SessionGuard) Active() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return len(g.active)
}
