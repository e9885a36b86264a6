package escrow

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"nhbescrow/core/events"
	"nhbescrow/core/types"
)

type engineState interface {
	EscrowDealGet(id [32]byte) (*Deal, bool, error)
	// EscrowCommit atomically stores the deal, adds custodyDelta to the held
	// balance and appends evt to the journal, returning the assigned sequence.
	EscrowCommit(deal *Deal, custodyDelta *big.Int, evt *types.Event) (uint64, error)
	EscrowCustody() (*big.Int, error)
	EscrowNextNonce() (uint64, error)
}

// Engine wires the escrow state machine with external state and event
// emitters. Every transition runs under a single-writer lock: preconditions
// are checked first, then the mutation is committed as one storage batch, and
// only then is the notification published.
type Engine struct {
	mu        sync.Mutex
	state     engineState
	emitter   events.Emitter
	nowFn     func() int64
	uniqueIDs bool
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetUniqueIDs mixes a monotonically increasing registry sequence into every
// new identifier so uniqueness no longer depends on clock resolution.
func (e *Engine) SetUniqueIDs(enabled bool) { e.uniqueIDs = enabled }

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Create registers a new deal between payer and payee and returns its
// identifier. Registration is not privileged: any caller may record an
// agreement naming two parties.
func (e *Engine) Create(payer, payee [20]byte, amount *big.Int, deadline uint64) ([32]byte, error) {
	if e == nil || e.state == nil {
		return [32]byte{}, errNilState
	}
	if payer == ([20]byte{}) {
		return [32]byte{}, fmt.Errorf("%w: payer required", ErrInvalidArgument)
	}
	if payee == ([20]byte{}) {
		return [32]byte{}, fmt.Errorf("%w: payee required", ErrInvalidArgument)
	}
	if amount == nil || amount.Sign() <= 0 {
		return [32]byte{}, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var nonce uint64
	if e.uniqueIDs {
		next, err := e.state.EscrowNextNonce()
		if err != nil {
			return [32]byte{}, err
		}
		nonce = next
	}
	now := e.now()
	id, err := DealID(payer, payee, amount, deadline, now, nonce)
	if err != nil {
		return [32]byte{}, err
	}
	if _, exists, err := e.state.EscrowDealGet(id); err != nil {
		return [32]byte{}, err
	} else if exists {
		return [32]byte{}, fmt.Errorf("%w: %s", ErrConflict, FormatID(id))
	}
	deal := &Deal{
		ID:        id,
		Payer:     payer,
		Payee:     payee,
		Amount:    cloneBigInt(amount),
		Deadline:  deadline,
		CreatedAt: now,
		Nonce:     nonce,
		Status:    StatusCreated,
	}
	evt := newCreatedEvent(deal)
	seq, err := e.state.EscrowCommit(deal, nil, evt.Event())
	if err != nil {
		return [32]byte{}, err
	}
	evt.Sequence = seq
	e.emit(evt)
	return id, nil
}

// Fund takes value into custody for the deal and marks it funded. Only the
// recorded payer may fund, and only with exactly the agreed amount.
func (e *Engine) Fund(id [32]byte, value *big.Int, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	deal, ok, err := e.state.EscrowDealGet(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: unknown deal %s", ErrInvalidState, FormatID(id))
	}
	if deal.Status != StatusCreated {
		return fmt.Errorf("%w: cannot fund in status %s", ErrInvalidState, deal.Status)
	}
	if caller != deal.Payer {
		return fmt.Errorf("%w: only the payer may fund", ErrUnauthorized)
	}
	if value == nil || value.Cmp(deal.Amount) != 0 {
		return fmt.Errorf("%w: attached %s, expected %s", ErrValueMismatch, formatAmount(value), deal.Amount)
	}
	funded := deal.Clone()
	funded.Status = StatusFunded
	evt := newFundsDepositedEvent(funded)
	seq, err := e.state.EscrowCommit(funded, cloneBigInt(value), evt.Event())
	if err != nil {
		return err
	}
	evt.Sequence = seq
	e.emit(evt)
	return nil
}

// Get returns a copy of the stored deal.
func (e *Engine) Get(id [32]byte) (*Deal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	deal, ok, err := e.state.EscrowDealGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return deal.Clone(), nil
}

// Custody returns the total value currently held by the engine.
func (e *Engine) Custody() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.EscrowCustody()
}
