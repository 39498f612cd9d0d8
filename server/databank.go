package server

import (
	"fmt"
	"sync"

	"github.com/sourceperl/gomodbustcp/common"
)

// DefaultTableSize is the capacity of each data table unless an option
// shrinks it; it covers the full 16-bit address space.
const DefaultTableSize = 0x10000

// Origin tags a data bank mutation with its source: the remote endpoint of
// the driving TCP connection, or internal for writes issued by the hosting
// application.
type Origin struct {
	RemoteAddr string
}

// Internal is the origin of writes not driven by the wire protocol.
var Internal = Origin{}

// IsInternal reports whether the mutation came from the hosting application.
func (o Origin) IsInternal() bool {
	return o.RemoteAddr == ""
}

// String implements fmt.Stringer.
func (o Origin) String() string {
	if o.IsInternal() {
		return "internal"
	}
	return o.RemoteAddr
}

// ChangeKind selects which table a change notification refers to. Only the
// wire-writable tables emit notifications.
type ChangeKind int

const (
	// ChangeCoils marks a coil table mutation.
	ChangeCoils ChangeKind = iota
	// ChangeHoldingRegisters marks a holding register table mutation.
	ChangeHoldingRegisters
)

// String implements fmt.Stringer.
func (k ChangeKind) String() string {
	switch k {
	case ChangeCoils:
		return "coils"
	case ChangeHoldingRegisters:
		return "holding registers"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change describes one committed mutation. Address is the first table offset
// that actually changed and Coils or Registers (depending on Kind) hold the
// new values of the changed range only.
type Change struct {
	Kind      ChangeKind
	Address   common.Address
	Coils     []bool
	Registers []uint16
	Origin    Origin
}

// SubscriberToken identifies one subscription for Unsubscribe. Tokens keep
// the bank from owning its subscribers: dropping a callback is explicit,
// never implied by garbage collection.
type SubscriberToken int

// DataBank holds the four Modbus data tables. Each table has its own lock so
// unrelated mutations proceed concurrently; every bulk get and set is atomic
// with respect to other callers of the same table.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 4.3 (Data Model)
type DataBank struct {
	coilsMu    sync.RWMutex
	coils      []bool
	discreteMu sync.RWMutex
	discrete   []bool
	holdingMu  sync.RWMutex
	holding    []uint16
	inputMu    sync.RWMutex
	input      []uint16

	subMu     sync.RWMutex
	subs      map[SubscriberToken]func(Change)
	nextToken SubscriberToken
}

// DataBankOption configures a DataBank.
type DataBankOption func(*DataBank)

func tableSize(n int) int {
	if n < 0 {
		return 0
	}
	if n > DefaultTableSize {
		return DefaultTableSize
	}
	return n
}

// WithCoilsSize sets the coil table capacity (0..0x10000).
func WithCoilsSize(n int) DataBankOption {
	return func(b *DataBank) {
		b.coils = make([]bool, tableSize(n))
	}
}

// WithDiscreteInputsSize sets the discrete input table capacity (0..0x10000).
func WithDiscreteInputsSize(n int) DataBankOption {
	return func(b *DataBank) {
		b.discrete = make([]bool, tableSize(n))
	}
}

// WithHoldingRegistersSize sets the holding register table capacity
// (0..0x10000).
func WithHoldingRegistersSize(n int) DataBankOption {
	return func(b *DataBank) {
		b.holding = make([]uint16, tableSize(n))
	}
}

// WithInputRegistersSize sets the input register table capacity (0..0x10000).
func WithInputRegistersSize(n int) DataBankOption {
	return func(b *DataBank) {
		b.input = make([]uint16, tableSize(n))
	}
}

// NewDataBank creates a DataBank. Table capacities are fixed for the bank's
// lifetime; every access is validated against them.
func NewDataBank(options ...DataBankOption) *DataBank {
	b := &DataBank{
		coils:    make([]bool, DefaultTableSize),
		discrete: make([]bool, DefaultTableSize),
		holding:  make([]uint16, DefaultTableSize),
		input:    make([]uint16, DefaultTableSize),
		subs:     make(map[SubscriberToken]func(Change)),
	}
	for _, option := range options {
		option(b)
	}
	return b
}

// Subscribe registers a callback invoked synchronously after each committed
// coil or holding register mutation, outside the table lock. Callbacks must
// not block; they may mutate the bank, which re-enters normally.
func (b *DataBank) Subscribe(callback func(Change)) SubscriberToken {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.nextToken++
	token := b.nextToken
	b.subs[token] = callback
	return token
}

// Unsubscribe removes a subscription. It reports whether the token was known.
func (b *DataBank) Unsubscribe(token SubscriberToken) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	_, ok := b.subs[token]
	delete(b.subs, token)
	return ok
}

func (b *DataBank) notify(change Change) {
	// Snapshot the subscriber list so no lock is held across callbacks.
	b.subMu.RLock()
	callbacks := make([]func(Change), 0, len(b.subs))
	for _, callback := range b.subs {
		callbacks = append(callbacks, callback)
	}
	b.subMu.RUnlock()

	for _, callback := range callbacks {
		callback(change)
	}
}

func checkRange(start common.Address, count, size int) error {
	if int(start)+count > size {
		return fmt.Errorf("%w: %d+%d exceeds table size %d", common.ErrBadAddress, start, count, size)
	}
	return nil
}

// Coils returns a copy of qty coil values starting at start.
func (b *DataBank) Coils(start common.Address, qty common.Quantity) ([]bool, error) {
	if err := checkRange(start, int(qty), len(b.coils)); err != nil {
		return nil, err
	}
	b.coilsMu.RLock()
	defer b.coilsMu.RUnlock()
	out := make([]bool, qty)
	copy(out, b.coils[start:])
	return out, nil
}

// DiscreteInputs returns a copy of qty discrete input values starting at
// start.
func (b *DataBank) DiscreteInputs(start common.Address, qty common.Quantity) ([]bool, error) {
	if err := checkRange(start, int(qty), len(b.discrete)); err != nil {
		return nil, err
	}
	b.discreteMu.RLock()
	defer b.discreteMu.RUnlock()
	out := make([]bool, qty)
	copy(out, b.discrete[start:])
	return out, nil
}

// HoldingRegisters returns a copy of qty holding register values starting at
// start.
func (b *DataBank) HoldingRegisters(start common.Address, qty common.Quantity) ([]uint16, error) {
	if err := checkRange(start, int(qty), len(b.holding)); err != nil {
		return nil, err
	}
	b.holdingMu.RLock()
	defer b.holdingMu.RUnlock()
	out := make([]uint16, qty)
	copy(out, b.holding[start:])
	return out, nil
}

// InputRegisters returns a copy of qty input register values starting at
// start.
func (b *DataBank) InputRegisters(start common.Address, qty common.Quantity) ([]uint16, error) {
	if err := checkRange(start, int(qty), len(b.input)); err != nil {
		return nil, err
	}
	b.inputMu.RLock()
	defer b.inputMu.RUnlock()
	out := make([]uint16, qty)
	copy(out, b.input[start:])
	return out, nil
}

// SetCoils writes values into the coil table starting at start and notifies
// subscribers with the exact sub-range that differed from the previous
// content, if any.
func (b *DataBank) SetCoils(start common.Address, values []bool, origin Origin) error {
	if err := checkRange(start, len(values), len(b.coils)); err != nil {
		return err
	}
	b.coilsMu.Lock()
	first, last := -1, -1
	for i, v := range values {
		if b.coils[int(start)+i] != v {
			if first < 0 {
				first = i
			}
			last = i
			b.coils[int(start)+i] = v
		}
	}
	b.coilsMu.Unlock()

	if first >= 0 {
		changed := make([]bool, last-first+1)
		copy(changed, values[first:last+1])
		b.notify(Change{
			Kind:    ChangeCoils,
			Address: start + common.Address(first),
			Coils:   changed,
			Origin:  origin,
		})
	}
	return nil
}

// SetDiscreteInputs writes values into the discrete input table starting at
// start. Discrete inputs are read-only on the wire, so no notification fires.
func (b *DataBank) SetDiscreteInputs(start common.Address, values []bool) error {
	if err := checkRange(start, len(values), len(b.discrete)); err != nil {
		return err
	}
	b.discreteMu.Lock()
	defer b.discreteMu.Unlock()
	copy(b.discrete[start:], values)
	return nil
}

// SetHoldingRegisters writes values into the holding register table starting
// at start and notifies subscribers with the exact sub-range that differed
// from the previous content, if any.
func (b *DataBank) SetHoldingRegisters(start common.Address, values []uint16, origin Origin) error {
	if err := checkRange(start, len(values), len(b.holding)); err != nil {
		return err
	}
	b.holdingMu.Lock()
	first, last := -1, -1
	for i, v := range values {
		if b.holding[int(start)+i] != v {
			if first < 0 {
				first = i
			}
			last = i
			b.holding[int(start)+i] = v
		}
	}
	b.holdingMu.Unlock()

	if first >= 0 {
		changed := make([]uint16, last-first+1)
		copy(changed, values[first:last+1])
		b.notify(Change{
			Kind:      ChangeHoldingRegisters,
			Address:   start + common.Address(first),
			Registers: changed,
			Origin:    origin,
		})
	}
	return nil
}

// SetInputRegisters writes values into the input register table starting at
// start. Input registers are read-only on the wire, so no notification fires.
func (b *DataBank) SetInputRegisters(start common.Address, values []uint16) error {
	if err := checkRange(start, len(values), len(b.input)); err != nil {
		return err
	}
	b.inputMu.Lock()
	defer b.inputMu.Unlock()
	copy(b.input[start:], values)
	return nil
}
