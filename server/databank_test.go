package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceperl/gomodbustcp/common"
)

func TestDataBankReadBack(t *testing.T) {
	bank := NewDataBank()

	require.NoError(t, bank.SetCoils(100, []bool{true, false, true}, Internal))
	values, err := bank.Coils(100, 3)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, values)

	require.NoError(t, bank.SetHoldingRegisters(10, []uint16{44, 55}, Internal))
	regs, err := bank.HoldingRegisters(10, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{44, 55}, regs)

	require.NoError(t, bank.SetDiscreteInputs(5, []bool{true}))
	bits, err := bank.DiscreteInputs(5, 1)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, bits)

	require.NoError(t, bank.SetInputRegisters(0, []uint16{42}))
	regs, err = bank.InputRegisters(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{42}, regs)
}

func TestDataBankUnsetDefaults(t *testing.T) {
	bank := NewDataBank()

	values, err := bank.Coils(200, 2)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false}, values)

	regs, err := bank.HoldingRegisters(200, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 0}, regs)
}

func TestDataBankBounds(t *testing.T) {
	bank := NewDataBank(WithCoilsSize(100), WithHoldingRegistersSize(100))

	// Straddling the end of the table.
	_, err := bank.Coils(95, 10)
	assert.ErrorIs(t, err, common.ErrBadAddress)

	err = bank.SetCoils(95, make([]bool, 10), Internal)
	assert.ErrorIs(t, err, common.ErrBadAddress)

	_, err = bank.HoldingRegisters(100, 1)
	assert.ErrorIs(t, err, common.ErrBadAddress)

	// The last valid cell is still reachable.
	_, err = bank.Coils(99, 1)
	assert.NoError(t, err)
}

func TestDataBankChangeNotification(t *testing.T) {
	bank := NewDataBank()

	var changes []Change
	token := bank.Subscribe(func(change Change) {
		changes = append(changes, change)
	})

	// First write: everything changes.
	require.NoError(t, bank.SetHoldingRegisters(0, []uint16{1, 2, 3}, Internal))
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeHoldingRegisters, changes[0].Kind)
	assert.Equal(t, common.Address(0), changes[0].Address)
	assert.Equal(t, []uint16{1, 2, 3}, changes[0].Registers)
	assert.True(t, changes[0].Origin.IsInternal())

	// Rewrite with one differing value: only the changed range is reported.
	require.NoError(t, bank.SetHoldingRegisters(0, []uint16{1, 9, 3}, Internal))
	require.Len(t, changes, 2)
	assert.Equal(t, common.Address(1), changes[1].Address)
	assert.Equal(t, []uint16{9}, changes[1].Registers)

	// Identical rewrite: no event.
	require.NoError(t, bank.SetHoldingRegisters(0, []uint16{1, 9, 3}, Internal))
	assert.Len(t, changes, 2)

	// Origin is carried through.
	origin := Origin{RemoteAddr: "10.0.0.1:1234"}
	require.NoError(t, bank.SetCoils(5, []bool{true}, origin))
	require.Len(t, changes, 3)
	assert.Equal(t, ChangeCoils, changes[2].Kind)
	assert.Equal(t, []bool{true}, changes[2].Coils)
	assert.Equal(t, "10.0.0.1:1234", changes[2].Origin.String())

	// Read-only tables never notify.
	require.NoError(t, bank.SetDiscreteInputs(0, []bool{true}))
	require.NoError(t, bank.SetInputRegisters(0, []uint16{7}))
	assert.Len(t, changes, 3)

	assert.True(t, bank.Unsubscribe(token))
	assert.False(t, bank.Unsubscribe(token))

	require.NoError(t, bank.SetCoils(6, []bool{true}, Internal))
	assert.Len(t, changes, 3)
}

func TestDataBankConcurrentAccess(t *testing.T) {
	bank := NewDataBank()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			start := common.Address(g * 100)
			for i := 0; i < 100; i++ {
				bank.SetHoldingRegisters(start, []uint16{uint16(i)}, Internal)
				bank.HoldingRegisters(start, 1)
				bank.SetCoils(start, []bool{i%2 == 0}, Internal)
				bank.Coils(start, 1)
			}
		}(g)
	}
	wg.Wait()

	// Each goroutine's last write is visible.
	for g := 0; g < 8; g++ {
		regs, err := bank.HoldingRegisters(common.Address(g*100), 1)
		require.NoError(t, err)
		assert.Equal(t, uint16(99), regs[0])
	}
}
