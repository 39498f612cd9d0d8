// Command modbus is a command-line Modbus TCP client covering every
// operation the stack supports.
//
// Examples:
//
//	modbus -s 192.168.1.10 -o read_holding_registers --start 0 --count 4
//	modbus -s plc.local -o write_single_coil --start 10 --values 1
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/sourceperl/gomodbustcp/client"
	"github.com/sourceperl/gomodbustcp/common"
	"github.com/sourceperl/gomodbustcp/logging"
)

func main() {
	var (
		server    string
		port      int
		unitID    uint8
		operation string
		start     uint16
		count     uint16
		values    []string
		timeout   time.Duration
		logLevel  string
	)

	pflag.StringVarP(&server, "server", "s", "", "IP address or hostname of the Modbus TCP server")
	pflag.IntVarP(&port, "port", "p", common.DefaultTCPPort, "TCP port of the server")
	pflag.Uint8VarP(&unitID, "unitid", "u", 1, "unit ID of the target device")
	pflag.StringVarP(&operation, "operation", "o", "read_holding_registers",
		"operation to perform:\nread_coils/read_discrete_inputs/read_holding_registers/read_input_registers\nwrite_single_coil/write_single_register/write_multiple_coils/write_multiple_registers\nread_device_identification")
	pflag.Uint16Var(&start, "start", 0, "starting address")
	pflag.Uint16Var(&count, "count", 1, "number of coils or registers to read")
	pflag.StringSliceVar(&values, "values", nil, "comma-separated values for write operations")
	pflag.DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	pflag.StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	pflag.Parse()

	if server == "" {
		fmt.Fprintln(os.Stderr, "missing --server")
		pflag.Usage()
		os.Exit(2)
	}

	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	c, err := client.NewClient(server,
		client.WithPort(port),
		client.WithUnitID(common.UnitID(unitID)),
		client.WithTimeout(timeout),
		client.WithLogger(logging.New(level)),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()
	defer c.Close(context.Background())

	if err := run(ctx, c, operation, start, count, values); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v (last error: %s)\n", operation, err, c.LastError())
		if c.LastError() == client.ErrException {
			fmt.Fprintf(os.Stderr, "last exception: %s\n", c.LastException())
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client.Client, operation string, start, count uint16, values []string) error {
	addr := common.Address(start)
	qty := common.Quantity(count)

	switch operation {
	case "read_coils":
		bits, err := c.ReadCoils(ctx, addr, qty)
		if err != nil {
			return err
		}
		printBits(start, bits)
	case "read_discrete_inputs":
		bits, err := c.ReadDiscreteInputs(ctx, addr, qty)
		if err != nil {
			return err
		}
		printBits(start, bits)
	case "read_holding_registers":
		regs, err := c.ReadHoldingRegisters(ctx, addr, qty)
		if err != nil {
			return err
		}
		printRegisters(start, regs)
	case "read_input_registers":
		regs, err := c.ReadInputRegisters(ctx, addr, qty)
		if err != nil {
			return err
		}
		printRegisters(start, regs)
	case "write_single_coil":
		bits, err := parseBits(values, 1)
		if err != nil {
			return err
		}
		return c.WriteSingleCoil(ctx, addr, bits[0])
	case "write_single_register":
		regs, err := parseRegisters(values, 1)
		if err != nil {
			return err
		}
		return c.WriteSingleRegister(ctx, addr, regs[0])
	case "write_multiple_coils":
		bits, err := parseBits(values, 0)
		if err != nil {
			return err
		}
		return c.WriteMultipleCoils(ctx, addr, bits)
	case "write_multiple_registers":
		regs, err := parseRegisters(values, 0)
		if err != nil {
			return err
		}
		return c.WriteMultipleRegisters(ctx, addr, regs)
	case "read_device_identification":
		ident, err := c.ReadDeviceIdentification(ctx, common.ReadDeviceIDBasicStream, 0)
		if err != nil {
			return err
		}
		for _, obj := range ident.Objects {
			fmt.Printf("%s: %s\n", obj.ID, obj.Value)
		}
	default:
		return fmt.Errorf("unknown operation %q", operation)
	}
	return nil
}

func parseBits(values []string, want int) ([]bool, error) {
	if want > 0 && len(values) != want || len(values) == 0 {
		return nil, fmt.Errorf("need %d value(s) via --values", max(want, 1))
	}
	out := make([]bool, len(values))
	for i, s := range values {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("bad coil value %q", s)
		}
		out[i] = b
	}
	return out, nil
}

func parseRegisters(values []string, want int) ([]uint16, error) {
	if want > 0 && len(values) != want || len(values) == 0 {
		return nil, fmt.Errorf("need %d value(s) via --values", max(want, 1))
	}
	out := make([]uint16, len(values))
	for i, s := range values {
		v, err := strconv.ParseUint(s, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("bad register value %q", s)
		}
		out[i] = uint16(v)
	}
	return out, nil
}

func printBits(start uint16, bits []bool) {
	for i, b := range bits {
		v := 0
		if b {
			v = 1
		}
		fmt.Printf("%d: %d\n", start+uint16(i), v)
	}
}

func printRegisters(start uint16, regs []uint16) {
	for i, r := range regs {
		fmt.Printf("%d: %d (0x%04X)\n", start+uint16(i), r, r)
	}
}
