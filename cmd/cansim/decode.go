package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.einride.tech/can"

	"can-telemetry-core/codec"
	candef "can-telemetry-core/signal"
	"can-telemetry-core/sim"
	"can-telemetry-core/transport"
)

var (
	decodeIface string
	decodeRedis bool
)

var decodeCmd = &cobra.Command{
	Use:   "decode [ID#DATA ...]",
	Short: "Decode CAN frames into engineering values",
	Long: `Decode frames given in cansend notation, for example

  cansim decode 200#3E80C80000000000

or, with no arguments, listen on a SocketCAN interface (--iface) or on the
Redis frame channel (--redis) and decode every frame as it arrives.`,
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().StringVar(&decodeIface, "iface", "", "Listen on this SocketCAN interface")
	decodeCmd.Flags().BoolVar(&decodeRedis, "redis", false, "Listen on the Redis frame channel")
	rootCmd.AddCommand(decodeCmd)
}

func runDecode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("redis") {
		cfg.Redis.Enabled = decodeRedis
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	reg, err := loadRegistry(cfg, log)
	if err != nil {
		return err
	}
	defs := reg.Active()

	if len(args) > 0 {
		for _, arg := range args {
			frame, err := parseFrame(arg)
			if err != nil {
				return err
			}
			printDecoded(cmd.OutOrStdout(), frame, defs)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := sim.New(defs, sim.WithLogger(log.WithField("component", "decode")))
	if err != nil {
		return err
	}
	engine.SetSourceAll(sim.SourceDecoded)

	handle := func(frame can.Frame) {
		if n, _ := engine.ApplyFrame(ctx, frame); n > 0 {
			printReadings(cmd.OutOrStdout(), frame, defs, engine.Snapshot())
		}
	}

	switch {
	case decodeIface != "":
		r, err := transport.NewSocketCANReader(ctx, decodeIface)
		if err != nil {
			return err
		}
		defer r.Close()
		log.Infof("decoding frames from %s", decodeIface)
		err = r.Run(ctx, handle)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err

	case cfg.Redis.Enabled:
		pub, closeRedis, err := connectRedis(ctx, cfg.Redis, log)
		if err != nil {
			return err
		}
		defer closeRedis()
		err = pub.Subscribe(ctx, handle)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return errors.New("nothing to decode: pass frames, --iface or --redis")
}

// parseFrame accepts cansend notation: 3 hex digits for a standard id or 8
// for an extended one, '#', then up to 8 data bytes in hex.
func parseFrame(s string) (can.Frame, error) {
	idText, dataText, ok := strings.Cut(strings.TrimSpace(s), "#")
	if !ok {
		return can.Frame{}, fmt.Errorf("frame %q: expected ID#DATA", s)
	}
	id, err := strconv.ParseUint(idText, 16, 29)
	if err != nil {
		return can.Frame{}, fmt.Errorf("frame %q: bad id: %w", s, err)
	}
	data, err := hex.DecodeString(strings.ReplaceAll(dataText, ".", ""))
	if err != nil {
		return can.Frame{}, fmt.Errorf("frame %q: bad data: %w", s, err)
	}
	if len(data) > codec.FrameLength {
		return can.Frame{}, fmt.Errorf("frame %q: %d data bytes", s, len(data))
	}

	frame := can.Frame{
		ID:         uint32(id),
		Length:     uint8(len(data)),
		IsExtended: len(idText) > 3 || id > 0x7FF,
	}
	copy(frame.Data[:], data)
	return frame, nil
}

func printDecoded(out io.Writer, frame can.Frame, defs []candef.Definition) {
	values, errs := codec.DisassembleFrame(frame, defs)
	fmt.Fprintf(out, "%s [%d] %s\n", candef.FormatCANID(frame.ID), frame.Length, codec.FormatData(frame))
	for _, def := range defs {
		v, ok := values[def.Name]
		if !ok {
			continue
		}
		fmt.Fprintf(out, "  %-16s %12s %s\n", def.Name, def.FormatValue(v), def.Unit)
	}
	for _, se := range errs {
		fmt.Fprintf(out, "  %-16s error: %v\n", se.Signal, se.Err)
	}
	if len(values) == 0 && len(errs) == 0 {
		fmt.Fprintln(out, "  no signals defined for this id")
	}
}

func printReadings(out io.Writer, frame can.Frame, defs []candef.Definition, snap sim.Snapshot) {
	var names []string
	for _, def := range defs {
		if def.CANID == frame.ID {
			names = append(names, def.Name)
		}
	}
	sort.Strings(names)
	fmt.Fprintf(out, "%s %s\n", candef.FormatCANID(frame.ID), codec.FormatData(frame))
	for _, name := range names {
		r := snap[name]
		fmt.Fprintf(out, "  %-16s %12s %-6s %s\n", name, r.Text(), r.Unit, r.Trend)
	}
}
