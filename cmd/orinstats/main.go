package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"codeberg.org/mutker/orinwatch/internal/config"
	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/metrics"
	"codeberg.org/mutker/orinwatch/internal/sensor"
	"codeberg.org/mutker/orinwatch/internal/telemetry"
	"github.com/spf13/pflag"
)

const defaultHistoryLimit = 10

type options struct {
	backend   string
	sysfsRoot string
	powerChip string
	fromSHM   bool
	shmName   string
	shmDir    string
	history   string
	limit     int
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "orinstats: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options

	fs := pflag.NewFlagSet("orinstats", pflag.ContinueOnError)
	fs.StringVar(&o.backend, "sensor-backend", "sysfs", "Sensor backend: sysfs or nvml")
	fs.StringVar(&o.sysfsRoot, "sysfs-root", sensor.DefaultSysfsRoot, "Root of the sysfs tree")
	fs.StringVar(&o.powerChip, "power-chip", sensor.DefaultPowerChip, "hwmon name of the power monitor")
	fs.BoolVar(&o.fromSHM, "shm", false, "Print the current record from the shared memory channel")
	fs.StringVar(&o.shmName, "shm-name", config.DefaultSHMName, "Shared memory channel name")
	fs.StringVar(&o.shmDir, "shm-dir", "", "Shared memory mount, defaults to /dev/shm")
	fs.StringVar(&o.history, "history", "", "Print recent records from this history database")
	fs.IntVar(&o.limit, "limit", defaultHistoryLimit, "Number of history records to print")

	if err := fs.Parse(args); err != nil {
		return o, errors.New().Wrap(errors.ErrBindFlags, err)
	}

	return o, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}

	switch {
	case o.history != "":
		return printHistory(out, o.history, o.limit)
	case o.fromSHM:
		return printChannel(ctx, out, telemetry.Options{Name: o.shmName, Dir: o.shmDir})
	default:
		return printSensors(out, sensor.Config{
			Backend:   o.backend,
			SysfsRoot: o.sysfsRoot,
			PowerChip: o.powerChip,
		})
	}
}

func printSensors(out io.Writer, cfg sensor.Config) error {
	src, err := sensor.Open(cfg)
	if err != nil {
		return errors.New().Wrap(errors.ErrOpenSensor, err)
	}
	defer src.Close()

	for _, rail := range sensor.Rails {
		fmt.Fprintf(out, "%-16s %s\n", rail.String()+":", format(src.Power(rail), "mW"))
	}
	for _, zone := range sensor.Zones {
		fmt.Fprintf(out, "%-16s %s\n", zone+":", format(src.Temperature(zone), "°C"))
	}

	return nil
}

func printChannel(ctx context.Context, out io.Writer, opts telemetry.Options) error {
	sub, err := telemetry.NewSubscriber(ctx, opts)
	if err != nil {
		return err
	}
	defer sub.Close()

	rec, marker, err := sub.Peek()
	if err != nil {
		return err
	}

	if marker == 0 {
		fmt.Fprintln(out, "no record published yet")
		return nil
	}

	fmt.Fprintf(out, "%-16s %d\n", "marker:", marker)
	printRecord(out, rec)

	return nil
}

func printHistory(out io.Writer, path string, limit int) error {
	snapshots, err := metrics.ReadRecent(path, limit)
	if err != nil {
		return err
	}

	for _, s := range snapshots {
		fmt.Fprintf(out, "%s marker=%d power=%s cpu=%s gpu=%s soc=%s mode=%s\n",
			s.Timestamp.Format(time.RFC3339),
			s.Marker,
			format(s.Record.PowerMW, "mW"),
			format(s.Record.CPUTempC, "°C"),
			format(s.Record.GPUTempC, "°C"),
			format(s.Record.SoCTempC, "°C"),
			modeName(s.Record.Mode))
	}

	return nil
}

func printRecord(out io.Writer, rec telemetry.Record) {
	fmt.Fprintf(out, "%-16s %s\n", "power:", format(rec.PowerMW, "mW"))
	fmt.Fprintf(out, "%-16s %s\n", "cpu:", format(rec.CPUTempC, "°C"))
	fmt.Fprintf(out, "%-16s %s\n", "gpu:", format(rec.GPUTempC, "°C"))
	fmt.Fprintf(out, "%-16s %s\n", "soc:", format(rec.SoCTempC, "°C"))
	fmt.Fprintf(out, "%-16s %s\n", "mode:", modeName(rec.Mode))
}

func format(v float64, unit string) string {
	if math.IsNaN(v) {
		return "unavailable"
	}

	return fmt.Sprintf("%.2f %s", v, unit)
}

func modeName(mode int32) string {
	switch mode {
	case telemetry.ModeNormal:
		return "normal"
	case telemetry.ModeReduced:
		return "reduced"
	default:
		return fmt.Sprintf("unknown(%d)", mode)
	}
}
