// Command test-inverter runs a simulated data logger with a Deye
// microinverter behind it, for manual testing of the poller.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-solarman/internal/simulator"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:8899", "Address to listen on")
	serial := flag.Uint("serial", 2712345678, "Logger serial number to answer to")
	shape := flag.String("shape", "mirror", "Response ADU shape: mirror, rtu or tcp")
	trailingZeros := flag.Bool("trailing-zeros", false, "Append two zero bytes to every ADU")
	peak := flag.Float64("peak", 600, "Peak output power in W")
	interval := flag.Duration("interval", 10*time.Second, "Update interval of the simulated readings")
	idle := flag.Duration("idle-timeout", 0, "Close client connections idle for this long (0 keeps them)")
	verbose := flag.Bool("verbose", false, "Log every frame")
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	if *serial > math.MaxUint32 {
		fmt.Fprintf(os.Stderr, "serial %d does not fit in 32 bits\n", *serial)
		os.Exit(2)
	}

	sim := simulator.New(uint32(*serial))
	switch strings.ToLower(*shape) {
	case "mirror":
		sim.SetShape(simulator.ShapeMirror)
	case "rtu":
		sim.SetShape(simulator.ShapeRTU)
	case "tcp":
		sim.SetShape(simulator.ShapeTCP)
	default:
		fmt.Fprintf(os.Stderr, "unknown shape %q\n", *shape)
		os.Exit(2)
	}
	sim.SetTrailingZeros(*trailingZeros)
	sim.SetIdleTimeout(*idle)

	seedRegisters(sim)
	update(sim, *peak, time.Now())

	if err := sim.Start(*listen); err != nil {
		log.Fatal().Err(err).Msg("Failed to start simulator")
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case now := <-ticker.C:
			update(sim, *peak, now)
		case sig := <-signalChan:
			for _, st := range sim.Sessions() {
				log.Info().
					Str("client", st.RemoteAddr).
					Int64("frames_received", st.FramesReceived).
					Int64("frames_sent", st.FramesSent).
					Int64("errors", st.ErrorCount).
					Dur("duration", st.Duration).
					Msg("Open session")
			}
			log.Info().Str("signal", sig.String()).Int("requests", sim.Requests()).Msg("Stopping simulator")
			if err := sim.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close simulator")
			}
			return
		}
	}
}

// seedRegisters fills the static registers of the microinverter catalog.
func seedRegisters(sim *simulator.Simulator) {
	for addr := uint16(0); addr < 120; addr++ {
		sim.SetHolding(addr, 0)
	}
	sim.SetASCII(3, "2312345678")
	sim.SetHolding(13, 0x1012)
	sim.SetHolding(16, 0x1005)
	sim.SetHolding(17, 0x0211)
	sim.SetHolding(59, 2)
	sim.SetHolding(63, 12345, 0)
}

// update moves the readings along a half-sine production curve between
// 06:00 and 19:00 local time.
func update(sim *simulator.Simulator, peak float64, now time.Time) {
	hour := float64(now.Hour()) + float64(now.Minute())/60
	power := 0.0
	if hour > 6 && hour < 19 {
		power = peak * math.Sin(math.Pi*(hour-6)/13)
	}

	status := uint16(2)
	if power == 0 {
		status = 0
	}

	raw := uint32(power * 10)
	sim.SetHolding(59, status)
	sim.SetHolding(73, 2304)
	sim.SetHolding(76, uint16(power/230.4*10))
	sim.SetHolding(79, 5001)
	sim.SetHolding(86, uint16(raw), uint16(raw>>16))
	sim.SetHolding(90, uint16(1000+250+power/20*10))
	sim.SetHolding(109, 3120)
	sim.SetHolding(110, uint16(power/2/31.2*10))
	sim.SetHolding(111, 3090)
	sim.SetHolding(112, uint16(power/2/30.9*10))

	log.Debug().Float64("power", power).Msg("Readings updated")
}
