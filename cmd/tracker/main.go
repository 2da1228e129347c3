// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/stratotrack/tracker/internal/config"
	"github.com/stratotrack/tracker/internal/flashlog"
	"github.com/stratotrack/tracker/internal/gnss"
	"github.com/stratotrack/tracker/internal/lorawan"
	"github.com/stratotrack/tracker/internal/norflash"
	"github.com/stratotrack/tracker/internal/pagestore"
	"github.com/stratotrack/tracker/internal/power"
	"github.com/stratotrack/tracker/internal/region"
	"github.com/stratotrack/tracker/internal/sensors"
	"github.com/stratotrack/tracker/internal/tracker"
)

func main() {
	log.Println("starting stratotrack flight tracker")

	configPath := "tracker_config.txt"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	if err := config.InitGlobal(configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()

	if _, err := host.Init(); err != nil {
		log.Fatalf("periph host init: %v", err)
	}

	// External flash and the telemetry journal on it.
	flash, err := norflash.NewW25Q(cfg.FlashSPIDevice)
	if err != nil {
		log.Fatalf("flash: %v", err)
	}
	journal, err := flashlog.Open(flash)
	if err != nil {
		log.Fatalf("journal: %v", err)
	}
	log.Printf("journal: %d records recovered", journal.Available())

	// Durable region session table.
	store, err := region.OpenStore(pagestore.Open(cfg.RegionStorePath))
	if err != nil {
		log.Fatalf("region store: %v", err)
	}

	// Radio co-processor, MAC and the session manager.
	radio, err := lorawan.OpenSerialRadio(cfg.RadioSerialPort, uint(cfg.RadioBaudRate))
	if err != nil {
		log.Fatalf("radio: %v", err)
	}
	mac, err := lorawan.NewStack(radio, pagestore.Open(cfg.MACNVMPath))
	if err != nil {
		log.Fatalf("mac: %v", err)
	}
	identities := make(map[region.Region]lorawan.Identity, len(cfg.Identities))
	for name, id := range cfg.Identities {
		r, err := region.Parse(name)
		if err != nil {
			log.Fatalf("identity: %v", err)
		}
		identities[r] = lorawan.Identity{DevEUI: id.DevEUI, JoinEUI: id.JoinEUI, AppKey: id.AppKey}
	}
	mgr := lorawan.NewManager(lorawan.ManagerOptions{
		MAC:             mac,
		Store:           store,
		Identities:      identities,
		DefaultDataRate: uint8(cfg.DefaultDataRate),
		AppPort:         uint8(cfg.AppPort),
	})

	// GNSS module.
	gps, err := gnss.New(gnss.Options{
		SerialPort:            cfg.GNSSSerialPort,
		BaudRate:              cfg.GNSSBaudRate,
		EnablePin:             cfg.GNSSEnablePin,
		BackupPin:             cfg.GNSSBackupPin,
		HotStart:              cfg.GNSSHotStart,
		AcceptMissingChecksum: cfg.GNSSAcceptNoChecksum,
	})
	if err != nil {
		log.Fatalf("gnss: %v", err)
	}

	// Sensor suite.
	suite, err := sensors.NewSuite(sensors.Options{
		I2CBus:     cfg.I2CBus,
		BaroAddr:   cfg.BaroI2CAddr,
		BaroOSR:    cfg.BaroOSR,
		HygroAddr:  cfg.HygroI2CAddr,
		ADCAddr:    cfg.ADCI2CAddr,
		BatteryNum: cfg.BatteryDividerNum,
		BatteryDen: cfg.BatteryDividerDen,
	})
	if err != nil {
		log.Fatalf("sensors: %v", err)
	}

	// Power gate. The GNSS backup pin stays off the disposition table
	// so hot start survives sleep; chip selects park high.
	var dispositions []power.PinDisposition
	if cfg.FlashCSPin != "" {
		dispositions = append(dispositions, power.PinDisposition{Name: cfg.FlashCSPin, Mode: power.OutputHigh})
	}
	if cfg.LEDPin != "" {
		dispositions = append(dispositions, power.PinDisposition{Name: cfg.LEDPin, Mode: power.OutputLow})
	}
	gate := power.NewGate(dispositions)
	gate.Register(power.Peripheral{
		Name:    "flash",
		Prepare: flash.PowerDown,
		Resume:  flash.ReleasePowerDown,
	})
	gate.Register(power.Peripheral{
		Name:    "sensors",
		Prepare: func() error { suite.Halt(); return nil },
	})
	gate.Register(power.Peripheral{
		Name:    "radio",
		Prepare: radio.Sleep,
	})
	gate.SetRadioClockHook(radio.Wake)

	var led gpio.PinIO
	if cfg.LEDPin != "" {
		led = gpioreg.ByName(cfg.LEDPin)
	}

	t := tracker.New(tracker.Options{
		Config:  cfg,
		GNSS:    gps,
		Sensors: suite,
		Journal: journal,
		Link:    mgr,
		Gate:    gate,
		LED:     led,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = t.Run(ctx)
	if err != nil && ctx.Err() == nil {
		log.Fatalf("fatal: %v", err)
	}
	if err := journal.SyncHeader(); err != nil {
		log.Printf("journal sync: %v", err)
	}
	log.Println("tracker stopped")
}
