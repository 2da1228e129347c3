// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// logdump walks the flight journal and prints it newest-first, either
// straight off the SPI flash or from a raw chip image dumped earlier.
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"periph.io/x/host/v3"

	"github.com/stratotrack/tracker/internal/config"
	"github.com/stratotrack/tracker/internal/flashlog"
	"github.com/stratotrack/tracker/internal/ground"
	"github.com/stratotrack/tracker/internal/norflash"
)

func main() {
	configPath := flag.String("config", "tracker_config.txt", "config file (ignored with -image)")
	imagePath := flag.String("image", "", "raw flash image instead of the SPI device")
	asJSON := flag.Bool("json", false, "print JSON lines instead of CSV")
	limit := flag.Uint("n", 0, "print at most n records, 0 = all")
	flag.Parse()

	var dev norflash.Device
	if *imagePath != "" {
		raw, err := os.ReadFile(*imagePath)
		if err != nil {
			log.Fatalf("read image: %v", err)
		}
		mem, err := norflash.NewMemDeviceFrom(raw)
		if err != nil {
			log.Fatalf("image: %v", err)
		}
		dev = mem
	} else {
		if err := config.InitGlobal(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		if _, err := host.Init(); err != nil {
			log.Fatalf("periph host init: %v", err)
		}
		flash, err := norflash.NewW25Q(config.Get().FlashSPIDevice)
		if err != nil {
			log.Fatalf("flash: %v", err)
		}
		defer flash.Close()
		dev = flash
	}

	journal, err := flashlog.Open(dev)
	if err != nil {
		log.Fatalf("journal: %v", err)
	}

	total := journal.Available()
	if *limit != 0 && uint32(*limit) < total {
		total = uint32(*limit)
	}
	log.Printf("journal: %d records, dumping %d (wrapped: %v)",
		journal.Available(), total, journal.HasWrapped())

	var w *csv.Writer
	if !*asJSON {
		w = csv.NewWriter(os.Stdout)
		w.Write([]string{
			"sequence", "timestamp", "latitude", "longitude",
			"alt_gps_m", "alt_baro_m", "temp_c", "humidity_pct",
			"pressure_mbar", "satellites", "fix_quality", "hdop",
			"gnss_valid", "battery_v", "flags",
		})
		defer w.Flush()
	}
	enc := json.NewEncoder(os.Stdout)

	for offset := uint32(0); offset < total; offset++ {
		rec, err := journal.Read(offset)
		if err != nil {
			log.Printf("record at offset %d: %v", offset, err)
			continue
		}
		v := ground.NewRecordView(rec)
		if *asJSON {
			if err := enc.Encode(v); err != nil {
				log.Fatalf("encode: %v", err)
			}
			continue
		}
		w.Write([]string{
			fmt.Sprint(v.Sequence),
			fmt.Sprint(v.Timestamp),
			fmt.Sprintf("%.6f", v.Latitude),
			fmt.Sprintf("%.6f", v.Longitude),
			fmt.Sprint(v.AltGPSM),
			fmt.Sprintf("%.1f", v.AltBaroM),
			fmt.Sprintf("%.2f", v.TempC),
			fmt.Sprintf("%.1f", v.HumidityPct),
			fmt.Sprintf("%.2f", v.PressureMbar),
			fmt.Sprint(v.Satellites),
			fmt.Sprint(v.FixQuality),
			fmt.Sprintf("%.1f", v.HDOP),
			fmt.Sprint(v.GNSSValid),
			fmt.Sprintf("%.3f", v.BatteryV),
			fmt.Sprint(v.Flags),
		})
	}
}
