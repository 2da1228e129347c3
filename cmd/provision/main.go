// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// provision joins every configured LoRaWAN region while the payload is
// still on the bench, leaving the sessions frozen in the region store
// for the flight binary to resume. Run with --wipe to discard previous
// sessions first.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"periph.io/x/host/v3"

	"github.com/stratotrack/tracker/internal/config"
	"github.com/stratotrack/tracker/internal/lorawan"
	"github.com/stratotrack/tracker/internal/pagestore"
	"github.com/stratotrack/tracker/internal/region"
)

func main() {
	log.Println("stratotrack region provisioning")

	configPath := "tracker_config.txt"
	wipe := false
	for _, arg := range os.Args[1:] {
		if arg == "--wipe" {
			wipe = true
			continue
		}
		configPath = arg
	}
	if err := config.InitGlobal(configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()

	if _, err := host.Init(); err != nil {
		log.Fatalf("periph host init: %v", err)
	}

	store, err := region.OpenStore(pagestore.Open(cfg.RegionStorePath))
	if err != nil {
		log.Fatalf("region store: %v", err)
	}
	if wipe {
		if err := store.Erase(); err != nil {
			log.Fatalf("wipe region store: %v", err)
		}
		log.Println("region store wiped")
	}

	radio, err := lorawan.OpenSerialRadio(cfg.RadioSerialPort, uint(cfg.RadioBaudRate))
	if err != nil {
		log.Fatalf("radio: %v", err)
	}
	defer radio.Close()
	mac, err := lorawan.NewStack(radio, pagestore.Open(cfg.MACNVMPath))
	if err != nil {
		log.Fatalf("mac: %v", err)
	}

	identities := make(map[region.Region]lorawan.Identity, len(cfg.Identities))
	regions := make([]region.Region, 0, len(cfg.Regions))
	for _, name := range cfg.Regions {
		r, err := region.Parse(name)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		regions = append(regions, r)
		id := cfg.Identities[name]
		identities[r] = lorawan.Identity{DevEUI: id.DevEUI, JoinEUI: id.JoinEUI, AppKey: id.AppKey}
	}

	mgr := lorawan.NewManager(lorawan.ManagerOptions{
		MAC:             mac,
		Store:           store,
		Identities:      identities,
		DefaultDataRate: uint8(cfg.DefaultDataRate),
		AppPort:         uint8(cfg.AppPort),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	spacing := time.Duration(cfg.JoinSpacing) * time.Second
	if err := mgr.ProvisionAll(ctx, regions, spacing); err != nil {
		log.Fatalf("provisioning: %v", err)
	}

	for _, r := range regions {
		slot, ok := store.Find(r)
		if !ok {
			log.Printf("%-6s  not provisioned", r)
			continue
		}
		c := store.Contexts[slot]
		log.Printf("%-6s  slot %d  devaddr %08x  fcnt up %d", r, slot, c.DevAddr, c.FCntUp)
	}
	log.Println("provisioning complete")
}
