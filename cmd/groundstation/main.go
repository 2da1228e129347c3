// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"log"
	"os"

	"github.com/stratotrack/tracker/internal/config"
	"github.com/stratotrack/tracker/internal/ground"
)

func main() {
	log.Println("starting stratotrack ground station (MQTT subscriber)")

	configPath := "tracker_config.txt"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	if err := config.InitGlobal(configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()

	if err := ground.RunStation(ground.StationOptions{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.MQTTClientStation,
		Topic:    cfg.TopicCycle,
		Port:     cfg.StationPort,
	}); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
