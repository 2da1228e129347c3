// groundlink bridges a recovered journal to the MQTT broker: it walks
// the records (flash or image) and publishes each one on the cycle
// topic for the station to plot.
package main

import (
	"flag"
	"log"
	"os"

	"periph.io/x/host/v3"

	"github.com/stratotrack/tracker/internal/config"
	"github.com/stratotrack/tracker/internal/flashlog"
	"github.com/stratotrack/tracker/internal/ground"
	"github.com/stratotrack/tracker/internal/norflash"
)

func main() {
	log.Println("stratotrack ground link")

	configPath := flag.String("config", "tracker_config.txt", "config file")
	imagePath := flag.String("image", "", "raw flash image instead of the SPI device")
	limit := flag.Uint("n", 0, "publish at most n records, newest first, 0 = all")
	flag.Parse()

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()

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
		if _, err := host.Init(); err != nil {
			log.Fatalf("periph host init: %v", err)
		}
		flash, err := norflash.NewW25Q(cfg.FlashSPIDevice)
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

	pub, err := ground.NewPublisher(cfg.MQTTBroker, cfg.MQTTClientGroundlnk, cfg.TopicCycle)
	if err != nil {
		log.Fatalf("publisher: %v", err)
	}
	defer pub.Close()
	log.Printf("connected to %s, publishing on %s", cfg.MQTTBroker, cfg.TopicCycle)

	total := journal.Available()
	if *limit != 0 && uint32(*limit) < total {
		total = uint32(*limit)
	}

	// Oldest first so the station replays the flight in order.
	published := 0
	for offset := total; offset > 0; offset-- {
		rec, err := journal.Read(offset - 1)
		if err != nil {
			log.Printf("record at offset %d: %v", offset-1, err)
			continue
		}
		if err := pub.Publish(ground.NewRecordView(rec)); err != nil {
			log.Fatalf("publish: %v", err)
		}
		published++
	}
	log.Printf("published %d of %d records", published, total)
}
