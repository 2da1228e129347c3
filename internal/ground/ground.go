// Package ground holds the ground-side tooling shared by the link
// bridge and the station: the JSON view of a journal record, the MQTT
// publisher and the live web station.
package ground

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/stratotrack/tracker/internal/flashlog"
)

// RecordView is the JSON shape a journal record travels in between the
// ground tools. Scaled integers are unpacked back to engineering
// units.
type RecordView struct {
	Sequence  uint32  `json:"sequence"`
	Timestamp uint32  `json:"timestamp"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	AltGPSM   int     `json:"alt_gps_m"`
	AltBaroM  float64 `json:"alt_baro_m"`

	TempC        float64 `json:"temp_c"`
	HumidityPct  float64 `json:"humidity_pct"`
	PressureMbar float64 `json:"pressure_mbar"`

	Satellites uint8   `json:"satellites"`
	FixQuality uint8   `json:"fix_quality"`
	HDOP       float64 `json:"hdop"`
	GNSSValid  bool    `json:"gnss_valid"`

	BatteryV float64 `json:"battery_v"`
	Flags    uint8   `json:"flags"`

	ReceivedAt time.Time `json:"received_at"`
}

// NewRecordView converts a journal record.
func NewRecordView(r flashlog.Record) RecordView {
	lat, lon := r.Position()
	return RecordView{
		Sequence:     r.Sequence,
		Timestamp:    r.Timestamp,
		Latitude:     lat,
		Longitude:    lon,
		AltGPSM:      int(r.AltitudeGPS),
		AltBaroM:     float64(r.AltitudeBar) / 10.0,
		TempC:        float64(r.Temperature),
		HumidityPct:  float64(r.Humidity),
		PressureMbar: float64(r.Pressure),
		Satellites:   r.Satellites,
		FixQuality:   r.FixQuality,
		HDOP:         float64(r.HDOPx10) / 10.0,
		GNSSValid:    r.GNSSValid != 0,
		BatteryV:     float64(r.BatteryMV) / 1000.0,
		Flags:        r.Flags,
		ReceivedAt:   time.Now().UTC(),
	}
}

// Publisher ships record views to the MQTT broker.
type Publisher struct {
	client mqtt.Client
	topic  string
}

// NewPublisher connects to the broker.
func NewPublisher(broker, clientID, topic string) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	return &Publisher{client: client, topic: topic}, nil
}

// Publish sends one record view, retained so a station joining late
// still sees the last position.
func (p *Publisher) Publish(v RecordView) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record view: %w", err)
	}
	token := p.client.Publish(p.topic, 0, true, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("mqtt publish: %w", token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
