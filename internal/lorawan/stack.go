// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package lorawan

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/airtime"
	loraband "github.com/brocaar/lorawan/band"
	"github.com/lunixbochs/struc"
	"github.com/snksoft/crc"

	"github.com/stratotrack/tracker/internal/pagestore"
)

// rxGrace pads receive windows past the nominal join/RX delay so the
// radio has the window open when the downlink starts.
const rxGrace = 3 * time.Second

var bandNames = map[string]loraband.Name{
	"EU868": loraband.EU868,
	"US915": loraband.US915,
	"AS923": loraband.AS923,
	"AU915": loraband.AU915,
	"KR920": loraband.KR920,
	"IN865": loraband.IN865,
	"RU864": loraband.RU864,
	"CN470": loraband.CN470,
}

// dutyCycleLimited marks bands where the 1% duty cycle is enforced by
// the stack rather than the network.
var dutyCycleLimited = map[string]bool{
	"EU868": true,
	"RU864": true,
}

var packLE = &struc.Options{Order: binary.LittleEndian}

const (
	nvmMagic   = 0x4D41434E // "MACN"
	nvmVersion = 1
	nvmSize    = 14
)

// nvmPage is the MAC's own durable page. Only the DevNonce counter
// lives here; reusing a nonce gets the join rejected, so it is
// persisted before every join request goes on air.
type nvmPage struct {
	Magic    uint32
	Version  uint32
	DevNonce uint16
	CRC32    uint32
}

// Stack is the concrete class-A MAC. It is single-owner: the manager
// calls it from one goroutine.
type Stack struct {
	radio Radio
	nvm   *pagestore.Page

	region   string
	band     loraband.Band
	defaults loraband.Defaults

	id      Identity
	started bool
	busy    bool

	joined   bool
	session  Session
	devNonce uint16

	chIdx    int
	nextTxAt time.Time
}

// NewStack builds an inert MAC. Reinit binds it to a region before
// first use.
func NewStack(radio Radio, nvm *pagestore.Page) (*Stack, error) {
	s := &Stack{radio: radio, nvm: nvm}
	if err := s.loadNVM(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stack) loadNVM() error {
	raw, err := s.nvm.Load()
	if err != nil {
		return fmt.Errorf("mac nvm: %w", err)
	}
	var p nvmPage
	if err := struc.UnpackWithOptions(bytes.NewReader(raw[:nvmSize]), &p, packLE); err != nil {
		return nil
	}
	if p.Magic != nvmMagic || p.Version != nvmVersion {
		return nil
	}
	if uint32(crc.CalculateCRC(crc.CRC32, raw[:nvmSize-4])) != p.CRC32 {
		return nil
	}
	s.devNonce = p.DevNonce
	return nil
}

func (s *Stack) saveNVM() error {
	p := nvmPage{Magic: nvmMagic, Version: nvmVersion, DevNonce: s.devNonce}
	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, &p, packLE); err != nil {
		return fmt.Errorf("mac nvm pack: %w", err)
	}
	b := buf.Bytes()
	binary.LittleEndian.PutUint32(b[nvmSize-4:], uint32(crc.CalculateCRC(crc.CRC32, b[:nvmSize-4])))
	return s.nvm.Store(b)
}

// EraseNVM wipes the DevNonce history. Done once before the very first
// provisioning join of a flight.
func (s *Stack) EraseNVM() error {
	s.devNonce = 0
	return s.nvm.Erase()
}

// Reinit rebuilds the MAC on a region's parameters. Session state is
// dropped; identity and the DevNonce counter survive.
func (s *Stack) Reinit(region string) error {
	name, ok := bandNames[region]
	if !ok {
		return fmt.Errorf("no band parameters for region %q", region)
	}
	dwell := lorawan.DwellTimeNoLimit
	if region == "AS923" || region == "AU915" {
		dwell = lorawan.DwellTime400ms
	}
	b, err := loraband.GetConfig(name, true, dwell)
	if err != nil {
		return fmt.Errorf("band config %s: %w", region, err)
	}
	s.region = region
	s.band = b
	s.defaults = b.GetDefaults()
	s.joined = false
	s.session = Session{}
	s.chIdx = 0
	s.nextTxAt = time.Time{}
	return nil
}

func (s *Stack) SetIdentity(id Identity) { s.id = id }

func (s *Stack) Start() error {
	if s.started {
		return nil
	}
	if err := s.radio.Wake(); err != nil {
		return fmt.Errorf("radio wake: %w", err)
	}
	s.started = true
	return nil
}

func (s *Stack) Stop() {
	if !s.started {
		return
	}
	if err := s.radio.Sleep(); err != nil {
		log.Printf("lorawan: radio sleep: %v", err)
	}
	s.started = false
}

func (s *Stack) Busy() bool { return s.busy }

func (s *Stack) Joined() bool { return s.joined }

// Process advances pending MAC work. The synchronous radio leaves
// nothing deferred, but the manager pumps this at the protocol points
// that require it.
func (s *Stack) Process() {}

// Snapshot captures the live session for the region store.
func (s *Stack) Snapshot() (Session, bool) {
	if !s.joined {
		return Session{}, false
	}
	return s.session, true
}

// Restore activates the MAC as ABP from a frozen session.
func (s *Stack) Restore(sess Session) error {
	if s.band == nil {
		return errors.New("mac not initialized")
	}
	if sess.DevAddr == 0 || sess.DevAddr == 0xFFFFFFFF {
		return fmt.Errorf("restore: invalid DevAddr %08x", sess.DevAddr)
	}
	s.session = sess
	s.joined = true
	return nil
}

// uplinkChannel picks the next enabled uplink channel, round robin,
// and clamps the requested data rate into the channel's range.
func (s *Stack) uplinkChannel(dr uint8) (loraband.Channel, uint8, error) {
	idxs := s.band.GetEnabledUplinkChannelIndices()
	if len(idxs) == 0 {
		return loraband.Channel{}, 0, errors.New("no enabled uplink channels")
	}
	s.chIdx = (s.chIdx + 1) % len(idxs)
	ch, err := s.band.GetUplinkChannel(idxs[s.chIdx])
	if err != nil {
		return loraband.Channel{}, 0, err
	}
	if int(dr) < ch.MinDR {
		dr = uint8(ch.MinDR)
	}
	if int(dr) > ch.MaxDR {
		dr = uint8(ch.MaxDR)
	}
	return ch, dr, nil
}

// rx1Window derives the RX1 parameters from the uplink just sent.
func (s *Stack) rx1Window(upFreq uint32, upDR uint8, delay time.Duration) (RxWindow, error) {
	freq, err := s.band.GetRX1FrequencyForUplinkFrequency(upFreq)
	if err != nil {
		return RxWindow{}, err
	}
	dr, err := s.band.GetRX1DataRateIndex(int(upDR), 0)
	if err != nil {
		return RxWindow{}, err
	}
	return RxWindow{
		FrequencyHz: uint32(freq),
		DataRate:    uint8(dr),
		Timeout:     delay + rxGrace,
	}, nil
}

func (s *Stack) rx2Window(delay time.Duration) RxWindow {
	freq := uint32(s.defaults.RX2Frequency)
	dr := uint8(s.defaults.RX2DataRate)
	if s.session.RX2Freq != 0 {
		freq = s.session.RX2Freq
		dr = s.session.RX2DR
	}
	return RxWindow{FrequencyHz: freq, DataRate: dr, Timeout: delay + rxGrace}
}

// Join runs one OTAA join attempt. The DevNonce is persisted before
// the request leaves so a reboot never replays it.
func (s *Stack) Join(ctx context.Context) error {
	if s.band == nil {
		return errors.New("mac not initialized")
	}
	if err := s.Start(); err != nil {
		return err
	}
	s.busy = true
	defer func() { s.busy = false }()

	s.devNonce++
	if err := s.saveNVM(); err != nil {
		return err
	}
	devNonce := lorawan.DevNonce(s.devNonce)

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWANR1},
		MACPayload: &lorawan.JoinRequestPayload{
			JoinEUI:  lorawan.EUI64(s.id.JoinEUI),
			DevEUI:   lorawan.EUI64(s.id.DevEUI),
			DevNonce: devNonce,
		},
	}
	appKey := lorawan.AES128Key(s.id.AppKey)
	if err := phy.SetUplinkJoinMIC(appKey); err != nil {
		return fmt.Errorf("join mic: %w", err)
	}
	frame, err := phy.MarshalBinary()
	if err != nil {
		return fmt.Errorf("join marshal: %w", err)
	}

	ch, dr, err := s.uplinkChannel(uint8(s.defaults.RX2DataRate))
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.radio.Transmit(frame, TxParams{
		FrequencyHz: uint32(ch.Frequency),
		DataRate:    dr,
		TxPower:     s.session.TxPower,
	}); err != nil {
		return fmt.Errorf("join tx: %w", err)
	}

	raw, err := s.receiveDownlink(ch.Frequency, dr,
		s.defaults.JoinAcceptDelay1, s.defaults.JoinAcceptDelay2)
	if err != nil {
		return fmt.Errorf("join accept: %w", err)
	}
	return s.handleJoinAccept(raw, appKey, devNonce)
}

// receiveDownlink services RX1 then RX2 and returns the first frame.
func (s *Stack) receiveDownlink(upFreq uint32, upDR uint8, delay1, delay2 time.Duration) ([]byte, error) {
	if w, err := s.rx1Window(upFreq, upDR, delay1); err == nil {
		if raw, err := s.radio.Receive(w); err == nil {
			return raw, nil
		} else if !errors.Is(err, ErrRxTimeout) {
			return nil, err
		}
	} else {
		log.Printf("lorawan: rx1 parameters: %v", err)
	}
	return s.radio.Receive(s.rx2Window(delay2 - delay1))
}

func (s *Stack) handleJoinAccept(raw []byte, appKey lorawan.AES128Key, devNonce lorawan.DevNonce) error {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if phy.MHDR.MType != lorawan.JoinAccept {
		return fmt.Errorf("unexpected mtype %s", phy.MHDR.MType)
	}
	if err := phy.DecryptJoinAcceptPayload(appKey); err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	ok, err := phy.ValidateDownlinkJoinMIC(lorawan.JoinRequestType, lorawan.EUI64(s.id.JoinEUI), devNonce, appKey)
	if err != nil {
		return fmt.Errorf("mic: %w", err)
	}
	if !ok {
		return errors.New("bad mic")
	}
	ja, ok := phy.MACPayload.(*lorawan.JoinAcceptPayload)
	if !ok {
		return errors.New("payload is not a join accept")
	}

	// LoRaWAN 1.0: FNwkSIntKey doubles as the single NwkSKey.
	appSKey, err := lorawan.GetAppSKey(ja.DLSettings.OptNeg, appKey, ja.HomeNetID,
		lorawan.EUI64(s.id.JoinEUI), ja.JoinNonce, devNonce)
	if err != nil {
		return fmt.Errorf("appskey: %w", err)
	}
	nwkSKey, err := lorawan.GetFNwkSIntKey(ja.DLSettings.OptNeg, appKey, ja.HomeNetID,
		lorawan.EUI64(s.id.JoinEUI), ja.JoinNonce, devNonce)
	if err != nil {
		return fmt.Errorf("nwkskey: %w", err)
	}

	s.session = Session{
		DevAddr:  binary.BigEndian.Uint32(ja.DevAddr[:]),
		AppSKey:  appSKey,
		NwkSKey:  nwkSKey,
		RX2Freq:  uint32(s.defaults.RX2Frequency),
		RX2DR:    ja.DLSettings.RX2DataRate,
		DataRate: uint8(s.defaults.RX2DataRate),
	}
	s.joined = true
	log.Printf("lorawan: joined %s, devaddr %08x", s.region, s.session.DevAddr)
	return nil
}

// Send transmits one unconfirmed uplink and services both receive
// windows. FCntUp advances once the frame is on air, downlink or not.
func (s *Stack) Send(port uint8, payload []byte, dataRate uint8) SendStatus {
	if s.band == nil || !s.joined {
		return SendNotJoined
	}
	if s.busy {
		return SendBusy
	}
	if dutyCycleLimited[s.region] && time.Now().Before(s.nextTxAt) {
		return SendDutyCycle
	}
	if err := s.Start(); err != nil {
		log.Printf("lorawan: %v", err)
		return SendError
	}
	s.busy = true
	defer func() { s.busy = false }()

	var devAddr lorawan.DevAddr
	binary.BigEndian.PutUint32(devAddr[:], s.session.DevAddr)
	fPort := port
	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{MType: lorawan.UnconfirmedDataUp, Major: lorawan.LoRaWANR1},
		MACPayload: &lorawan.MACPayload{
			FHDR: lorawan.FHDR{
				DevAddr: devAddr,
				FCtrl:   lorawan.FCtrl{ADR: s.session.ADREnabled},
				FCnt:    s.session.FCntUp,
			},
			FPort:      &fPort,
			FRMPayload: []lorawan.Payload{&lorawan.DataPayload{Bytes: payload}},
		},
	}
	if err := phy.EncryptFRMPayload(lorawan.AES128Key(s.session.AppSKey)); err != nil {
		log.Printf("lorawan: encrypt: %v", err)
		return SendError
	}
	nwkSKey := lorawan.AES128Key(s.session.NwkSKey)
	if err := phy.SetUplinkDataMIC(lorawan.LoRaWAN1_0, 0, 0, 0, nwkSKey, nwkSKey); err != nil {
		log.Printf("lorawan: mic: %v", err)
		return SendError
	}
	frame, err := phy.MarshalBinary()
	if err != nil {
		log.Printf("lorawan: marshal: %v", err)
		return SendError
	}

	ch, dr, err := s.uplinkChannel(dataRate)
	if err != nil {
		log.Printf("lorawan: %v", err)
		return SendError
	}
	if err := s.radio.Transmit(frame, TxParams{
		FrequencyHz: uint32(ch.Frequency),
		DataRate:    dr,
		TxPower:     s.session.TxPower,
	}); err != nil {
		log.Printf("lorawan: tx: %v", err)
		return SendError
	}
	s.session.FCntUp++
	s.session.DataRate = dr
	s.armDutyCycle(len(frame), int(dr))

	raw, err := s.receiveDownlink(ch.Frequency, dr,
		s.defaults.ReceiveDelay1, s.defaults.ReceiveDelay2)
	if err != nil {
		if !errors.Is(err, ErrRxTimeout) {
			log.Printf("lorawan: rx: %v", err)
		}
		return SendSuccess
	}
	s.handleDownlink(raw)
	return SendSuccess
}

// armDutyCycle books the 1% off time after a transmission on a
// duty-cycle limited band.
func (s *Stack) armDutyCycle(frameLen, dr int) {
	if !dutyCycleLimited[s.region] {
		return
	}
	rate, err := s.band.GetDataRate(dr)
	if err != nil {
		return
	}
	ldro := rate.SpreadFactor >= 11 && rate.Bandwidth == 125
	at, err := airtime.CalculateLoRaAirtime(frameLen, rate.SpreadFactor, rate.Bandwidth, 8,
		airtime.CodingRate45, true, ldro)
	if err != nil {
		return
	}
	s.nextTxAt = time.Now().Add(at * 99)
}

// handleDownlink absorbs a class-A downlink: counter, MIC record,
// nothing more. Application downlinks are not part of this device's
// protocol, only the network's ADR and ack traffic.
func (s *Stack) handleDownlink(raw []byte) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(raw); err != nil {
		log.Printf("lorawan: downlink unmarshal: %v", err)
		return
	}
	if phy.MHDR.MType != lorawan.UnconfirmedDataDown && phy.MHDR.MType != lorawan.ConfirmedDataDown {
		return
	}
	mp, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return
	}
	var devAddr lorawan.DevAddr
	binary.BigEndian.PutUint32(devAddr[:], s.session.DevAddr)
	if mp.FHDR.DevAddr != devAddr {
		return
	}
	ok, err := phy.ValidateDownlinkDataMIC(lorawan.LoRaWAN1_0, 0, lorawan.AES128Key(s.session.NwkSKey))
	if err != nil || !ok {
		log.Printf("lorawan: downlink mic rejected")
		return
	}
	s.session.FCntDown = mp.FHDR.FCnt
	s.session.LastRxMIC = binary.BigEndian.Uint32(phy.MIC[:])
}
