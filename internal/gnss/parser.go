package gnss

import (
	"fmt"

	nmea "github.com/adrianmo/go-nmea"
)

// Stats counts parser outcomes for diagnostics.
type Stats struct {
	Sentences    uint32 // well-formed sentences parsed
	ChecksumErrs uint32 // dropped on checksum mismatch
	ParseErrs    uint32 // dropped by the field parser
}

// Parser validates framed NMEA sentences and folds GGA/RMC/GSV data
// into a shared Fix. Any talker prefix is accepted ($GPGGA, $GNGGA,
// $BDGSV, ...).
type Parser struct {
	// AcceptMissingChecksum controls sentences without a *HH trailer:
	// true matches the observed module behavior, false is the safer
	// choice and drops them.
	AcceptMissingChecksum bool

	fix   Fix
	stats Stats
}

// Fix returns the current shared fix.
func (p *Parser) Fix() Fix { return p.fix }

// Stats returns parse counters.
func (p *Parser) Stats() Stats { return p.stats }

// InvalidateFix clears validity so a new acquisition cannot report
// stale data.
func (p *Parser) InvalidateFix() { p.fix.Invalidate() }

// Reset drops fix state and counters, for standby entry.
func (p *Parser) Reset() {
	p.fix = Fix{}
	p.stats = Stats{}
}

// Checksum is the NMEA checksum: XOR of all bytes between '$' and '*'
// (both exclusive).
func Checksum(sentence []byte) byte {
	var sum byte
	for i := 0; i < len(sentence); i++ {
		b := sentence[i]
		if i == 0 && b == '$' {
			continue
		}
		if b == '*' {
			break
		}
		sum ^= b
	}
	return sum
}

// verifyChecksum validates the *HH trailer. ok=false means drop the
// sentence; hasTrailer distinguishes "no checksum present".
func (p *Parser) verifyChecksum(s []byte) (ok, hasTrailer bool) {
	star := -1
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '*' {
			star = i
			break
		}
	}
	if star < 0 {
		return p.AcceptMissingChecksum, false
	}
	if star+2 >= len(s) {
		return false, true
	}
	hi, ok1 := hexVal(s[star+1])
	lo, ok2 := hexVal(s[star+2])
	if !ok1 || !ok2 {
		return false, true
	}
	return Checksum(s) == hi<<4|lo, true
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// Accept validates and parses one framed sentence (starting at '$',
// terminator already stripped) and merges it into the fix. Checksum and
// field errors are counted and swallowed: a bad sentence never aborts
// acquisition.
func (p *Parser) Accept(raw []byte) {
	ok, hasTrailer := p.verifyChecksum(raw)
	if !ok {
		p.stats.ChecksumErrs++
		return
	}

	line := string(raw)
	if !hasTrailer {
		// go-nmea insists on a checksum; add the one we computed.
		line = fmt.Sprintf("%s*%02X", line, Checksum(raw))
	}

	s, err := nmea.Parse(line)
	if err != nil {
		p.stats.ParseErrs++
		return
	}
	p.stats.Sentences++

	switch s.DataType() {
	case nmea.TypeGGA:
		p.mergeGGA(s.(nmea.GGA))
	case nmea.TypeRMC:
		p.mergeRMC(s.(nmea.RMC))
	case nmea.TypeGSV:
		p.mergeGSV(s.(nmea.GSV))
	}
}

func (p *Parser) mergeGGA(m nmea.GGA) {
	switch m.FixQuality {
	case nmea.GPS:
		p.fix.Quality = QualityGPS
	case nmea.DGPS:
		p.fix.Quality = QualityDGPS
	default:
		p.fix.Quality = QualityNone
	}
	p.fix.SatsUsed = uint8(m.NumSatellites)
	p.fix.HDOP = m.HDOP
	p.fix.AltitudeM = m.Altitude
	if m.Time.Valid {
		p.fix.UTCTime = uint32(m.Time.Hour*10000 + m.Time.Minute*100 + m.Time.Second)
	}

	if m.Latitude == 0 && m.Longitude == 0 {
		return // no position info yet
	}
	if !ValidCoordinates(m.Latitude, m.Longitude) {
		return
	}
	p.fix.Latitude = m.Latitude
	p.fix.Longitude = m.Longitude

	if p.fix.Quality != QualityNone && p.fix.SatsUsed >= 1 {
		p.fix.Valid = true
	}
}

func (p *Parser) mergeRMC(m nmea.RMC) {
	p.fix.SpeedKmh = m.Speed * 1.852 // knots to km/h
	p.fix.CourseDeg = m.Course
	if m.Date.Valid {
		p.fix.UTCDate = uint32(m.Date.DD*10000 + m.Date.MM*100 + m.Date.YY)
	}
	if m.Time.Valid {
		p.fix.UTCTime = uint32(m.Time.Hour*10000 + m.Time.Minute*100 + m.Time.Second)
	}
	if m.Validity == nmea.ValidRMC {
		p.fix.Valid = true
	}
}

func (p *Parser) mergeGSV(m nmea.GSV) {
	p.fix.SatsInView = uint8(m.NumberSVsInView)
}
