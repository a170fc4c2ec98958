package lofarudp

import "fmt"

// internationalStations maps the station numbers of the international
// LOFAR stations to their observatory codes.
var internationalStations = map[int]string{
	601: "DE601",
	602: "DE602",
	603: "DE603",
	604: "DE604",
	605: "DE605",
	606: "FR606",
	607: "SE607",
	608: "UK608",
	609: "DE609",
	610: "PL610",
	611: "PL611",
	612: "PL612",
	613: "IE613",
	614: "LV614",
}

// StationName converts a station number (the RSP board code divided by 32)
// into the observatory code the beam-model tooling expects. Core stations
// are CS, remote Dutch stations RS, internationals use their national
// prefixes.
func StationName(stationID int) string {
	if name, ok := internationalStations[stationID]; ok {
		return name
	}
	switch {
	case stationID < 104:
		return fmt.Sprintf("CS%03d", stationID)
	case stationID < 600:
		return fmt.Sprintf("RS%03d", stationID)
	}
	return fmt.Sprintf("ST%03d", stationID)
}
