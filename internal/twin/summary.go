package twin

import (
	"fmt"
	"strings"
)

// Well-known flattened keys.
const (
	KeyVIN                  = "vin"
	KeyOnline               = "online"
	KeyUpdated              = "updated"
	KeySpeed                = "vehicle_speed_speed"
	KeyIP                   = "ip"
	KeyStateOfCharge        = "battery_state_of_charge"
	KeyBatteryPercent       = "battery_percent"
	KeyAvgCellTemp          = "battery_avg_cell_temp"
	KeyChargeType           = "battery_charge_type"
	KeyMaxMiles             = "battery_max_miles"
	KeyTotalMileageOdometer = "battery_total_mileage_odometer"
)

// Summary is a typed view of the fields the client cares about.
// Missing or mistyped fields are left at their zero value.
type Summary struct {
	VIN      string
	Online   bool
	Updated  string
	Speed    float64
	IP       string
	Battery  BatterySummary
	LeafKeys int
}

// BatterySummary holds the battery section of a Summary.
type BatterySummary struct {
	StateOfCharge        float64
	Percent              float64
	AvgCellTemp          float64
	ChargeType           string
	MaxMiles             float64
	TotalMileageOdometer float64
}

// Summarize extracts a Summary from a flattened document.
func Summarize(flat Flat) Summary {
	return Summary{
		VIN:     flat.Text(KeyVIN),
		Online:  flat.Bool(KeyOnline),
		Updated: flat.Text(KeyUpdated),
		Speed:   flat.Number(KeySpeed),
		IP:      flat.Text(KeyIP),
		Battery: BatterySummary{
			StateOfCharge:        flat.Number(KeyStateOfCharge),
			Percent:              flat.Number(KeyBatteryPercent),
			AvgCellTemp:          flat.Number(KeyAvgCellTemp),
			ChargeType:           flat.Text(KeyChargeType),
			MaxMiles:             flat.Number(KeyMaxMiles),
			TotalMileageOdometer: flat.Number(KeyTotalMileageOdometer),
		},
		LeafKeys: len(flat),
	}
}

// String renders a one-line description, mainly for logs and the CLI.
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "vin=%s online=%t", s.VIN, s.Online)
	fmt.Fprintf(&b, " soc=%.0f%% range=%.0f", s.Battery.StateOfCharge, s.Battery.MaxMiles)
	fmt.Fprintf(&b, " speed=%.0f updated=%s", s.Speed, s.Updated)
	return b.String()
}

// Text returns the value at key if it is a string.
func (f Flat) Text(key string) string {
	s, _ := f[key].(string)
	return s
}

// Bool returns the value at key if it is a bool.
func (f Flat) Bool(key string) bool {
	b, _ := f[key].(bool)
	return b
}

// Number returns the value at key as a float64 if it is numeric.
func (f Flat) Number(key string) float64 {
	switch v := f[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
