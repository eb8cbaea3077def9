package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Date is a calendar date with no time component. It marshals as
// "2006-01-02", the format the REMS feed uses for terrestrial_date.
type Date struct {
	time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a bare calendar date like "2026-02-09".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{t}, nil
}

func (d Date) String() string {
	return d.Format("2006-01-02")
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// SolReport is one sol's weather observation at the Curiosity site.
// Numeric readings are pointers because REMS reports "--" when an
// instrument produced no value for a sol; those serialize as null.
type SolReport struct {
	Sol             int64  `json:"sol"`
	TerrestrialDate Date   `json:"terrestrialDate"`
	Season          string `json:"season"`
	SolarLongitude  *int64 `json:"solarLongitude"`
	AirTempMin      *int64 `json:"airTempMin"`
	AirTempMax      *int64 `json:"airTempMax"`
	GroundTempMin   *int64 `json:"groundTempMin"`
	GroundTempMax   *int64 `json:"groundTempMax"`
	Pressure        *int64 `json:"pressure"`
	PressureTrend   string `json:"pressureTrend"`
	Humidity        *int64 `json:"humidity"`
	WindSpeed       *int64 `json:"windSpeed"`
	Opacity         string `json:"opacity"`
	UVIndex         string `json:"uvIndex"`
	Sunrise         string `json:"sunrise"`
	Sunset          string `json:"sunset"`
	Stale           bool   `json:"stale,omitempty"` // Indicates data served from stale cache
}

// SolArchive is the parsed mission archive: reports ordered newest-first,
// unique by sol.
type SolArchive struct {
	Reports   []SolReport `json:"reports"`
	FetchedAt time.Time   `json:"fetchedAt"`
}

func (a SolArchive) Len() int {
	return len(a.Reports)
}

// Latest returns the newest observed sol, false when the archive is empty.
func (a SolArchive) Latest() (SolReport, bool) {
	if len(a.Reports) == 0 {
		return SolReport{}, false
	}
	return a.Reports[0], true
}

// BySol returns the report for an exact sol number. A false result means
// the sol is outside the archive or falls in a REMS data gap.
func (a SolArchive) BySol(sol int64) (SolReport, bool) {
	i := sort.Search(len(a.Reports), func(i int) bool {
		return a.Reports[i].Sol <= sol
	})
	if i < len(a.Reports) && a.Reports[i].Sol == sol {
		return a.Reports[i], true
	}
	return SolReport{}, false
}

// Span returns the oldest and newest sol numbers present.
func (a SolArchive) Span() (oldest, newest int64) {
	if len(a.Reports) == 0 {
		return 0, 0
	}
	return a.Reports[len(a.Reports)-1].Sol, a.Reports[0].Sol
}
