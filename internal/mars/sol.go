package mars

import (
	"math"
	"time"
)

// Curiosity touched down 2012-08-06 05:17:00 UTC. Sol 1 begins at landing.
const landingUnix int64 = 1344230220

// Mean length of a Martian sol in seconds.
const solLength = 88775.245

// SolDuration is the mean length of a Martian sol as an Earth duration,
// 24h39m35.245s.
var SolDuration = time.Duration(solLength * float64(time.Second))

// Landing returns the instant Curiosity touched down.
func Landing() time.Time {
	return time.Unix(landingUnix, 0).UTC()
}

// SolAt returns the mission sol number for an Earth instant. The instant's
// zone offset is already folded into its absolute time, so equivalent
// instants in different zones map to the same sol. Instants at or before
// landing yield values <= 0; callers treat those as unobserved.
func SolAt(t time.Time) int64 {
	elapsed := t.Unix() - landingUnix
	return int64(math.Ceil(float64(elapsed) / solLength))
}
