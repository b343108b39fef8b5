package sensors

import (
	"context"
	"math"
	"time"

	"silentmate/internal/model"
)

// Sample is one raw reading from the host's sensor stack. Accel is m/s^2,
// Gyro is rad/s, ProximityCm is the proximity sensor distance in centimeters
// (large values mean "nothing near").
type Sample struct {
	Accel       [3]float64
	Gyro        [3]float64
	ProximityCm float64
	At          time.Time
}

// Source delivers raw sensor samples. The returned channel must be closed
// when ctx is cancelled.
type Source interface {
	Samples(ctx context.Context) (<-chan Sample, error)
}

// Classification thresholds. Tuned constants, not user-facing.
const (
	proximityNearCm     = 5.0  // pocket: something close to the sensor
	proximityVeryNearCm = 1.5  // pocket: close enough to decide on proximity alone
	faceDownZ           = -8.0 // z at or below this means screen-down
	faceUpZ             = 8.0  // z at or above this means screen-up
	gyroHolding         = 0.25 // minimal angular velocity of a held device
	gyroMovement        = 0.5  // angular velocity of active use
	gyroStable          = 0.1  // below this the device is at rest
)

// accelAlpha is the low-pass coefficient applied to incoming accelerometer
// vectors before classification.
const accelAlpha = 0.5

func gyroMagnitude(g [3]float64) float64 {
	return math.Sqrt(g[0]*g[0] + g[1]*g[1] + g[2]*g[2])
}

// classify maps a smoothed sample to a device position. Rules run in
// priority order and a rule whose position is disabled in the enable set is
// skipped entirely, as if that position could never be detected.
func classify(accel [3]float64, gyro [3]float64, proximityCm float64, enabled model.FeatureEnableSet) model.DevicePosition {
	z := accel[2]
	gm := gyroMagnitude(gyro)

	if enabled.Enabled(model.InPocket) {
		if (proximityCm < proximityNearCm && z <= faceDownZ) || proximityCm < proximityVeryNearCm {
			return model.InPocket
		}
	}
	if enabled.Enabled(model.InHand) {
		if z >= faceUpZ && (gm >= gyroMovement || gm >= gyroHolding) {
			return model.InHand
		}
	}
	if enabled.Enabled(model.OnDesk) {
		if z >= faceUpZ && gm < gyroStable {
			return model.OnDesk
		}
	}
	return model.Unknown
}

// profileFor is the fixed position-to-profile policy table.
//
// UNKNOWN maps to GENERAL: an ambiguous reading must not silence the device.
// ON_DESK maps to SILENT (stable face-up on a surface is the quiet case).
func profileFor(pos model.DevicePosition) model.AudioProfile {
	switch pos {
	case model.InPocket:
		return model.ProfileVibration
	case model.InHand:
		return model.ProfileGeneral
	case model.OnDesk:
		return model.ProfileSilent
	default:
		return model.ProfileGeneral
	}
}

// soundFor picks the notification sound treatment per target profile:
// silence for the silent target, a short buzz for vibration, a chime for
// general.
func soundFor(p model.AudioProfile) string {
	switch p {
	case model.ProfileSilent:
		return ""
	case model.ProfileVibration:
		return "buzz"
	default:
		return "chime"
	}
}
