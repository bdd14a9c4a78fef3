package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_Deterministic(t *testing.T) {
	at := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	a := Fingerprint("Acme beats estimates", "Reuters", at)
	b := Fingerprint("Acme beats estimates", "Reuters", at)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprint_NormalizesCaseAndWhitespace(t *testing.T) {
	at := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	a := Fingerprint("Acme Beats Estimates", "Reuters", at)
	b := Fingerprint("  acme   beats\testimates ", "REUTERS", at)
	assert.Equal(t, a, b)
}

func TestFingerprint_DateGranularityIsDaily(t *testing.T) {
	morning := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 3, 10, 22, 45, 0, 0, time.UTC)
	nextDay := time.Date(2026, 3, 11, 6, 0, 0, 0, time.UTC)

	assert.Equal(t,
		Fingerprint("title", "src", morning),
		Fingerprint("title", "src", evening),
	)
	assert.NotEqual(t,
		Fingerprint("title", "src", morning),
		Fingerprint("title", "src", nextDay),
	)
}

func TestFingerprint_TimezoneNormalized(t *testing.T) {
	// 23:00-05:00 is 04:00 UTC the next day.
	est := time.FixedZone("EST", -5*3600)
	late := time.Date(2026, 3, 10, 23, 0, 0, 0, est)
	utcNext := time.Date(2026, 3, 11, 4, 0, 0, 0, time.UTC)

	assert.Equal(t,
		Fingerprint("title", "src", late),
		Fingerprint("title", "src", utcNext),
	)
}

func TestFingerprint_DistinguishesFields(t *testing.T) {
	at := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	base := Fingerprint("title", "src", at)
	assert.NotEqual(t, base, Fingerprint("other title", "src", at))
	assert.NotEqual(t, base, Fingerprint("title", "other src", at))
}
