package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsExponentially(t *testing.T) {
	b := newBackoff()

	for i := 0; i < 5; i++ {
		want := defaultBackoffBase << uint(i)
		lo := time.Duration(float64(want) * (1 - defaultBackoffJitter))
		hi := time.Duration(float64(want) * (1 + defaultBackoffJitter))

		got := b.next()
		assert.GreaterOrEqual(t, got, lo, "attempt %d", i)
		assert.LessOrEqual(t, got, hi, "attempt %d", i)
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := newBackoff()
	for i := 0; i < 20; i++ {
		b.next()
	}

	got := b.next()
	hi := time.Duration(float64(defaultBackoffMax) * (1 + defaultBackoffJitter))
	assert.LessOrEqual(t, got, hi)
	assert.GreaterOrEqual(t, got, time.Duration(float64(defaultBackoffMax)*(1-defaultBackoffJitter)))
}

func TestBackoffReset(t *testing.T) {
	b := newBackoff()
	for i := 0; i < 6; i++ {
		b.next()
	}
	b.reset()

	got := b.next()
	assert.LessOrEqual(t, got, time.Duration(float64(defaultBackoffBase)*(1+defaultBackoffJitter)))
}
