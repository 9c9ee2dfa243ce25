package util

import (
	"fmt"
	"math"
	"math/bits"
	"time"
)

func FormatFileSize(size float64, human bool) string {
	if size <= 0 {
		return "0"
	}
	units := []string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}
	group := 0
	if human {
		group = int(math.Log10(size) / math.Log10(1024))
		if group < 0 {
			group = 0
		}
		if group >= len(units) {
			group = len(units) - 1
		}
	}
	return fmt.Sprintf("%.2f %s", size/math.Pow(1024, float64(group)), units[group])
}

// DivCeil divides rounding up.
func DivCeil(n, d uint32) uint32 {
	if d == 0 {
		return n
	}
	return (n + d - 1) / d
}

// AlignUp rounds n up to a multiple of unit.
func AlignUp(n, unit uint32) uint32 {
	if unit <= 1 {
		return n
	}
	return DivCeil(n, unit) * unit
}

// AlignDown rounds n down to a multiple of unit.
func AlignDown(n, unit uint32) uint32 {
	if unit <= 1 {
		return n
	}
	return n / unit * unit
}

// PopCount counts set bits in b.
func PopCount(b []byte) uint32 {
	var n int
	for _, c := range b {
		n += bits.OnesCount8(c)
	}
	return uint32(n)
}

func FormatTime(seconds float64, withMillis bool) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	if withMillis {
		return fmt.Sprintf("%d:%02d:%02d.%03d", h, m, s, ms)
	}
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
