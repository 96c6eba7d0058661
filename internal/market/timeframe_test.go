package market

import "testing"

func TestValidTimeframe(t *testing.T) {
	for _, tf := range []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d"} {
		if !ValidTimeframe(tf) {
			t.Errorf("%s should be valid", tf)
		}
	}
	for _, tf := range []string{"2h", "1w", "", "60"} {
		if ValidTimeframe(tf) {
			t.Errorf("%s should be invalid", tf)
		}
	}
}

func TestTimeframeMinutes(t *testing.T) {
	m, err := TimeframeMinutes("4h")
	if err != nil || m != 240 {
		t.Errorf("4h = %d, %v; want 240, nil", m, err)
	}
	if _, err := TimeframeMinutes("3h"); err == nil {
		t.Error("unsupported timeframe should error")
	}
}

func TestTimeframeDueAt(t *testing.T) {
	tests := []struct {
		tf           string
		cycle        int
		cycleMinutes int
		want         bool
	}{
		{"1m", 7, 1, true},   // never less often than every cycle
		{"1h", 0, 60, true},  // timeframe equal to the cycle interval
		{"1h", 3, 60, true},
		{"15m", 15, 5, true}, // 3 cycles per bar
		{"15m", 16, 5, false},
		{"1h", 12, 5, true},
		{"1h", 13, 5, false},
		{"1m", 5, 0, true},   // zero interval treated as one minute
		{"2h", 0, 5, false},  // unsupported timeframe never due
	}
	for _, tt := range tests {
		if got := TimeframeDueAt(tt.tf, tt.cycle, tt.cycleMinutes); got != tt.want {
			t.Errorf("TimeframeDueAt(%s, %d, %d) = %v, want %v", tt.tf, tt.cycle, tt.cycleMinutes, got, tt.want)
		}
	}
}
