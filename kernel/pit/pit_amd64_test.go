package pit

import "testing"

func TestDivisorRounding(t *testing.T) {
	cases := []struct {
		hz   uint32
		want uint16
	}{
		{100, 11932},
		{250, 4773},
		{1000, 1193},
		{0, 65535},
	}

	for _, c := range cases {
		if got := Divisor(c.hz); got != c.want {
			t.Errorf("Divisor(%d) = %d; want %d", c.hz, got, c.want)
		}
	}
}

func TestDivisorClampsToRange(t *testing.T) {
	if got := Divisor(1 << 30); got != 1 {
		t.Fatalf("expected divisor to clamp to 1 for very high frequencies; got %d", got)
	}
}

func TestInitPeriodicTimerWritesCommandAndDivisor(t *testing.T) {
	orig := outbFn
	defer func() { outbFn = orig }()

	var writes []uint8
	outbFn = func(_ uint16, value uint8) { writes = append(writes, value) }

	InitPeriodicTimer(100)

	if len(writes) != 3 {
		t.Fatalf("expected 3 port writes; got %d", len(writes))
	}
	if writes[0] != rateGenerator {
		t.Fatalf("expected command byte 0x%x; got 0x%x", rateGenerator, writes[0])
	}

	d := Divisor(100)
	if writes[1] != uint8(d&0xFF) || writes[2] != uint8(d>>8) {
		t.Fatalf("expected divisor bytes %d/%d; got %d/%d", uint8(d&0xFF), uint8(d>>8), writes[1], writes[2])
	}
}
