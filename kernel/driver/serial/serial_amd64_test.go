package serial

import "testing"

func withMockPorts(t *testing.T) (*[]uint8, *map[uint16]uint8) {
	t.Helper()
	var written []uint8
	regs := map[uint16]uint8{}

	origOutb, origInb := outbFn, inbFn
	outbFn = func(port uint16, v uint8) {
		written = append(written, v)
		regs[port] = v
	}
	inbFn = func(port uint16) uint8 {
		if port == basePort+regLineStatus {
			return lineStatusTHREEmpty
		}
		return regs[port]
	}
	t.Cleanup(func() { outbFn, inbFn = origOutb, origInb })

	return &written, &regs
}

func TestInitProgramsLineControlAndFIFO(t *testing.T) {
	_, regs := withMockPorts(t)
	Init()

	if (*regs)[basePort+regLineControl] != 0x03 {
		t.Fatalf("expected line control 0x03 after init; got %#x", (*regs)[basePort+regLineControl])
	}
	if (*regs)[basePort+regFIFOControl] != 0xC7 {
		t.Fatalf("expected FIFO control 0xC7; got %#x", (*regs)[basePort+regFIFOControl])
	}
}

func TestWriteByteTranslatesNewlineToCRLF(t *testing.T) {
	written, _ := withMockPorts(t)
	WriteByte('\n')

	if len(*written) != 2 || (*written)[0] != '\r' || (*written)[1] != '\n' {
		t.Fatalf("expected [\\r \\n]; got %v", *written)
	}
}

func TestWriteReturnsByteCount(t *testing.T) {
	withMockPorts(t)
	n, err := Write([]byte("hi"))
	if err != nil || n != 2 {
		t.Fatalf("expected (2, nil); got (%d, %v)", n, err)
	}
}
