package pic

import "testing"

func TestRemapWritesOffsetsAndMasks(t *testing.T) {
	orig := outbFn
	defer func() { outbFn = orig }()

	var writes []struct {
		port  uint16
		value uint8
	}
	outbFn = func(port uint16, value uint8) {
		writes = append(writes, struct {
			port  uint16
			value uint8
		}{port, value})
	}

	Remap()

	var gotOffset1, gotOffset2 uint8
	var gotMasterMask, gotSlaveMask uint8
	for i, w := range writes {
		if w.port == pic1Data && i == 4 {
			gotOffset1 = w.value
		}
		if w.port == pic2Data && i == 6 {
			gotOffset2 = w.value
		}
	}
	last := writes[len(writes)-2:]
	gotMasterMask = last[0].value
	gotSlaveMask = last[1].value

	if gotOffset1 != Offset1 {
		t.Fatalf("expected master offset %d; got %d", Offset1, gotOffset1)
	}
	if gotOffset2 != Offset2 {
		t.Fatalf("expected slave offset %d; got %d", Offset2, gotOffset2)
	}
	if gotMasterMask != initialMasterMask {
		t.Fatalf("expected master mask 0x%x; got 0x%x", initialMasterMask, gotMasterMask)
	}
	if gotSlaveMask != initialSlaveMask {
		t.Fatalf("expected slave mask 0x%x; got 0x%x", initialSlaveMask, gotSlaveMask)
	}
}

func TestSendEOIRoutesToSlaveWhenNeeded(t *testing.T) {
	orig := outbFn
	defer func() { outbFn = orig }()

	var ports []uint16
	outbFn = func(port uint16, _ uint8) { ports = append(ports, port) }

	SendEOI(10)
	if len(ports) != 2 || ports[0] != pic2Command || ports[1] != pic1Command {
		t.Fatalf("expected EOI to both PICs for IRQ>=8; got %v", ports)
	}

	ports = nil
	SendEOI(1)
	if len(ports) != 1 || ports[0] != pic1Command {
		t.Fatalf("expected EOI to master only for IRQ<8; got %v", ports)
	}
}
