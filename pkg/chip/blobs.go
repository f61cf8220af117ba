package chip

// Placeholder blob sizes. Real esptool bootloader/stub binaries are
// vendored resources this module doesn't carry; these sizes are
// chosen to be representative of the real thing's order of magnitude
// so RAMBlockSize-chunked upload paths get exercised
// the same way a real blob would exercise them.
const (
	bootloaderBlobSize = 0x6000
	stubTextSize       = 0x2000
	stubDataSize       = 0x400
)

// placeholderBootloaderAndStub synthesizes deterministic bootloader
// and stub payloads for t. This module does not vendor esptool's
// actual ROM bootloader/stub binaries, so register() fills these
// fields with synthetic but well-formed data: enough to drive the
// stub-upload and bootloader-flash code paths end to end against a
// fake serial port, though not bytes a real chip would execute.
// Callers that need the genuine article should overwrite these fields
// on the Target they get back from Get before connecting to hardware.
func placeholderBootloaderAndStub(t Target) (map[int][]byte, *StubImage) {
	blobs := make(map[int][]byte, len(t.XTALFreqsMHz))
	for _, mhz := range t.XTALFreqsMHz {
		blobs[mhz] = placeholderBlob(bootloaderBlobSize, blobSeed(t.ID)+byte(mhz))
	}

	stub := &StubImage{
		Entry: t.Memory.IRAMBase,
		Sections: []StubSection{
			{Name: ".text", Addr: t.Memory.IRAMBase, Data: placeholderBlob(stubTextSize, blobSeed(t.ID))},
			{Name: ".data", Addr: t.Memory.DRAMBase, Data: placeholderBlob(stubDataSize, blobSeed(t.ID)+1)},
		},
	}
	return blobs, stub
}

func blobSeed(id ID) byte {
	return byte(id)
}

// placeholderBlob returns a deterministic, reproducible byte slice of
// length n from seed. Equal seeds give equal bytes, and a target's .data
// seed (blobSeed+1) is the .text seed of the target whose ID is one
// higher, so those two sections hold identical bytes.
func placeholderBlob(n int, seed byte) []byte {
	b := make([]byte, n)
	x := seed
	for i := range b {
		x = x*31 + 7
		b[i] = x
	}
	return b
}
