package stub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"espflash/pkg/chip"
	"espflash/pkg/conn"
	"espflash/pkg/proto"
	"espflash/pkg/slip"
)

// fakePort is a minimal in-memory conn.Port: every Command the stub
// loader sends gets an immediate canned success reply, and once MEM_END
// has been sent the banner bytes are queued for waitForBanner to read
// (unless suppressBanner is set, to exercise the fallback-to-ROM path).
type fakePort struct {
	mu             sync.Mutex
	queue          [][]byte
	readErr        error
	suppressBanner bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	frame, _ := slip.ReadFrame(b)
	if frame == nil {
		return len(b), nil
	}
	data, err := slip.Decode(frame)
	if err != nil || len(data) < 2 {
		return len(b), nil
	}
	req, err := proto.DecodeRequest(data)
	if err != nil {
		return len(b), nil
	}
	op := req.Opcode

	p.mu.Lock()
	defer p.mu.Unlock()

	resp := make([]byte, 10)
	resp[0] = proto.DirResponse
	resp[1] = byte(op)
	resp[2] = 2
	p.queue = append(p.queue, slip.Encode(resp))
	if op == proto.OpMemEnd && !p.suppressBanner {
		p.queue = append(p.queue, []byte{'O', 'H', 'A', 'I'})
	}
	return len(b), nil
}

func (p *fakePort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		if p.readErr != nil {
			return 0, p.readErr
		}
		return 0, errTimeout{}
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	n := copy(buf, next)
	return n, nil
}

type errTimeout struct{}

func (errTimeout) Error() string { return "fakePort: timeout" }

func (p *fakePort) Close() error                       { return nil }
func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (p *fakePort) SetDTR(v bool) error                { return nil }
func (p *fakePort) SetRTS(v bool) error                { return nil }
func (p *fakePort) ResetInputBuffer() error            { return nil }
func (p *fakePort) ResetOutputBuffer() error           { return nil }
func (p *fakePort) Break(time.Duration) error          { return nil }

func testTarget() *chip.Target {
	target, err := chip.Get(chip.ESP32)
	if err != nil {
		panic(err)
	}
	target.StubBlob = &chip.StubImage{
		Entry: 0x4008_0000,
		Sections: []chip.StubSection{
			{Name: "text", Addr: 0x4008_0000, Data: make([]byte, 100)},
			{Name: "data", Addr: 0x3FFB_0000, Data: make([]byte, 40)},
		},
	}
	return &target
}

func TestLoadUploadsAllSectionsAndObservesBanner(t *testing.T) {
	p := &fakePort{}
	c := conn.FromPort(p, 115200)
	target := testTarget()

	err := Load(c, target)
	require.NoError(t, err)
}

func TestLoadFailsWhenTargetHasNoStub(t *testing.T) {
	p := &fakePort{}
	c := conn.FromPort(p, 115200)
	target, err := chip.Get(chip.ESP32)
	require.NoError(t, err)
	target.StubBlob = nil

	err = Load(c, &target)
	assert.Error(t, err)
}

func TestLoadFailsWhenBannerNeverArrives(t *testing.T) {
	p := &fakePort{suppressBanner: true}
	c := conn.FromPort(p, 115200)
	target := testTarget()

	err := Load(c, target)
	assert.Error(t, err)
}
