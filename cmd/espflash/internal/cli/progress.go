package cli

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
)

// barProgress adapts schollz/progressbar/v3 to flasher.Progress.
type barProgress struct {
	bar *progressbar.ProgressBar
}

func newBarProgress() *barProgress {
	return &barProgress{}
}

func (p *barProgress) Init(address uint32, totalLen int) {
	p.bar = progressbar.DefaultBytes(int64(totalLen), fmt.Sprintf("0x%08x", address))
}

func (p *barProgress) Update(writtenLen int) {
	if p.bar == nil {
		return
	}
	p.bar.Set(writtenLen)
}

func (p *barProgress) Verifying() {
	if p.bar == nil {
		return
	}
	p.bar.Describe("verifying")
}

func (p *barProgress) Finish(skipped bool) {
	if p.bar == nil {
		return
	}
	if skipped {
		p.bar.Describe("skipped (already up to date)")
	}
	p.bar.Finish()
}
