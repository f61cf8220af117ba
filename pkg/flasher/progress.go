package flasher

// Progress is the capability interface callers use to observe a
// flash operation. All methods are synchronous
// and called on the operation's own goroutine; implementations that
// don't care about progress can embed NoopProgress.
type Progress interface {
	Init(address uint32, totalLen int)
	Update(writtenLen int)
	Verifying()
	Finish(skipped bool)
}

// NoopProgress implements Progress with no-ops, so callers that don't
// want progress reporting can opt out cheaply.
type NoopProgress struct{}

func (NoopProgress) Init(address uint32, totalLen int) {}
func (NoopProgress) Update(writtenLen int)             {}
func (NoopProgress) Verifying()                        {}
func (NoopProgress) Finish(skipped bool)               {}

var _ Progress = NoopProgress{}

func progressOrNoop(p Progress) Progress {
	if p == nil {
		return NoopProgress{}
	}
	return p
}
