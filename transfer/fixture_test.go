package transfer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/opd-ai/vfstransfer/audit"
	"github.com/opd-ai/vfstransfer/clock"
	"github.com/opd-ai/vfstransfer/locking"
	"github.com/opd-ai/vfstransfer/scheduler"
	"github.com/opd-ai/vfstransfer/vfs"
	"github.com/opd-ai/vfstransfer/vfs/memory"
)

// fixture wires both handlers to one memory provider, one lock repository
// and one scheduler driven by a mock clock. Stores retain closed transfers.
type fixture struct {
	provider  *memory.Provider
	clock     *clock.MockTimeProvider
	scheduler *scheduler.Scheduler
	locks     *locking.Repository
	recorder  *audit.Recorder
	downloads *DownloadHandler
	uploads   *UploadHandler
}

func testSettings() Settings {
	s := DefaultSettings()
	s.DefaultDownloadBlockSize = 4096
	s.MaxDownloadBlockSize = 64 * 1024
	s.MaxUploadBlockSize = 64 * 1024
	s.DownloadTokenLifetime = time.Minute
	s.UploadTokenLifetime = time.Minute
	s.WriteChunkSize = 1000
	return s
}

func newFixture(t *testing.T, settings Settings) *fixture {
	t.Helper()

	tp := clock.NewMockTimeProvider(time.Time{})
	provider := memory.New()
	provider.SetTimeProvider(tp)
	provider.SetIdentity(vfs.StaticIdentity("alice"))

	f := &fixture{
		provider:  provider,
		clock:     tp,
		scheduler: scheduler.New(tp, time.Second),
		locks:     locking.NewRepository(tp),
		recorder:  audit.NewRecorder(),
	}
	deps := Dependencies{
		Provider:     provider,
		Locks:        f.locks,
		Scheduler:    f.scheduler,
		Auditor:      f.recorder,
		TimeProvider: tp,
	}
	f.downloads = NewDownloadHandler(deps, settings, NewInspectableStore[*DownloadTransfer]())
	f.uploads = NewUploadHandler(deps, settings, NewInspectableStore[*UploadTransfer]())
	return f
}

// expire moves the clock past every token deadline and runs one self-test.
func (f *fixture) expire() int {
	f.clock.Advance(time.Hour)
	return f.scheduler.RunPending()
}

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}
