package audit

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogrusAuditorLevels(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	a := NewLogrusAuditor(logger)

	cases := []struct {
		level Level
		want  logrus.Level
	}{
		{LevelDebug, logrus.DebugLevel},
		{LevelInfo, logrus.InfoLevel},
		{LevelWarning, logrus.WarnLevel},
		{LevelCritical, logrus.ErrorLevel},
	}

	for _, tc := range cases {
		hook.Reset()
		a.Audit(Incident{
			Level:   tc.level,
			Context: ContextReadData,
			EventID: EventInvalidBlock,
			Message: "block 7 out of range",
		})
		entry := hook.LastEntry()
		require.NotNil(t, entry, "level %s produced no entry", tc.level)
		assert.Equal(t, tc.want, entry.Level)
		assert.Equal(t, "block 7 out of range", entry.Message)
		assert.Equal(t, "read_data", entry.Data["context"])
		assert.Equal(t, "invalid_block", entry.Data["event_id"])
	}
}

func TestRecorderCount(t *testing.T) {
	r := NewRecorder()
	r.Audit(Incident{EventID: EventLockDenied})
	r.Audit(Incident{EventID: EventLockDenied})
	r.Audit(Incident{EventID: EventTransferStarted})

	assert.Equal(t, 2, r.Count(EventLockDenied))
	assert.Equal(t, 1, r.Count(EventTransferStarted))
	assert.Len(t, r.Incidents(), 3)

	r.Reset()
	assert.Empty(t, r.Incidents())
}

func TestEventIDString(t *testing.T) {
	assert.Equal(t, "transfer_expired", EventTransferExpired.String())
	assert.Equal(t, "event(999)", EventID(999).String())
}

func TestOrDefault(t *testing.T) {
	_, ok := OrDefault(nil).(*LogrusAuditor)
	assert.True(t, ok)

	called := false
	f := AuditorFunc(func(Incident) { called = true })
	OrDefault(f).Audit(Incident{})
	assert.True(t, called)
}
