package telemetry

import (
	"context"
	"runtime"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestHostInfo(t *testing.T) {
	log, _ := test.NewNullLogger()

	env := HostInfo(context.Background(), log)

	assert.Equal(t, runtime.Version(), env["go_version"])
	assert.Equal(t, runtime.GOOS, env["goos"])
	assert.Equal(t, runtime.GOARCH, env["goarch"])
}

func TestSession_HostInfoInSummary(t *testing.T) {
	log, _ := test.NewNullLogger()

	s := NewSession(log, Config{HostInfo: true}, WithRunID("run_host"))
	sum := s.FlushRun(nil)

	assert.Equal(t, runtime.GOOS, sum.Environment["goos"])

	s = NewSession(log, Config{}, WithRunID("run_nohost"))
	assert.Nil(t, s.FlushRun(nil).Environment)
}
