package persisttrigger_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/markus-gerber/vnv-heap/internal/persisttrigger"
)

func TestDummyFireInvokesCallback(t *testing.T) {
	d := persisttrigger.NewDummy()

	fired := 0
	require.NoError(t, d.Install(func() { fired++ }))

	d.Fire()
	d.Fire()
	require.Equal(t, 2, fired)
}

func TestDummyFireBeforeInstallIsNoop(t *testing.T) {
	d := persisttrigger.NewDummy()
	require.NotPanics(t, func() { d.Fire() })
}

func TestDummyInstallTwiceFails(t *testing.T) {
	d := persisttrigger.NewDummy()

	require.NoError(t, d.Install(func() {}))
	require.ErrorIs(t, d.Install(func() {}), persisttrigger.ErrAlreadyInstalled)
}

func TestDummyUninstallAllowsReinstall(t *testing.T) {
	d := persisttrigger.NewDummy()

	require.NoError(t, d.Install(func() {}))
	d.Uninstall()

	fired := false
	require.NoError(t, d.Install(func() { fired = true }))

	d.Fire()
	require.True(t, fired)
}

func TestDummyDoesNotSupportLatencyBenchmark(t *testing.T) {
	d := persisttrigger.NewDummy()
	require.False(t, d.SupportsLatencyBenchmark())
}
