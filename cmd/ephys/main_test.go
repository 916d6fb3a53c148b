package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ephys.loop/internal/acquisition"
	"github.com/banshee-data/ephys.loop/internal/config"
	"github.com/banshee-data/ephys.loop/internal/db"
	"github.com/banshee-data/ephys.loop/internal/display"
	"github.com/banshee-data/ephys.loop/internal/serialmux"
	"github.com/banshee-data/ephys.loop/internal/terminal"
	"github.com/banshee-data/ephys.loop/internal/timeutil"
)

const defaultsFile = "../../config/ephys.defaults.json"

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, config.DefaultConfigPath, *configFile)
	assert.Equal(t, ":8090", *listen)
	assert.Equal(t, "", *port, "no stimulator port unless configured")
	assert.False(t, *autoStart)
}

func TestOpenSource_Synthetic(t *testing.T) {
	t.Parallel()

	settings, err := config.LoadSettings(defaultsFile)
	require.NoError(t, err)
	src, err := openSource(settings, "")
	require.NoError(t, err)
	defer src.Close()

	want := acquisition.LoopConfig{
		Channels:       4,
		SamplesPerTick: 30,
		RingCapacity:   3,
		PollingPeriod:  10 * time.Millisecond,
		Clock:          timeutil.RealClock{},
	}
	if diff := cmp.Diff(want, src.Config()); diff != "" {
		t.Errorf("loop config mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "local", src.Name())
}

func TestOpenSource_CSV(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "session.csv")
	require.NoError(t, os.WriteFile(path, []byte("ch0,ch1,digital\n1,2,0\n3,4,5\n"), 0o644))

	settings, err := config.ParseSettings([]byte(`{"channels": 2, "samples_per_tick": 2, "sample_rate": 200}`))
	require.NoError(t, err)
	src, err := openSource(settings, path)
	require.NoError(t, err)
	src.Close()

	settings, err = config.ParseSettings([]byte(`{"channels": 3}`))
	require.NoError(t, err)
	_, err = openSource(settings, path)
	assert.ErrorContains(t, err, "has 2 channels")
}

func TestOpenStimulatorPort_Disabled(t *testing.T) {
	t.Parallel()

	m, err := openStimulatorPort(config.EmptySettings(), "")
	require.NoError(t, err)
	defer m.Close()
	assert.IsType(t, &serialmux.DisabledSerialMux{}, m)
}

func TestRecordReplies(t *testing.T) {
	t.Parallel()

	store, err := db.Open(filepath.Join(t.TempDir(), "ephys.db"))
	require.NoError(t, err)
	defer store.Close()

	p := serialmux.NewTestableSerialPort()
	m := serialmux.NewSerialMux(p)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Monitor(ctx)
	done := make(chan struct{})
	go func() {
		recordReplies(ctx, m, store)
		close(done)
	}()

	// the subscription may not exist yet, so keep feeding until a line lands
	require.Eventually(t, func() bool {
		p.AddReadData([]byte("OK\n"))
		var n int
		require.NoError(t, store.QueryRow("SELECT COUNT(*) FROM stimulator_commands WHERE reply = 'OK'").Scan(&n))
		return n > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestAddDisplays_Defaults(t *testing.T) {
	t.Parallel()

	settings, err := config.LoadSettings(defaultsFile)
	require.NoError(t, err)
	src, err := openSource(settings, "")
	require.NoError(t, err)

	term, err := terminal.New(terminal.ConfigFromSettings(settings), terminal.Options{Source: src})
	require.NoError(t, err)
	defer term.Close()

	ctx := context.Background()
	require.NoError(t, addDisplays(ctx, term, settings, display.Multi{display.NewLiveView()}))

	st, err := term.Status(ctx)
	require.NoError(t, err)
	assert.Contains(t, st.Buffers, "processed")
	assert.Contains(t, st.Buffers, "spikes")

	bad, err := config.ParseSettings([]byte(`{"display": {"buffer": "missing"}}`))
	require.NoError(t, err)
	assert.Error(t, addDisplays(ctx, term, bad, display.Multi{}))
}
