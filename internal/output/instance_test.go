package output_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiroq/obsoutput/internal/output"
	"github.com/tiroq/obsoutput/testutil"
)

var (
	h264 = output.StaticEncoder{EncoderName: "x264", EncoderType: output.EncoderVideo, EncoderCodec: "h264"}
	aac  = output.StaticEncoder{EncoderName: "aac", EncoderType: output.EncoderAudio, EncoderCodec: "aac"}
	pcm  = output.StaticEncoder{EncoderName: "pcm", EncoderType: output.EncoderAudio, EncoderCodec: "pcm_s16le"}
)

func newInstance(t *testing.T, k *testutil.FakeKind, caps output.Capability, opts ...output.RegistryOption) *output.Instance {
	t.Helper()
	r := output.NewRegistry(opts...)
	require.NoError(t, r.Register("test", k.Descriptor(caps)))
	inst, err := r.Create(k.KindID, k.KindID+"-1", output.Settings("a=1"))
	require.NoError(t, err)
	return inst
}

// "file" exports only the required symbols and needs both encoders.
func TestStartRequiresBoundEncoders(t *testing.T) {
	k := testutil.NewFakeKind("file", output.MaskAV)
	inst := newInstance(t, k, 0)
	assert.Equal(t, output.MaskAV, inst.RequiredEncoders())

	err := inst.Start()
	require.ErrorIs(t, err, output.ErrStartRejected)
	assert.ErrorIs(t, err, output.ErrMissingEncoder)
	assert.Equal(t, output.StateReady, inst.State())
	assert.Zero(t, k.Calls("start"), "module start must not run with unbound encoders")

	require.NoError(t, inst.SetEncoder(h264, output.EncoderVideo))
	err = inst.Start()
	require.ErrorIs(t, err, output.ErrStartRejected, "audio still unbound")
	assert.Zero(t, k.Calls("start"))

	require.NoError(t, inst.SetEncoder(aac, output.EncoderAudio))
	require.NoError(t, inst.Start())
	assert.Equal(t, 1, k.Calls("start"))
	assert.Equal(t, output.StateActive, inst.State())
	assert.True(t, inst.Active())

	for _, typ := range inst.RequiredEncoders().Types() {
		_, ok := inst.Encoder(typ)
		assert.True(t, ok, "start succeeded with %s unbound", typ)
	}
	assert.Zero(t, k.Calls("setencoder"), "no setencoder export, module must not be asked")
}

// "raw" needs no encoders and exports no setencoder.
func TestStartWithoutEncoderRequirement(t *testing.T) {
	t.Run("module accepts", func(t *testing.T) {
		k := testutil.NewFakeKind("raw", output.MaskNone)
		inst := newInstance(t, k, 0)

		require.NoError(t, inst.Start())
		assert.Equal(t, output.StateActive, inst.State())
		assert.Zero(t, k.Calls("setencoder"))
	})

	t.Run("module refuses", func(t *testing.T) {
		k := testutil.NewFakeKind("raw", output.MaskNone)
		k.StartResult = false
		inst := newInstance(t, k, 0)

		err := inst.Start()
		require.ErrorIs(t, err, output.ErrStartRejected)
		assert.NotErrorIs(t, err, output.ErrMissingEncoder)
		assert.Equal(t, 1, k.Calls("start"))
		assert.Equal(t, output.StateReady, inst.State())
		assert.False(t, inst.Active())

		k.StartResult = true
		require.NoError(t, inst.Start(), "retry after remedying the cause")
	})
}

func TestStopIsIdempotent(t *testing.T) {
	k := testutil.NewFakeKind("raw", output.MaskNone)
	inst := newInstance(t, k, 0)

	require.NoError(t, inst.Stop(), "stop on a created instance")
	assert.Zero(t, k.Calls("stop"))

	require.NoError(t, inst.Start())
	require.NoError(t, inst.Stop())
	assert.Equal(t, 1, k.Calls("stop"))
	assert.False(t, inst.Active())

	require.NoError(t, inst.Stop())
	require.NoError(t, inst.Stop())
	assert.Equal(t, 1, k.Calls("stop"), "stop callback only on a real active -> ready edge")
	assert.False(t, inst.Active())
	assert.Equal(t, output.StateReady, inst.State())
}

func TestNoDoubleStart(t *testing.T) {
	k := testutil.NewFakeKind("raw", output.MaskNone)
	inst := newInstance(t, k, 0)

	require.NoError(t, inst.Start())
	err := inst.Start()
	require.ErrorIs(t, err, output.ErrAlreadyActive)
	assert.Equal(t, 1, k.Calls("start"))
	assert.Equal(t, output.StateActive, inst.State())
}

func TestStartAfterOutputEndedOnItsOwn(t *testing.T) {
	k := testutil.NewFakeKind("stream", output.MaskNone)
	inst := newInstance(t, k, 0)
	require.NoError(t, inst.Start())

	k.Halt(k.Last())
	assert.False(t, inst.Active(), "module is the source of truth")
	assert.Equal(t, output.StateActive, inst.State(), "cache lags until reconciled")

	require.NoError(t, inst.Start())
	assert.Equal(t, 2, k.Calls("start"))
	assert.Zero(t, k.Calls("stop"))
}

func TestStopAndDestroyAfterOutputEndedOnItsOwn(t *testing.T) {
	t.Run("stop then destroy", func(t *testing.T) {
		k := testutil.NewFakeKind("stream", output.MaskNone)
		inst := newInstance(t, k, 0)
		require.NoError(t, inst.Start())
		k.Halt(k.Last())

		require.NoError(t, inst.Stop())
		assert.Zero(t, k.Calls("stop"), "module already stopped")
		assert.Equal(t, output.StateReady, inst.State())

		require.NoError(t, inst.Destroy())
		assert.Zero(t, k.Calls("stop"))
		assert.Equal(t, 1, k.Calls("destroy"))
	})

	t.Run("destroy without stop", func(t *testing.T) {
		k := testutil.NewFakeKind("stream", output.MaskNone)
		inst := newInstance(t, k, 0)
		require.NoError(t, inst.Start())
		k.Halt(k.Last())

		require.NoError(t, inst.Destroy())
		assert.Zero(t, k.Calls("stop"))
		assert.Equal(t, 1, k.Calls("destroy"))
		assert.Equal(t, output.StateDestroyed, inst.State())
	})
}

func TestSyncReconcilesCachedState(t *testing.T) {
	k := testutil.NewFakeKind("stream", output.MaskNone)
	inst := newInstance(t, k, 0)
	require.NoError(t, inst.Start())
	assert.Equal(t, output.StateActive, inst.Sync())

	k.Halt(k.Last())
	assert.Equal(t, output.StateReady, inst.Sync())
	assert.Zero(t, k.Calls("stop"))

	require.NoError(t, inst.Stop())
	assert.Zero(t, k.Calls("stop"), "nothing left to stop")
}

func TestUpdate(t *testing.T) {
	t.Run("idle update reaches module", func(t *testing.T) {
		k := testutil.NewFakeKind("file", output.MaskNone)
		inst := newInstance(t, k, output.CapUpdate)

		require.NoError(t, inst.Update(output.Settings("a=2")))
		assert.Equal(t, 1, k.Calls("update"))
		assert.Equal(t, "a=2", string(k.Last().Settings))
		assert.Equal(t, "a=2", string(inst.Settings()))
		assert.Equal(t, output.StateReady, inst.State())
	})

	t.Run("without update export settings are stored only", func(t *testing.T) {
		k := testutil.NewFakeKind("file", output.MaskNone)
		inst := newInstance(t, k, 0)

		require.NoError(t, inst.Update(output.Settings("a=3")))
		assert.Zero(t, k.Calls("update"))
		assert.Equal(t, "a=3", string(inst.Settings()))
	})

	t.Run("update while active is a violation", func(t *testing.T) {
		k := testutil.NewFakeKind("file", output.MaskNone)
		inst := newInstance(t, k, output.CapUpdate)
		require.NoError(t, inst.Start())

		err := inst.Update(output.Settings("a=4"))
		require.ErrorIs(t, err, output.ErrProtocolViolation)
		assert.Zero(t, k.Calls("update"))
		assert.Equal(t, "a=1", string(inst.Settings()))
		assert.Equal(t, output.StateActive, inst.State())
	})
}

func TestDestroy(t *testing.T) {
	t.Run("destroy while active is rejected", func(t *testing.T) {
		k := testutil.NewFakeKind("raw", output.MaskNone)
		inst := newInstance(t, k, 0)
		require.NoError(t, inst.Start())

		err := inst.Destroy()
		require.ErrorIs(t, err, output.ErrProtocolViolation)
		assert.Zero(t, k.Calls("destroy"))
		assert.True(t, inst.Active())

		require.NoError(t, inst.Stop())
		require.NoError(t, inst.Destroy())
		assert.Equal(t, 1, k.Calls("destroy"))
		assert.Equal(t, output.StateDestroyed, inst.State())
	})

	t.Run("destroy from created", func(t *testing.T) {
		k := testutil.NewFakeKind("raw", output.MaskNone)
		inst := newInstance(t, k, 0)
		require.NoError(t, inst.Destroy())
		assert.Equal(t, 1, k.Calls("destroy"))
	})

	t.Run("operations after destroy", func(t *testing.T) {
		k := testutil.NewFakeKind("raw", output.MaskNone)
		inst := newInstance(t, k, testutil.AllCaps)
		require.NoError(t, inst.Destroy())

		assert.ErrorIs(t, inst.Destroy(), output.ErrProtocolViolation)
		assert.ErrorIs(t, inst.Start(), output.ErrProtocolViolation)
		assert.ErrorIs(t, inst.Stop(), output.ErrProtocolViolation)
		assert.ErrorIs(t, inst.Update(nil), output.ErrProtocolViolation)
		assert.ErrorIs(t, inst.SetEncoder(h264, output.EncoderVideo), output.ErrProtocolViolation)
		assert.False(t, inst.Active())
		_, ok := inst.Encoder(output.EncoderVideo)
		assert.False(t, ok)
		assert.Equal(t, 1, k.Calls("destroy"))
		assert.Zero(t, k.Calls("start"))
	})
}

func TestPause(t *testing.T) {
	t.Run("without pause export", func(t *testing.T) {
		k := testutil.NewFakeKind("stream", output.MaskNone)
		inst := newInstance(t, k, 0)
		require.NoError(t, inst.Start())

		err := inst.Pause()
		require.ErrorIs(t, err, output.ErrProtocolViolation)
		assert.Contains(t, err.Error(), "no pause export")
		assert.Equal(t, output.StateActive, inst.State())
	})

	t.Run("pause and unpause", func(t *testing.T) {
		k := testutil.NewFakeKind("file", output.MaskNone)
		inst := newInstance(t, k, output.CapPause)

		assert.ErrorIs(t, inst.Pause(), output.ErrProtocolViolation, "pause requires active")
		require.NoError(t, inst.Start())

		require.NoError(t, inst.Pause())
		assert.Equal(t, output.StatePaused, inst.State())
		assert.True(t, k.IsPaused(k.Last()))
		assert.True(t, inst.Active(), "paused is a sub-state of active")

		assert.ErrorIs(t, inst.Pause(), output.ErrProtocolViolation)
		assert.ErrorIs(t, inst.Destroy(), output.ErrProtocolViolation)

		require.NoError(t, inst.Unpause())
		assert.Equal(t, output.StateActive, inst.State())
		assert.False(t, k.IsPaused(k.Last()))
		assert.Equal(t, 2, k.Calls("pause"))

		assert.ErrorIs(t, inst.Unpause(), output.ErrProtocolViolation)
	})

	t.Run("stop from paused", func(t *testing.T) {
		k := testutil.NewFakeKind("file", output.MaskNone)
		inst := newInstance(t, k, output.CapPause)
		require.NoError(t, inst.Start())
		require.NoError(t, inst.Pause())

		require.NoError(t, inst.Stop())
		assert.Equal(t, 1, k.Calls("stop"))
		assert.Equal(t, output.StateReady, inst.State())
	})
}

func TestConfigure(t *testing.T) {
	k := testutil.NewFakeKind("file", output.MaskNone)
	inst := newInstance(t, k, output.CapConfig)
	require.NoError(t, inst.Configure("parent-window"))
	assert.Equal(t, 1, k.Calls("config"))
	assert.Equal(t, output.StateReady, inst.State())

	require.NoError(t, inst.Start())
	assert.ErrorIs(t, inst.Configure(nil), output.ErrProtocolViolation)

	bare := newInstance(t, testutil.NewFakeKind("raw", output.MaskNone), 0)
	assert.ErrorIs(t, bare.Configure(nil), output.ErrProtocolViolation)
}

func TestSetEncoderNegotiation(t *testing.T) {
	t.Run("module rejects incompatible encoder", func(t *testing.T) {
		k := testutil.NewFakeKind("rtmp", output.MaskAV)
		k.Accept = func(enc output.Encoder, typ output.EncoderType) bool {
			return enc.Codec() == "h264" || enc.Codec() == "aac"
		}
		inst := newInstance(t, k, output.CapSetEncoder|output.CapGetEncoder)

		err := inst.SetEncoder(pcm, output.EncoderAudio)
		require.ErrorIs(t, err, output.ErrEncoderIncompatible)
		_, ok := inst.Encoder(output.EncoderAudio)
		assert.False(t, ok, "rejected binding must not be recorded")

		require.NoError(t, inst.SetEncoder(h264, output.EncoderVideo))
		assert.ErrorIs(t, inst.Start(), output.ErrStartRejected)

		require.NoError(t, inst.SetEncoder(aac, output.EncoderAudio))
		require.NoError(t, inst.Start())

		enc, ok := inst.Encoder(output.EncoderAudio)
		require.True(t, ok)
		assert.Equal(t, "aac", enc.Name())
		assert.Positive(t, k.Calls("getencoder"))
	})

	t.Run("type mismatch never reaches module", func(t *testing.T) {
		k := testutil.NewFakeKind("rtmp", output.MaskVideo)
		inst := newInstance(t, k, output.CapSetEncoder)

		err := inst.SetEncoder(pcm, output.EncoderVideo)
		require.ErrorIs(t, err, output.ErrEncoderIncompatible)
		assert.Zero(t, k.Calls("setencoder"))
	})

	t.Run("invalid type and nil encoder", func(t *testing.T) {
		inst := newInstance(t, testutil.NewFakeKind("rtmp", output.MaskVideo), output.CapSetEncoder)
		assert.ErrorIs(t, inst.SetEncoder(h264, output.EncoderType(3)), output.ErrProtocolViolation)
		assert.ErrorIs(t, inst.SetEncoder(nil, output.EncoderVideo), output.ErrProtocolViolation)
	})

	t.Run("rebinding while active is a violation", func(t *testing.T) {
		k := testutil.NewFakeKind("rtmp", output.MaskVideo)
		inst := newInstance(t, k, output.CapSetEncoder)
		require.NoError(t, inst.SetEncoder(h264, output.EncoderVideo))
		require.NoError(t, inst.Start())

		assert.ErrorIs(t, inst.SetEncoder(h264, output.EncoderVideo), output.ErrProtocolViolation)
		assert.ErrorIs(t, inst.ClearEncoder(output.EncoderVideo), output.ErrProtocolViolation)
	})

	t.Run("clear encoder is authoritative over getencoder", func(t *testing.T) {
		k := testutil.NewFakeKind("rtmp", output.MaskVideo)
		inst := newInstance(t, k, output.CapSetEncoder|output.CapGetEncoder)
		require.NoError(t, inst.SetEncoder(h264, output.EncoderVideo))
		require.NoError(t, inst.ClearEncoder(output.EncoderVideo))

		// the module still holds h264; nothing unsets it there
		assert.NotNil(t, k.GetEncoder(k.Last(), output.EncoderVideo))
		_, ok := inst.Encoder(output.EncoderVideo)
		assert.False(t, ok)
		assert.ErrorIs(t, inst.Start(), output.ErrMissingEncoder)
	})

	t.Run("clear encoder blocks next start", func(t *testing.T) {
		k := testutil.NewFakeKind("file", output.MaskVideo)
		inst := newInstance(t, k, 0)
		require.NoError(t, inst.SetEncoder(h264, output.EncoderVideo))
		require.NoError(t, inst.ClearEncoder(output.EncoderVideo))
		assert.ErrorIs(t, inst.Start(), output.ErrMissingEncoder)
	})
}

func TestObserverSeesEveryEdge(t *testing.T) {
	var (
		mu     sync.Mutex
		events []output.Event
	)
	obs := output.ObserverFunc(func(ev output.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	k := testutil.NewFakeKind("raw", output.MaskNone)
	inst := newInstance(t, k, 0, output.WithObserver(obs))
	require.NoError(t, inst.Start())
	require.NoError(t, inst.Stop())
	require.NoError(t, inst.Stop())
	require.Error(t, inst.Pause())
	require.NoError(t, inst.Destroy())

	mu.Lock()
	defer mu.Unlock()
	var got []string
	for _, ev := range events {
		got = append(got, ev.Op+":"+ev.Result+":"+string(ev.To))
	}
	assert.Equal(t, []string{
		"create:ok:created",
		"start:ok:active",
		"stop:ok:ready",
		"stop:noop:ready",
		"pause:violation:ready",
		"destroy:ok:destroyed",
	}, got)
}

func TestSnapshot(t *testing.T) {
	k := testutil.NewFakeKind("file", output.MaskAV)
	inst := newInstance(t, k, output.CapPause|output.CapUpdate)
	require.NoError(t, inst.SetEncoder(h264, output.EncoderVideo))

	s := inst.Snapshot()
	assert.Equal(t, "file-1", s.Name)
	assert.Equal(t, "file", s.Kind)
	assert.Equal(t, output.StateReady, s.State)
	assert.False(t, s.Active)
	assert.Equal(t, "video|audio", s.Required)
	assert.Equal(t, []string{"update", "pause"}, s.Caps)
	assert.Equal(t, map[string]string{"video": "x264"}, s.Encoders)
}

func TestConcurrentQueriesDuringLifecycle(t *testing.T) {
	k := testutil.NewFakeKind("file", output.MaskVideo)
	inst := newInstance(t, k, output.CapGetEncoder|output.CapSetEncoder)
	require.NoError(t, inst.SetEncoder(h264, output.EncoderVideo))

	var wg sync.WaitGroup
	for n := 0; n < 8; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = inst.Active()
				_, _ = inst.Encoder(output.EncoderVideo)
				_ = inst.Snapshot()
			}
		}()
	}
	for j := 0; j < 50; j++ {
		require.NoError(t, inst.Start())
		require.NoError(t, inst.Stop())
	}
	wg.Wait()

	assert.Equal(t, 50, k.Calls("start"))
	assert.Equal(t, 50, k.Calls("stop"))
}
