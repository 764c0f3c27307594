package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridscout/go-ied/ied"
)

func TestSendCommandSBOWorkflow(t *testing.T) {
	require := require.New(t)

	transport := newFakeTransport()
	transport.models["BAY1/CSWI1.Pos"] = ied.SBONormal

	h := newHarness(t, transport)

	err := h.engine.SendCommand("BAY1/CSWI1.Pos", ied.BoolValue(true), ied.Originator{}, ied.OperateOptions{})
	require.NoError(err)

	res := h.awaitResult(t)
	require.True(res.Success)
	require.Equal("BAY1/CSWI1.Pos", res.Ref)
	require.Equal(uint8(1), res.CtlNum)
	require.Equal(ied.FailureNone, res.Class)

	// exactly one selection preceded the operate
	require.Equal(1, transport.selectCount())
	calls := transport.operateCalls()
	require.Len(calls, 1)
	require.Equal("BAY1/CSWI1.Pos", calls[0].ref)

	// default originator applied
	require.Equal(ied.OrCatStationControl, calls[0].origin.Cat)
	require.Equal(DefaultOriginatorIdent, calls[0].origin.Ident)

	require.Equal(ied.CtlIdle, h.engine.State("BAY1/CSWI1.Pos"))
}

func TestSendCommandDirectSkipsSelection(t *testing.T) {
	require := require.New(t)

	transport := newFakeTransport()
	transport.models["BAY1/CSWI2.Pos"] = ied.DirectNormal

	h := newHarness(t, transport)

	err := h.engine.SendCommand("BAY1/CSWI2.Pos", ied.BoolValue(false), ied.Originator{}, ied.OperateOptions{})
	require.NoError(err)

	res := h.awaitResult(t)
	require.True(res.Success)
	require.Equal(0, transport.selectCount())
	require.Len(transport.operateCalls(), 1)
}

func TestSendCommandSelectWithValue(t *testing.T) {
	require := require.New(t)

	transport := newFakeTransport()
	transport.models["BAY1/CSWI3.Pos"] = ied.SBOEnhanced

	h := newHarness(t, transport)

	value := ied.BoolValue(true)
	require.NoError(h.engine.SendCommand("BAY1/CSWI3.Pos", value, ied.Originator{}, ied.OperateOptions{}))

	res := h.awaitResult(t)
	require.True(res.Success)

	// enhanced SBO selection carries the intended value
	transport.mu.Lock()
	selectValues := append([]ied.Value(nil), transport.selectValues...)
	transport.mu.Unlock()
	require.Len(selectValues, 1)
	require.True(value.Equal(selectValues[0]))
}

func TestSendCommandUnresolvedPoint(t *testing.T) {
	require := require.New(t)

	transport := newFakeTransport()
	transport.models["BAY1/MMXU1.TotW"] = ied.StatusOnly

	h := newHarness(t, transport)

	err := h.engine.SendCommand("BAY1/MMXU1.TotW", ied.BoolValue(true), ied.Originator{}, ied.OperateOptions{})
	require.ErrorIs(err, ied.ErrUnresolvedPoint)

	err = h.engine.SendCommand("BAY1/NOPE1.Pos", ied.BoolValue(true), ied.Originator{}, ied.OperateOptions{})
	require.ErrorIs(err, ied.ErrUnresolvedPoint)
}

func TestSendCommandBusyPoint(t *testing.T) {
	require := require.New(t)

	transport := newFakeTransport()
	transport.models["BAY1/CSWI1.Pos"] = ied.DirectNormal
	gate := make(chan struct{})
	transport.operateGate = gate

	h := newHarness(t, transport)

	// warm the control point cache so the second dispatch is synchronous
	_, err := h.session.ControlPoint("BAY1/CSWI1.Pos")
	require.NoError(err)

	require.NoError(h.engine.SendCommand("BAY1/CSWI1.Pos", ied.BoolValue(true), ied.Originator{}, ied.OperateOptions{}))
	require.Eventually(func() bool {
		return h.engine.State("BAY1/CSWI1.Pos") == ied.CtlOperatePending
	}, time.Second, time.Millisecond)

	err = h.engine.SendCommand("BAY1/CSWI1.Pos", ied.BoolValue(false), ied.Originator{}, ied.OperateOptions{})
	require.ErrorIs(err, ied.ErrPointBusy)

	close(gate)

	res := h.awaitResult(t)
	require.True(res.Success)
	require.Len(transport.operateCalls(), 1)
}

func TestSendCommandServiceErrorDecoded(t *testing.T) {
	require := require.New(t)

	transport := newFakeTransport()
	transport.models["BAY1/CSWI1.Pos"] = ied.DirectNormal
	transport.operateCode = 3

	h := newHarness(t, transport)

	require.NoError(h.engine.SendCommand("BAY1/CSWI1.Pos", ied.BoolValue(true), ied.Originator{}, ied.OperateOptions{}))

	res := h.awaitResult(t)
	require.False(res.Success)
	require.Equal(ied.FailureControl, res.Class)
	require.Equal(ied.KindAccessViolation, res.Kind)
	require.Equal(3, res.Code)
	require.Equal(ied.CtlIdle, h.engine.State("BAY1/CSWI1.Pos"))
}

func TestSendCommandSelectRejected(t *testing.T) {
	require := require.New(t)

	transport := newFakeTransport()
	transport.models["BAY1/CSWI1.Pos"] = ied.SBONormal
	transport.selectCode = 2

	h := newHarness(t, transport)

	require.NoError(h.engine.SendCommand("BAY1/CSWI1.Pos", ied.BoolValue(true), ied.Originator{}, ied.OperateOptions{}))

	res := h.awaitResult(t)
	require.False(res.Success)
	require.Equal(ied.FailureControl, res.Class)
	require.Equal(ied.KindInstanceInUse, res.Kind)

	// the rejected selection never reaches the operate phase
	require.Empty(transport.operateCalls())
	require.Equal(ied.CtlIdle, h.engine.State("BAY1/CSWI1.Pos"))
}

func TestCtlNumSequence(t *testing.T) {
	require := require.New(t)

	transport := newFakeTransport()
	transport.models["BAY1/CSWI1.Pos"] = ied.SBONormal

	h := newHarness(t, transport)

	require.NoError(h.engine.SendCommand("BAY1/CSWI1.Pos", ied.BoolValue(true), ied.Originator{}, ied.OperateOptions{}))
	require.Equal(uint8(1), h.awaitResult(t).CtlNum)

	require.NoError(h.engine.SendCommand("BAY1/CSWI1.Pos", ied.BoolValue(false), ied.Originator{}, ied.OperateOptions{}))
	require.Equal(uint8(2), h.awaitResult(t).CtlNum)

	// a different originator runs its own counter
	require.NoError(h.engine.SendCommand("BAY1/CSWI1.Pos", ied.BoolValue(true),
		ied.Originator{Cat: ied.OrCatRemoteControl, Ident: "scada-b"}, ied.OperateOptions{}))
	require.Equal(uint8(1), h.awaitResult(t).CtlNum)

	// counter wraps at the protocol width
	rt, ok := h.engine.points.Load("BAY1/CSWI1.Pos")
	require.True(ok)
	rt.mu.Lock()
	rt.ctlNums[DefaultOriginatorIdent] = 255
	rt.mu.Unlock()

	require.NoError(h.engine.SendCommand("BAY1/CSWI1.Pos", ied.BoolValue(false), ied.Originator{}, ied.OperateOptions{}))
	require.Equal(uint8(0), h.awaitResult(t).CtlNum)
}

func TestSelectThenOperate(t *testing.T) {
	require := require.New(t)

	transport := newFakeTransport()
	transport.models["BAY1/CSWI1.Pos"] = ied.SBONormal

	h := newHarness(t, transport)

	require.NoError(h.engine.Select("BAY1/CSWI1.Pos", ied.BoolValue(true), ied.Originator{}))
	require.Eventually(func() bool {
		return h.engine.State("BAY1/CSWI1.Pos") == ied.CtlSelected
	}, time.Second, time.Millisecond)

	require.NoError(h.engine.Operate("BAY1/CSWI1.Pos", ied.BoolValue(true), ied.Originator{}, ied.OperateOptions{}))

	res := h.awaitResult(t)
	require.True(res.Success)
	require.Equal(1, transport.selectCount())
	require.Len(transport.operateCalls(), 1)
}

func TestOperateWithoutSelection(t *testing.T) {
	require := require.New(t)

	transport := newFakeTransport()
	transport.models["BAY1/CSWI1.Pos"] = ied.SBONormal

	h := newHarness(t, transport)

	err := h.engine.Operate("BAY1/CSWI1.Pos", ied.BoolValue(true), ied.Originator{}, ied.OperateOptions{})
	require.ErrorIs(err, ied.ErrNotSelected)
	require.Empty(transport.operateCalls())
}

func TestSelectLeaseExpiry(t *testing.T) {
	require := require.New(t)

	transport := newFakeTransport()
	transport.models["BAY1/CSWI1.Pos"] = ied.SBONormal

	h := newHarness(t, transport, WithSelectTimeout(1*time.Second))

	require.NoError(h.engine.Select("BAY1/CSWI1.Pos", ied.BoolValue(true), ied.Originator{}))
	require.Eventually(func() bool {
		return h.engine.State("BAY1/CSWI1.Pos") == ied.CtlSelected
	}, time.Second, time.Millisecond)

	res := h.awaitResult(t)
	require.False(res.Success)
	require.Equal(ied.FailureTimeout, res.Class)
	require.Equal(ied.CtlIdle, h.engine.State("BAY1/CSWI1.Pos"))

	// exactly one result for the lapsed lease
	h.requireNoResult(t, 200*time.Millisecond)

	// an operate after expiry is rejected, never issued on the stale selection
	err := h.engine.Operate("BAY1/CSWI1.Pos", ied.BoolValue(true), ied.Originator{}, ied.OperateOptions{})
	require.ErrorIs(err, ied.ErrNotSelected)
	require.Empty(transport.operateCalls())
}

func TestCancel(t *testing.T) {
	require := require.New(t)

	t.Run("Idle point is a no-op", func(t *testing.T) {
		transport := newFakeTransport()
		transport.models["BAY1/CSWI1.Pos"] = ied.SBONormal
		h := newHarness(t, transport)

		require.NoError(h.engine.Cancel("BAY1/CSWI1.Pos"))
		require.Equal(0, transport.cancelCount())
	})

	t.Run("Held selection is released", func(t *testing.T) {
		transport := newFakeTransport()
		transport.models["BAY1/CSWI1.Pos"] = ied.SBONormal
		h := newHarness(t, transport)

		require.NoError(h.engine.Select("BAY1/CSWI1.Pos", ied.BoolValue(true), ied.Originator{}))
		require.Eventually(func() bool {
			return h.engine.State("BAY1/CSWI1.Pos") == ied.CtlSelected
		}, time.Second, time.Millisecond)

		require.NoError(h.engine.Cancel("BAY1/CSWI1.Pos"))
		require.Equal(ied.CtlIdle, h.engine.State("BAY1/CSWI1.Pos"))
		require.Eventually(func() bool { return transport.cancelCount() == 1 }, time.Second, time.Millisecond)

		// the invalidated lease never fires a timeout result
		h.requireNoResult(t, 200*time.Millisecond)
	})

	t.Run("In-flight operate cannot be cancelled", func(t *testing.T) {
		transport := newFakeTransport()
		transport.models["BAY1/CSWI1.Pos"] = ied.DirectNormal
		gate := make(chan struct{})
		transport.operateGate = gate

		h := newHarness(t, transport)

		require.NoError(h.engine.SendCommand("BAY1/CSWI1.Pos", ied.BoolValue(true), ied.Originator{}, ied.OperateOptions{}))
		require.Eventually(func() bool {
			return h.engine.State("BAY1/CSWI1.Pos") == ied.CtlOperatePending
		}, time.Second, time.Millisecond)

		require.ErrorIs(h.engine.Cancel("BAY1/CSWI1.Pos"), ied.ErrCancelNotAllowed)

		close(gate)
		require.True(h.awaitResult(t).Success)
	})
}

func TestOperateFallback(t *testing.T) {
	require := require.New(t)

	t.Run("Path variants tried in priority order", func(t *testing.T) {
		transport := newFakeTransport()
		transport.models["LD1/CSWI1.Pos"] = ied.DirectNormal
		transport.caps = ied.Capabilities{ControlObjects: false}
		transport.writeErrs["LD1/CSWI1$CO$Pos$Oper"] = errAddressUnknown
		transport.writeErrs["LD1/CSWI1.CO.Pos.Oper"] = errAddressUnknown

		h := newHarness(t, transport)

		require.NoError(h.engine.SendCommand("LD1/CSWI1.Pos", ied.BoolValue(true), ied.Originator{}, ied.OperateOptions{}))

		res := h.awaitResult(t)
		require.True(res.Success)

		require.Equal([]string{
			"LD1/CSWI1$CO$Pos$Oper",
			"LD1/CSWI1.CO.Pos.Oper",
			"LD1/CSWI1.Pos.Oper",
		}, transport.writeLog())

		// the select/operate services are never touched without device support
		require.Equal(0, transport.selectCount())
		require.Empty(transport.operateCalls())
	})

	t.Run("First acknowledged path wins", func(t *testing.T) {
		transport := newFakeTransport()
		transport.models["LD1/CSWI1.Pos"] = ied.DirectNormal
		transport.caps = ied.Capabilities{ControlObjects: false}

		h := newHarness(t, transport)

		require.NoError(h.engine.SendCommand("LD1/CSWI1.Pos", ied.BoolValue(true), ied.Originator{}, ied.OperateOptions{}))
		require.True(h.awaitResult(t).Success)
		require.Equal([]string{"LD1/CSWI1$CO$Pos$Oper"}, transport.writeLog())
	})

	t.Run("All paths rejected", func(t *testing.T) {
		transport := newFakeTransport()
		transport.models["LD1/CSWI1.Pos"] = ied.DirectNormal
		transport.caps = ied.Capabilities{ControlObjects: false}
		transport.writeErrs["LD1/CSWI1$CO$Pos$Oper"] = errAddressUnknown
		transport.writeErrs["LD1/CSWI1.CO.Pos.Oper"] = errAddressUnknown
		transport.writeErrs["LD1/CSWI1.Pos.Oper"] = errAddressUnknown

		h := newHarness(t, transport)

		require.NoError(h.engine.SendCommand("LD1/CSWI1.Pos", ied.BoolValue(true), ied.Originator{}, ied.OperateOptions{}))

		res := h.awaitResult(t)
		require.False(res.Success)
		require.Equal(ied.FailureConnection, res.Class)
		require.Len(transport.writeLog(), 3)
	})

	t.Run("SBO model skips selection without device support", func(t *testing.T) {
		transport := newFakeTransport()
		transport.models["LD1/CSWI1.Pos"] = ied.SBONormal
		transport.caps = ied.Capabilities{ControlObjects: false}

		h := newHarness(t, transport)

		require.NoError(h.engine.SendCommand("LD1/CSWI1.Pos", ied.BoolValue(true), ied.Originator{}, ied.OperateOptions{}))
		require.True(h.awaitResult(t).Success)
		require.Equal(0, transport.selectCount())
	})
}

func TestEngineReset(t *testing.T) {
	require := require.New(t)

	transport := newFakeTransport()
	transport.models["BAY1/CSWI1.Pos"] = ied.SBONormal

	h := newHarness(t, transport)

	require.NoError(h.engine.Select("BAY1/CSWI1.Pos", ied.BoolValue(true), ied.Originator{}))
	require.Eventually(func() bool {
		return h.engine.State("BAY1/CSWI1.Pos") == ied.CtlSelected
	}, time.Second, time.Millisecond)

	h.engine.Reset("transport lost")

	res := h.awaitResult(t)
	require.False(res.Success)
	require.Equal(ied.FailureConnection, res.Class)
	require.Equal("transport lost", res.Message)
	require.Equal(ied.CtlIdle, h.engine.State("BAY1/CSWI1.Pos"))

	// the invalidated lease never fires a second result
	h.requireNoResult(t, 200*time.Millisecond)

	// idle points publish nothing on a second reset
	h.engine.Reset("again")
	h.requireNoResult(t, 100*time.Millisecond)
}

func TestOperPathVariants(t *testing.T) {
	require := require.New(t)

	require.Equal([]string{
		"LD1/CSWI1$CO$Pos$Oper",
		"LD1/CSWI1.CO.Pos.Oper",
		"LD1/CSWI1.Pos.Oper",
	}, operPathVariants("LD1/CSWI1.Pos"))

	// nested data objects flatten into the MMS form
	require.Equal([]string{
		"LD1/GGIO1$CO$SPCSO$sub$Oper",
		"LD1/GGIO1.CO.SPCSO.sub.Oper",
		"LD1/GGIO1.SPCSO.sub.Oper",
	}, operPathVariants("LD1/GGIO1.SPCSO.sub"))

	// references without the expected shape degrade to a plain suffix pair
	require.Equal([]string{"weird$Oper", "weird.Oper"}, operPathVariants("weird"))
}
