package smatcp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weighlab/go-sma/logger"
	"github.com/weighlab/go-sma/sma"
)

func newTestCorrelator() (*correlator, *ConnectionMetrics) {
	metrics := &ConnectionMetrics{}
	return newCorrelator(logger.GetLogger(), metrics), metrics
}

func TestCorrelator_Begin(t *testing.T) {
	t.Run("Second Command Rejected While Pending", func(t *testing.T) {
		corr, _ := newTestCorrelator()

		pr, err := corr.begin(sma.CmdReadWeight)
		require.NoError(t, err)
		require.NotNil(t, pr)

		_, err = corr.begin(sma.CmdZero)
		require.ErrorIs(t, err, sma.ErrBusy)
	})

	t.Run("New Command Allowed After Resolve", func(t *testing.T) {
		corr, _ := newTestCorrelator()

		pr, err := corr.begin(sma.CmdReadWeight)
		require.NoError(t, err)
		require.True(t, corr.resolve(pr, nil, sma.ErrTimeout))
		<-pr.done

		_, err = corr.begin(sma.CmdZero)
		require.NoError(t, err)
	})
}

func TestCorrelator_Resolve(t *testing.T) {
	t.Run("Exactly Once", func(t *testing.T) {
		corr, _ := newTestCorrelator()

		pr, err := corr.begin(sma.CmdReadWeight)
		require.NoError(t, err)

		require.True(t, corr.resolve(pr, nil, sma.ErrTimeout))
		require.False(t, corr.resolve(pr, nil, errors.New("late")), "second resolve must lose")

		res := <-pr.done
		require.ErrorIs(t, res.err, sma.ErrTimeout)
	})

	t.Run("Stale Request Ignored", func(t *testing.T) {
		corr, _ := newTestCorrelator()

		stale, err := corr.begin(sma.CmdReadWeight)
		require.NoError(t, err)
		require.True(t, corr.resolve(stale, nil, sma.ErrTimeout))
		<-stale.done

		fresh, err := corr.begin(sma.CmdZero)
		require.NoError(t, err)

		require.False(t, corr.resolve(stale, nil, errors.New("stale")))
		require.True(t, corr.resolve(fresh, nil, nil))
	})
}

func TestCorrelator_AbortPending(t *testing.T) {
	t.Run("Aborts In Flight Command", func(t *testing.T) {
		corr, _ := newTestCorrelator()

		pr, err := corr.begin(sma.CmdReadWeight)
		require.NoError(t, err)

		require.True(t, corr.abortPending(sma.ErrConnectionLost))

		res := <-pr.done
		require.ErrorIs(t, res.err, sma.ErrConnectionLost)
	})

	t.Run("No Pending Command", func(t *testing.T) {
		corr, _ := newTestCorrelator()
		require.False(t, corr.abortPending(sma.ErrClosed))
	})
}

func TestCorrelator_OnLine(t *testing.T) {
	t.Run("Weight Response", func(t *testing.T) {
		corr, _ := newTestCorrelator()

		pr, err := corr.begin(sma.CmdReadWeight)
		require.NoError(t, err)

		corr.onLine([]byte("N     +   0.1234 g  "))

		res := <-pr.done
		require.NoError(t, res.err)

		wf, ok := res.frame.(*sma.WeightFrame)
		require.True(t, ok)
		require.Equal(t, 0.1234, wf.Reading.Mass)
		require.Equal(t, "g", wf.Reading.Units)
		require.True(t, wf.Reading.Stable)
	})

	t.Run("Info Response", func(t *testing.T) {
		corr, _ := newTestCorrelator()

		pr, err := corr.begin(sma.CmdReadModel)
		require.NoError(t, err)

		corr.onLine([]byte("SIWADCP-1-"))

		res := <-pr.done
		require.NoError(t, res.err)

		inf, ok := res.frame.(*sma.InfoFrame)
		require.True(t, ok)
		require.Equal(t, "SIWADCP-1-", inf.Text)
	})

	t.Run("Ack Response", func(t *testing.T) {
		corr, _ := newTestCorrelator()

		pr, err := corr.begin(sma.CmdZero)
		require.NoError(t, err)

		corr.onLine([]byte("N     +    0.000 kg "))

		res := <-pr.done
		require.NoError(t, res.err)
		require.Nil(t, res.frame, "acknowledgement carries no frame")
	})

	t.Run("Decode Failure", func(t *testing.T) {
		corr, metrics := newTestCorrelator()

		pr, err := corr.begin(sma.CmdReadWeight)
		require.NoError(t, err)

		corr.onLine([]byte("garbage"))

		res := <-pr.done
		require.ErrorIs(t, res.err, sma.ErrMalformedFrame)
		require.Nil(t, res.frame)
		require.Equal(t, uint64(1), metrics.DecodeErrCount.Load())
	})

	t.Run("Status Reply", func(t *testing.T) {
		corr, _ := newTestCorrelator()

		pr, err := corr.begin(sma.CmdReadWeight)
		require.NoError(t, err)

		corr.onLine([]byte("Stat     OFF        "))

		res := <-pr.done
		var statusErr *sma.StatusError
		require.ErrorAs(t, res.err, &statusErr)
		require.Equal(t, "OFF", statusErr.Status)
	})

	t.Run("Unsolicited Line Dropped", func(t *testing.T) {
		corr, metrics := newTestCorrelator()

		corr.onLine([]byte("N     +   0.1234 g  "))
		corr.onLine([]byte("N     +   0.1235 g  "))

		require.Equal(t, uint64(2), metrics.UnsolicitedDropCount.Load())
	})

	t.Run("Late Line After Timeout Dropped", func(t *testing.T) {
		corr, metrics := newTestCorrelator()

		pr, err := corr.begin(sma.CmdReadWeight)
		require.NoError(t, err)
		require.True(t, corr.resolve(pr, nil, sma.ErrTimeout))
		<-pr.done

		corr.onLine([]byte("N     +   0.1234 g  "))
		require.Equal(t, uint64(1), metrics.UnsolicitedDropCount.Load())
	})
}
