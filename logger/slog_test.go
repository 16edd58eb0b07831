package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlogLevel(t *testing.T) {
	log := NewSlog(InfoLevel, false)
	require.Equal(t, InfoLevel, log.Level())

	log.SetLevel(DebugLevel)
	require.Equal(t, DebugLevel, log.Level())

	log.SetLevel(ErrorLevel)
	require.Equal(t, ErrorLevel, log.Level())
}

func TestSlogWith(t *testing.T) {
	log := NewSlog(WarnLevel, false)

	child := log.With("component", "test")
	require.NotNil(t, child)
	require.Equal(t, WarnLevel, child.Level(), "child shares the parent level")

	child.SetLevel(DebugLevel)
	require.Equal(t, DebugLevel, log.Level(), "level var is shared with the parent")
}

func TestDefaultLogger(t *testing.T) {
	def := GetLogger()
	require.NotNil(t, def)
	require.Equal(t, InfoLevel, def.Level())
}
