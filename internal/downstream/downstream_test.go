package downstream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSDKSessionListChangedHooksAreOptional(t *testing.T) {
	s := &SDKSession{}
	require.NoError(t, s.SendToolListChanged(context.Background()))
	require.NoError(t, s.SendResourceListChanged(context.Background()))
	require.NoError(t, s.SendPromptListChanged(context.Background()))
}

func TestSDKSessionToolListChangedInvokesHook(t *testing.T) {
	called := false
	s := &SDKSession{OnToolListChanged: func(context.Context) error {
		called = true
		return nil
	}}
	require.NoError(t, s.SendToolListChanged(context.Background()))
	require.True(t, called)
}

func TestSDKSessionNilSessionIsNoop(t *testing.T) {
	s := &SDKSession{}
	require.NoError(t, s.SendLogMessage(context.Background(), "info", "test", nil))
	require.NoError(t, s.SendProgressNotification(context.Background(), "tok", 1, 2, "halfway"))
	require.NoError(t, s.SendResourceUpdated(context.Background(), "file:///a"))
}
