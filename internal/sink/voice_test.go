package sink

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoiceOutputNotReady(t *testing.T) {
	assert.False(t, NewVoiceOutput(nil).Ready())
	assert.NoError(t, NewVoiceOutput(nil).Close())

	out := NewVoiceOutput(&discordgo.VoiceConnection{})
	assert.False(t, out.Ready())
	assert.ErrorIs(t, out.Send(context.Background(), []byte{1}), ErrVoiceNotReady)
}

func TestVoiceOutputSendsFrames(t *testing.T) {
	vc := &discordgo.VoiceConnection{Ready: true, OpusSend: make(chan []byte, 1)}
	out := NewVoiceOutput(vc)
	require.True(t, out.Ready())

	require.NoError(t, out.Send(context.Background(), []byte{0xF8}))
	assert.Equal(t, []byte{0xF8}, <-vc.OpusSend)

	vc.OpusSend <- []byte{0}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, out.Send(ctx, []byte{1}), context.Canceled)
}

func TestVoiceOutputReadyFollowsConnection(t *testing.T) {
	vc := &discordgo.VoiceConnection{OpusSend: make(chan []byte, 1)}
	out := NewVoiceOutput(vc)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			vc.Lock()
			vc.Ready = i%2 == 0
			vc.Unlock()
		}
	}()
	for i := 0; i < 100; i++ {
		_ = out.Ready()
	}
	wg.Wait()

	vc.Lock()
	vc.Ready = true
	vc.Unlock()
	assert.True(t, out.Ready())
}
