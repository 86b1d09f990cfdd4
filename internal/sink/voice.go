package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

const sendTimeout = time.Second

var (
	ErrFrameTimeout  = errors.New("timed out sending opus frame")
	ErrVoiceNotReady = errors.New("voice connection not established")
)

// VoiceOutput plays frames into a Discord voice channel.
type VoiceOutput struct {
	vc *discordgo.VoiceConnection
}

func NewVoiceOutput(vc *discordgo.VoiceConnection) *VoiceOutput {
	return &VoiceOutput{vc: vc}
}

func JoinVoice(s *discordgo.Session, guildID, channelID string) (*VoiceOutput, error) {
	if s == nil {
		return nil, fmt.Errorf("discord session is nil")
	}
	if guildID == "" || channelID == "" {
		return nil, fmt.Errorf("guild ID and channel ID are required")
	}

	vc, err := s.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return nil, err
	}
	return NewVoiceOutput(vc), nil
}

func (o *VoiceOutput) Ready() bool {
	_, ok := o.sendChan()
	return ok
}

// sendChan reads the connection state under the connection's own lock;
// discordgo flips Ready from its websocket goroutines.
func (o *VoiceOutput) sendChan() (chan []byte, bool) {
	if o.vc == nil {
		return nil, false
	}
	o.vc.RLock()
	defer o.vc.RUnlock()
	return o.vc.OpusSend, o.vc.Ready && o.vc.OpusSend != nil
}

func (o *VoiceOutput) Speaking(speaking bool) {
	if !o.Ready() {
		return
	}
	_ = o.vc.Speaking(speaking)
}

func (o *VoiceOutput) Send(ctx context.Context, frame []byte) error {
	send, ok := o.sendChan()
	if !ok {
		return ErrVoiceNotReady
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case send <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrFrameTimeout
	}
}

func (o *VoiceOutput) Close() error {
	if o.vc == nil {
		return nil
	}
	return o.vc.Disconnect()
}

// DiscardOutput accepts every frame and plays nothing. Used for dry runs.
type DiscardOutput struct {
	Frames int64
}

func (o *DiscardOutput) Ready() bool { return true }

func (o *DiscardOutput) Speaking(bool) {}

func (o *DiscardOutput) Send(context.Context, []byte) error {
	o.Frames++
	return nil
}
