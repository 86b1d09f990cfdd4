package bot

import (
	"errors"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/hxnx/calmstream/config"
	"github.com/hxnx/calmstream/internal/sink"
	"github.com/rs/zerolog"
)

var ErrNoToken = errors.New("discord token is not configured")

// Bot owns the Discord gateway session the voice output rides on and keeps
// the bot's presence in step with what is playing.
type Bot struct {
	config  *config.Config
	session *discordgo.Session
	logger  zerolog.Logger

	mu           sync.Mutex
	nowPlaying   func() string
	lastStatus   string
	started      bool
	presenceStop chan struct{}
}

func New(cfg *config.Config, logger zerolog.Logger) (*Bot, error) {
	if cfg.DiscordToken == "" {
		return nil, ErrNoToken
	}

	s, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	return &Bot{
		config:  cfg,
		session: s,
		logger:  logger.With().Str("component", "discord").Logger(),
	}, nil
}

// OnNowPlaying sets the source of the presence text.
func (b *Bot) OnNowPlaying(fn func() string) {
	b.mu.Lock()
	b.nowPlaying = fn
	b.mu.Unlock()
}

func (b *Bot) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		if s.State != nil && s.State.User != nil {
			b.logger.Info().Str("user", s.State.User.Username).Msg("discord session ready")
		} else {
			b.logger.Info().Msg("discord session ready")
		}
	})

	if err := b.session.Open(); err != nil {
		return err
	}

	b.startPresenceUpdater()
	b.started = true
	return nil
}

// JoinVoice connects to the configured voice channel.
func (b *Bot) JoinVoice() (*sink.VoiceOutput, error) {
	return sink.JoinVoice(b.session, b.config.DiscordGuildID, b.config.DiscordChannelID)
}

func (b *Bot) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	b.stopPresenceUpdater()
	b.mu.Unlock()

	if err := b.session.Close(); err != nil {
		return err
	}
	b.logger.Info().Msg("discord session closed")
	return nil
}
