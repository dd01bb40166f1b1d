package normalize

import (
	"strconv"
	"time"

	"forge/internal/domain"
)

// Discord interaction types.
const (
	DiscordPing               = 1
	DiscordApplicationCommand = 2
	DiscordMessageComponent   = 3
	DiscordAutocomplete       = 4
	DiscordModalSubmit        = 5
)

type discordUser struct {
	ID       flexID `json:"id"`
	Username string `json:"username"`
}

type discordInteraction struct {
	ID        flexID `json:"id"`
	Type      int    `json:"type"`
	GuildID   flexID `json:"guild_id"`
	ChannelID flexID `json:"channel_id"`
	Member    *struct {
		User *discordUser `json:"user"`
	} `json:"member"`
	User *discordUser `json:"user"`
	Data *struct {
		Name     string `json:"name"`
		CustomID string `json:"custom_id"`
	} `json:"data"`
}

// DiscordInteractionType reads only the interaction type, which decides the
// synchronous reply before any pipeline work happens.
func DiscordInteractionType(raw []byte) (int, error) {
	var in struct {
		Type int `json:"type"`
	}
	if err := decode(raw, &in); err != nil {
		return 0, err
	}
	if in.Type == 0 {
		return 0, invalid("interaction without type")
	}
	return in.Type, nil
}

// DiscordResponse is the interaction response body Discord expects for a type.
func DiscordResponse(interactionType int) map[string]any {
	switch interactionType {
	case DiscordPing:
		return map[string]any{"type": 1}
	case DiscordMessageComponent:
		return map[string]any{"type": 6}
	case DiscordAutocomplete:
		return map[string]any{"type": 8, "data": map[string]any{"choices": []any{}}}
	default:
		return map[string]any{"type": 5}
	}
}

// Discord normalizes interaction payloads. Pings are not normalized; the
// gateway answers them directly.
type Discord struct{}

func (Discord) Normalize(raw []byte, userID string, now time.Time) (Result, error) {
	var in discordInteraction
	if err := decode(raw, &in); err != nil {
		return Result{}, err
	}
	if in.ID == "" {
		return Result{}, invalid("interaction without id")
	}
	if in.Type == DiscordPing {
		return Result{}, invalid("ping interactions carry no event")
	}

	eventName := "interaction"
	payload := map[string]any{
		"channel":         domain.ChannelDiscord,
		"interactionId":   in.ID.String(),
		"interactionType": strconv.Itoa(in.Type),
	}
	putIf(payload, "guildId", in.GuildID.String())
	putIf(payload, "channelId", in.ChannelID.String())

	author := in.User
	if in.Member != nil && in.Member.User != nil {
		author = in.Member.User
	}
	if author != nil {
		putIf(payload, "userId", author.ID.String())
		putIf(payload, "username", author.Username)
	}
	if in.Data != nil {
		putIf(payload, "commandName", in.Data.Name)
		putIf(payload, "customId", in.Data.CustomID)
		switch {
		case in.Type == DiscordApplicationCommand && in.Data.Name != "":
			eventName = "command:" + in.Data.Name
		case in.Type == DiscordMessageComponent && in.Data.CustomID != "":
			eventName = "component:" + in.Data.CustomID
		}
	}
	payload["eventName"] = eventName

	sig := newSignal(userID, domain.SourceWebhook, domain.SignalActivity, 0.9, payload, now, now)
	evt := webhookEvent(userID, domain.ChannelDiscord, eventName, "discord:"+in.ID.String(), now, copyMap(payload))
	return Result{Signal: sig, Events: []domain.ForgeEvent{evt}}, nil
}
