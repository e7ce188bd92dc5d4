package cache

import (
	"encoding/json"
	"fmt"

	gojson "github.com/goccy/go-json"
)

// Update is one cache mutation derived from a dispatch frame.
// The concrete type says which table it touches.
type Update interface {
	isUpdate()
}

// GuildUpdate replaces a guild record. Full updates (GUILD_CREATE) also
// replace the guild's channel, role, emoji, member and presence lists.
type GuildUpdate struct {
	Guild     Guild
	Full      bool
	Channels  []Channel
	Roles     []Role
	Emojis    []Emoji
	Members   []MemberUpdate
	Presences []Presence
	Users     []User
}

// GuildUnavailable marks a guild as temporarily unavailable.
type GuildUnavailable struct{ ID string }

// GuildRemove drops a guild the session left.
type GuildRemove struct{ ID string }

// ReadyGuilds lists the guilds announced by READY that still await their data.
type ReadyGuilds struct{ IDs []string }

// ChannelUpdate replaces a guild channel.
type ChannelUpdate struct{ Channel Channel }

// ChannelDelete removes a guild channel.
type ChannelDelete struct{ GuildID, ID string }

// MemberUpdate replaces a member and, when present, its user object.
type MemberUpdate struct {
	Member Member
	User   *User
}

// MemberRemove removes a member and its presence.
type MemberRemove struct{ GuildID, UserID string }

// MembersChunk carries a batch of members requested by a client.
type MembersChunk struct {
	GuildID   string
	Members   []MemberUpdate
	Presences []Presence
}

// PresenceUpdate replaces a member's presence.
type PresenceUpdate struct{ Presence Presence }

// RoleUpdate replaces a role.
type RoleUpdate struct{ Role Role }

// RoleDelete removes a role.
type RoleDelete struct{ GuildID, ID string }

// EmojisUpdate replaces the whole emoji list of a guild.
type EmojisUpdate struct {
	GuildID string
	Emojis  []Emoji
	Users   []User
}

func (GuildUpdate) isUpdate()      {}
func (GuildUnavailable) isUpdate() {}
func (GuildRemove) isUpdate()      {}
func (ReadyGuilds) isUpdate()      {}
func (ChannelUpdate) isUpdate()    {}
func (ChannelDelete) isUpdate()    {}
func (MemberUpdate) isUpdate()     {}
func (MemberRemove) isUpdate()     {}
func (MembersChunk) isUpdate()     {}
func (PresenceUpdate) isUpdate()   {}
func (RoleUpdate) isUpdate()       {}
func (RoleDelete) isUpdate()       {}
func (EmojisUpdate) isUpdate()     {}

// Relevant reports whether Classify produces updates for the event type.
func Relevant(eventType string) bool {
	switch eventType {
	case "READY", "GUILD_CREATE", "GUILD_UPDATE", "GUILD_DELETE",
		"CHANNEL_CREATE", "CHANNEL_UPDATE", "CHANNEL_DELETE",
		"GUILD_MEMBER_ADD", "GUILD_MEMBER_UPDATE", "GUILD_MEMBER_REMOVE", "GUILD_MEMBERS_CHUNK",
		"PRESENCE_UPDATE",
		"GUILD_ROLE_CREATE", "GUILD_ROLE_UPDATE", "GUILD_ROLE_DELETE",
		"GUILD_EMOJIS_UPDATE":
		return true
	}
	return false
}

type entityRef struct {
	ID      string `json:"id"`
	GuildID string `json:"guild_id"`
	Type    int    `json:"type"`
}

type emojiPayload struct {
	Emoji
	User json.RawMessage `json:"user"`
}

type memberPayload struct {
	Member
	GuildID string          `json:"guild_id"`
	User    json.RawMessage `json:"user"`
}

type presencePayload struct {
	Presence
	User entityRef `json:"user"`
}

type guildPayload struct {
	Guild
	Channels  []json.RawMessage `json:"channels"`
	Roles     []json.RawMessage `json:"roles"`
	Emojis    []emojiPayload    `json:"emojis"`
	Members   []memberPayload   `json:"members"`
	Presences []presencePayload `json:"presences"`
}

// Classify turns the "d" field of a dispatch frame into cache updates.
// Unknown event types yield no updates.
func Classify(eventType string, data []byte) ([]Update, error) {
	switch eventType {
	case "READY":
		var p struct {
			Guilds []entityRef `json:"guilds"`
		}
		if err := decode(eventType, data, &p); err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(p.Guilds))
		for _, g := range p.Guilds {
			ids = append(ids, g.ID)
		}
		return []Update{ReadyGuilds{IDs: ids}}, nil

	case "GUILD_CREATE", "GUILD_UPDATE":
		var p guildPayload
		if err := decode(eventType, data, &p); err != nil {
			return nil, err
		}
		if p.Unavailable {
			return []Update{GuildUnavailable{ID: p.ID}}, nil
		}
		u, err := p.toUpdate(eventType == "GUILD_CREATE")
		if err != nil {
			return nil, err
		}
		return []Update{u}, nil

	case "GUILD_DELETE":
		var p Guild
		if err := decode(eventType, data, &p); err != nil {
			return nil, err
		}
		if p.Unavailable {
			return []Update{GuildUnavailable{ID: p.ID}}, nil
		}
		return []Update{GuildRemove{ID: p.ID}}, nil

	case "CHANNEL_CREATE", "CHANNEL_UPDATE":
		ch, err := channelFrom(data, "")
		if err != nil {
			return nil, err
		}
		if ch.GuildID == "" {
			return nil, nil
		}
		return []Update{ChannelUpdate{Channel: ch}}, nil

	case "CHANNEL_DELETE":
		var p entityRef
		if err := decode(eventType, data, &p); err != nil {
			return nil, err
		}
		if p.GuildID == "" {
			return nil, nil
		}
		return []Update{ChannelDelete{GuildID: p.GuildID, ID: p.ID}}, nil

	case "GUILD_MEMBER_ADD", "GUILD_MEMBER_UPDATE":
		var p memberPayload
		if err := decode(eventType, data, &p); err != nil {
			return nil, err
		}
		m, err := p.toUpdate(p.GuildID)
		if err != nil {
			return nil, err
		}
		return []Update{m}, nil

	case "GUILD_MEMBER_REMOVE":
		var p struct {
			GuildID string    `json:"guild_id"`
			User    entityRef `json:"user"`
		}
		if err := decode(eventType, data, &p); err != nil {
			return nil, err
		}
		return []Update{MemberRemove{GuildID: p.GuildID, UserID: p.User.ID}}, nil

	case "GUILD_MEMBERS_CHUNK":
		var p struct {
			GuildID   string            `json:"guild_id"`
			Members   []memberPayload   `json:"members"`
			Presences []presencePayload `json:"presences"`
		}
		if err := decode(eventType, data, &p); err != nil {
			return nil, err
		}
		chunk := MembersChunk{GuildID: p.GuildID}
		for i := range p.Members {
			m, err := p.Members[i].toUpdate(p.GuildID)
			if err != nil {
				return nil, err
			}
			chunk.Members = append(chunk.Members, m)
		}
		for i := range p.Presences {
			chunk.Presences = append(chunk.Presences, p.Presences[i].toPresence(p.GuildID))
		}
		return []Update{chunk}, nil

	case "PRESENCE_UPDATE":
		var p presencePayload
		if err := decode(eventType, data, &p); err != nil {
			return nil, err
		}
		return []Update{PresenceUpdate{Presence: p.toPresence(p.GuildID)}}, nil

	case "GUILD_ROLE_CREATE", "GUILD_ROLE_UPDATE":
		var p struct {
			GuildID string          `json:"guild_id"`
			Role    json.RawMessage `json:"role"`
		}
		if err := decode(eventType, data, &p); err != nil {
			return nil, err
		}
		r, err := roleFrom(p.Role, p.GuildID)
		if err != nil {
			return nil, err
		}
		return []Update{RoleUpdate{Role: r}}, nil

	case "GUILD_ROLE_DELETE":
		var p struct {
			GuildID string `json:"guild_id"`
			RoleID  string `json:"role_id"`
		}
		if err := decode(eventType, data, &p); err != nil {
			return nil, err
		}
		return []Update{RoleDelete{GuildID: p.GuildID, ID: p.RoleID}}, nil

	case "GUILD_EMOJIS_UPDATE":
		var p struct {
			GuildID string         `json:"guild_id"`
			Emojis  []emojiPayload `json:"emojis"`
		}
		if err := decode(eventType, data, &p); err != nil {
			return nil, err
		}
		u := EmojisUpdate{GuildID: p.GuildID}
		for i := range p.Emojis {
			e, user, err := p.Emojis[i].toEmoji(p.GuildID)
			if err != nil {
				return nil, err
			}
			u.Emojis = append(u.Emojis, e)
			if user != nil {
				u.Users = append(u.Users, *user)
			}
		}
		return []Update{u}, nil
	}

	return nil, nil
}

func decode(eventType string, data []byte, v any) error {
	if err := gojson.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", eventType, err)
	}
	return nil
}

func (p *guildPayload) toUpdate(full bool) (GuildUpdate, error) {
	u := GuildUpdate{Guild: p.Guild, Full: full}
	u.Guild.Unavailable = false
	if !full {
		return u, nil
	}

	for _, raw := range p.Channels {
		ch, err := channelFrom(raw, p.ID)
		if err != nil {
			return u, err
		}
		u.Channels = append(u.Channels, ch)
	}
	for _, raw := range p.Roles {
		r, err := roleFrom(raw, p.ID)
		if err != nil {
			return u, err
		}
		u.Roles = append(u.Roles, r)
	}
	for i := range p.Emojis {
		e, user, err := p.Emojis[i].toEmoji(p.ID)
		if err != nil {
			return u, err
		}
		u.Emojis = append(u.Emojis, e)
		if user != nil {
			u.Users = append(u.Users, *user)
		}
	}
	for i := range p.Members {
		m, err := p.Members[i].toUpdate(p.ID)
		if err != nil {
			return u, err
		}
		u.Members = append(u.Members, m)
	}
	for i := range p.Presences {
		u.Presences = append(u.Presences, p.Presences[i].toPresence(p.ID))
	}
	return u, nil
}

func (p *memberPayload) toUpdate(guildID string) (MemberUpdate, error) {
	m := MemberUpdate{Member: p.Member}
	m.Member.GuildID = guildID

	user, err := userFrom(p.User)
	if err != nil {
		return m, err
	}
	if user != nil {
		m.Member.UserID = user.ID
		m.User = user
	}
	return m, nil
}

func (p *presencePayload) toPresence(guildID string) Presence {
	pr := p.Presence
	pr.GuildID = guildID
	pr.UserID = p.User.ID
	return pr
}

func (p *emojiPayload) toEmoji(guildID string) (Emoji, *User, error) {
	e := p.Emoji
	e.GuildID = guildID

	user, err := userFrom(p.User)
	if err != nil {
		return e, nil, err
	}
	if user != nil {
		e.UserID = user.ID
	}
	return e, user, nil
}

func channelFrom(raw json.RawMessage, guildID string) (Channel, error) {
	var ref entityRef
	if err := decode("channel", raw, &ref); err != nil {
		return Channel{}, err
	}
	if ref.GuildID != "" {
		guildID = ref.GuildID
	}
	return Channel{ID: ref.ID, GuildID: guildID, Kind: ref.Type, Raw: raw}, nil
}

func roleFrom(raw json.RawMessage, guildID string) (Role, error) {
	var ref entityRef
	if err := decode("role", raw, &ref); err != nil {
		return Role{}, err
	}
	return Role{ID: ref.ID, GuildID: guildID, Raw: raw}, nil
}

func userFrom(raw json.RawMessage) (*User, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var ref entityRef
	if err := decode("user", raw, &ref); err != nil {
		return nil, err
	}
	if ref.ID == "" {
		return nil, nil
	}
	return &User{ID: ref.ID, Raw: raw}, nil
}
