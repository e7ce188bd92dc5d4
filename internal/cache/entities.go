package cache

import "encoding/json"

// Guild is the cached guild record. Unavailable guilds carry only their id.
type Guild struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Icon        *string `json:"icon,omitempty"`
	OwnerID     string  `json:"owner_id,omitempty"`
	MemberCount int     `json:"member_count,omitempty"`
	Unavailable bool    `json:"unavailable,omitempty"`
}

// Channel keeps the channel object as received; only routing fields are decoded.
type Channel struct {
	ID      string
	GuildID string
	Kind    int
	Raw     json.RawMessage
}

// IsThread reports whether the channel is a thread (types 10, 11, 12).
func (c *Channel) IsThread() bool {
	return c.Kind == 10 || c.Kind == 11 || c.Kind == 12
}

// Role keeps the role object as received.
type Role struct {
	ID      string
	GuildID string
	Raw     json.RawMessage
}

// Emoji is a custom emoji. The creator is referenced by id and joined from the users table.
type Emoji struct {
	ID            string   `json:"id"`
	GuildID       string   `json:"-"`
	Name          string   `json:"name"`
	Roles         []string `json:"roles,omitempty"`
	RequireColons bool     `json:"require_colons"`
	Managed       bool     `json:"managed"`
	Animated      bool     `json:"animated"`
	Available     bool     `json:"available"`
	UserID        string   `json:"-"`
}

// Member is a guild member. The user object lives in the users table.
type Member struct {
	GuildID                    string   `json:"-"`
	UserID                     string   `json:"-"`
	Avatar                     *string  `json:"avatar"`
	CommunicationDisabledUntil *string  `json:"communication_disabled_until"`
	Deaf                       bool     `json:"deaf"`
	Flags                      int      `json:"flags"`
	JoinedAt                   string   `json:"joined_at"`
	Mute                       bool     `json:"mute"`
	Nick                       *string  `json:"nick"`
	Pending                    bool     `json:"pending"`
	PremiumSince               *string  `json:"premium_since"`
	Roles                      []string `json:"roles"`
}

// Presence is a member's presence inside a guild.
type Presence struct {
	GuildID      string          `json:"guild_id"`
	UserID       string          `json:"-"`
	Status       string          `json:"status"`
	Activities   json.RawMessage `json:"activities,omitempty"`
	ClientStatus json.RawMessage `json:"client_status,omitempty"`
}

// User keeps the user object as received.
type User struct {
	ID  string
	Raw json.RawMessage
}

// memberKey joins guild and user ids. Snowflakes are decimal, so ':' never appears in them.
func memberKey(guildID, userID string) string {
	return guildID + ":" + userID
}
