// Package cache mirrors the guild state of one shard so that the proxy can
// synthesize an initial snapshot for every client that identifies.
//
// A Cache is owned by a single shard and is not safe for concurrent use;
// the shard serializes every mutation and snapshot on its own goroutine.
package cache

import "slices"

// Flags selects which entity kinds are cached. Guilds are always cached.
type Flags struct {
	Channels  bool `mapstructure:"channels" yaml:"channels"`
	Presences bool `mapstructure:"presences" yaml:"presences"`
	Emojis    bool `mapstructure:"emojis" yaml:"emojis"`
	Members   bool `mapstructure:"members" yaml:"members"`
	Roles     bool `mapstructure:"roles" yaml:"roles"`
}

// DefaultFlags caches channels and roles only. Presences, emojis and
// members grow with guild size and are opt-in.
func DefaultFlags() Flags {
	return Flags{Channels: true, Roles: true}
}

// AllFlags enables every entity kind.
func AllFlags() Flags {
	return Flags{Channels: true, Presences: true, Emojis: true, Members: true, Roles: true}
}

// Stats reports table sizes.
type Stats struct {
	Guilds            int `json:"guilds"`
	UnavailableGuilds int `json:"unavailable_guilds"`
	Channels          int `json:"channels"`
	Roles             int `json:"roles"`
	Emojis            int `json:"emojis"`
	Members           int `json:"members"`
	Presences         int `json:"presences"`
	Users             int `json:"users"`
}

// Cache holds the entity tables of one shard.
type Cache struct {
	flags Flags

	guilds     map[string]*Guild
	guildOrder []string
	// guilds announced by READY whose GUILD_CREATE has not arrived yet
	awaiting map[string]struct{}

	channels      map[string]*Channel
	guildChannels map[string][]string
	roles         map[string]*Role
	guildRoles    map[string][]string
	emojis        map[string]*Emoji
	guildEmojis   map[string][]string

	members        map[string]*Member
	guildMembers   map[string][]string
	presences      map[string]*Presence
	guildPresences map[string][]string
	users          map[string]*User
}

// New creates an empty cache.
func New(flags Flags) *Cache {
	return &Cache{
		flags:          flags,
		guilds:         make(map[string]*Guild),
		awaiting:       make(map[string]struct{}),
		channels:       make(map[string]*Channel),
		guildChannels:  make(map[string][]string),
		roles:          make(map[string]*Role),
		guildRoles:     make(map[string][]string),
		emojis:         make(map[string]*Emoji),
		guildEmojis:    make(map[string][]string),
		members:        make(map[string]*Member),
		guildMembers:   make(map[string][]string),
		presences:      make(map[string]*Presence),
		guildPresences: make(map[string][]string),
		users:          make(map[string]*User),
	}
}

// Apply dispatches an update to the matching upsert or removal.
func (c *Cache) Apply(u Update) {
	switch u := u.(type) {
	case GuildUpdate:
		c.applyGuild(u)
	case GuildUnavailable:
		c.MarkUnavailable(u.ID)
	case GuildRemove:
		c.RemoveGuild(u.ID)
	case ReadyGuilds:
		for _, id := range u.IDs {
			if _, known := c.guilds[id]; !known {
				c.awaiting[id] = struct{}{}
			}
		}
	case ChannelUpdate:
		if c.flags.Channels {
			c.UpsertChannel(u.Channel)
		}
	case ChannelDelete:
		c.RemoveChannel(u.GuildID, u.ID)
	case MemberUpdate:
		if c.flags.Members {
			c.upsertMemberUpdate(u)
		}
	case MemberRemove:
		c.RemoveMember(u.GuildID, u.UserID)
	case MembersChunk:
		if c.flags.Members {
			for _, m := range u.Members {
				c.upsertMemberUpdate(m)
			}
		}
		if c.flags.Presences {
			for _, p := range u.Presences {
				c.UpsertPresence(p)
			}
		}
	case PresenceUpdate:
		if c.flags.Presences {
			c.UpsertPresence(u.Presence)
		}
	case RoleUpdate:
		if c.flags.Roles {
			c.UpsertRole(u.Role)
		}
	case RoleDelete:
		c.RemoveRole(u.GuildID, u.ID)
	case EmojisUpdate:
		if c.flags.Emojis {
			for _, user := range u.Users {
				c.UpsertUser(user)
			}
			c.SetEmojis(u.GuildID, u.Emojis)
		}
	}
}

func (c *Cache) applyGuild(u GuildUpdate) {
	if !u.Full {
		if existing, ok := c.guilds[u.Guild.ID]; ok && !existing.Unavailable {
			c.UpsertGuild(u.Guild)
		}
		return
	}

	c.UpsertGuild(u.Guild)
	c.clearGuildEntities(u.Guild.ID)

	if c.flags.Channels {
		for _, ch := range u.Channels {
			c.UpsertChannel(ch)
		}
	}
	if c.flags.Roles {
		for _, r := range u.Roles {
			c.UpsertRole(r)
		}
	}
	if c.flags.Emojis {
		for _, user := range u.Users {
			c.UpsertUser(user)
		}
		c.SetEmojis(u.Guild.ID, u.Emojis)
	}
	if c.flags.Members {
		for _, m := range u.Members {
			c.upsertMemberUpdate(m)
		}
	}
	if c.flags.Presences {
		for _, p := range u.Presences {
			c.UpsertPresence(p)
		}
	}
}

// UpsertGuild stores an available guild, replacing any previous record.
func (c *Cache) UpsertGuild(g Guild) {
	g.Unavailable = false
	if _, known := c.guilds[g.ID]; !known {
		c.guildOrder = append(c.guildOrder, g.ID)
	}
	c.guilds[g.ID] = &g
	delete(c.awaiting, g.ID)
}

// MarkUnavailable turns a known guild into a placeholder and drops its
// entity lists. Unknown ids are remembered as awaiting data.
func (c *Cache) MarkUnavailable(guildID string) {
	if _, known := c.guilds[guildID]; !known {
		c.awaiting[guildID] = struct{}{}
		return
	}
	c.guilds[guildID] = &Guild{ID: guildID, Unavailable: true}
	c.clearGuildEntities(guildID)
}

// RemoveGuild forgets a guild and everything attached to it.
func (c *Cache) RemoveGuild(guildID string) {
	if _, known := c.guilds[guildID]; known {
		delete(c.guilds, guildID)
		c.guildOrder = removeID(c.guildOrder, guildID)
	}
	delete(c.awaiting, guildID)
	c.clearGuildEntities(guildID)
}

// Guild returns the guild record.
func (c *Cache) Guild(guildID string) (Guild, bool) {
	g, ok := c.guilds[guildID]
	if !ok {
		return Guild{}, false
	}
	return *g, true
}

// available reports whether child entities may be stored for the guild.
func (c *Cache) available(guildID string) bool {
	g, ok := c.guilds[guildID]
	return ok && !g.Unavailable
}

// UpsertChannel stores a channel of an available guild.
func (c *Cache) UpsertChannel(ch Channel) {
	if !c.available(ch.GuildID) {
		return
	}
	c.channels[ch.ID] = &ch
	c.guildChannels[ch.GuildID] = appendUnique(c.guildChannels[ch.GuildID], ch.ID)
}

// RemoveChannel deletes a channel.
func (c *Cache) RemoveChannel(guildID, channelID string) {
	delete(c.channels, channelID)
	c.guildChannels[guildID] = removeID(c.guildChannels[guildID], channelID)
}

// UpsertRole stores a role of an available guild.
func (c *Cache) UpsertRole(r Role) {
	if !c.available(r.GuildID) {
		return
	}
	c.roles[r.ID] = &r
	c.guildRoles[r.GuildID] = appendUnique(c.guildRoles[r.GuildID], r.ID)
}

// RemoveRole deletes a role.
func (c *Cache) RemoveRole(guildID, roleID string) {
	delete(c.roles, roleID)
	c.guildRoles[guildID] = removeID(c.guildRoles[guildID], roleID)
}

// UpsertEmoji stores a single emoji of an available guild.
func (c *Cache) UpsertEmoji(e Emoji) {
	if !c.available(e.GuildID) {
		return
	}
	c.emojis[e.ID] = &e
	c.guildEmojis[e.GuildID] = appendUnique(c.guildEmojis[e.GuildID], e.ID)
}

// SetEmojis replaces the whole emoji list of a guild.
func (c *Cache) SetEmojis(guildID string, emojis []Emoji) {
	if !c.available(guildID) {
		return
	}
	for _, id := range c.guildEmojis[guildID] {
		delete(c.emojis, id)
	}
	delete(c.guildEmojis, guildID)
	for _, e := range emojis {
		e.GuildID = guildID
		c.UpsertEmoji(e)
	}
}

// UpsertMember stores a member of an available guild.
func (c *Cache) UpsertMember(guildID, userID string, m Member) {
	if !c.available(guildID) || userID == "" {
		return
	}
	m.GuildID, m.UserID = guildID, userID
	c.members[memberKey(guildID, userID)] = &m
	c.guildMembers[guildID] = appendUnique(c.guildMembers[guildID], userID)
}

func (c *Cache) upsertMemberUpdate(u MemberUpdate) {
	if !c.available(u.Member.GuildID) {
		return
	}
	if u.User != nil {
		c.UpsertUser(*u.User)
	}
	c.UpsertMember(u.Member.GuildID, u.Member.UserID, u.Member)
}

// RemoveMember deletes a member and its presence.
func (c *Cache) RemoveMember(guildID, userID string) {
	key := memberKey(guildID, userID)
	delete(c.members, key)
	delete(c.presences, key)
	c.guildMembers[guildID] = removeID(c.guildMembers[guildID], userID)
	c.guildPresences[guildID] = removeID(c.guildPresences[guildID], userID)
}

// UpsertPresence stores a presence of an available guild.
func (c *Cache) UpsertPresence(p Presence) {
	if !c.available(p.GuildID) || p.UserID == "" {
		return
	}
	c.presences[memberKey(p.GuildID, p.UserID)] = &p
	c.guildPresences[p.GuildID] = appendUnique(c.guildPresences[p.GuildID], p.UserID)
}

// UpsertUser stores a user object.
func (c *Cache) UpsertUser(u User) {
	if u.ID == "" {
		return
	}
	c.users[u.ID] = &u
}

// Stats returns table sizes.
func (c *Cache) Stats() Stats {
	unavailable := len(c.awaiting)
	for _, g := range c.guilds {
		if g.Unavailable {
			unavailable++
		}
	}
	return Stats{
		Guilds:            len(c.guilds),
		UnavailableGuilds: unavailable,
		Channels:          len(c.channels),
		Roles:             len(c.roles),
		Emojis:            len(c.emojis),
		Members:           len(c.members),
		Presences:         len(c.presences),
		Users:             len(c.users),
	}
}

func (c *Cache) clearGuildEntities(guildID string) {
	for _, id := range c.guildChannels[guildID] {
		delete(c.channels, id)
	}
	for _, id := range c.guildRoles[guildID] {
		delete(c.roles, id)
	}
	for _, id := range c.guildEmojis[guildID] {
		delete(c.emojis, id)
	}
	for _, id := range c.guildMembers[guildID] {
		delete(c.members, memberKey(guildID, id))
	}
	for _, id := range c.guildPresences[guildID] {
		delete(c.presences, memberKey(guildID, id))
	}
	delete(c.guildChannels, guildID)
	delete(c.guildRoles, guildID)
	delete(c.guildEmojis, guildID)
	delete(c.guildMembers, guildID)
	delete(c.guildPresences, guildID)
}

func appendUnique(ids []string, id string) []string {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}

func removeID(ids []string, id string) []string {
	i := slices.Index(ids, id)
	if i < 0 {
		return ids
	}
	return slices.Delete(ids, i, i+1)
}
