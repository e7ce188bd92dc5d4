package cache

import (
	"encoding/json"
	"fmt"
	"slices"

	gojson "github.com/goccy/go-json"

	"github.com/vovakirdan/shardproxy/internal/proto"
)

type guildRef struct {
	ID          string `json:"id"`
	Unavailable bool   `json:"unavailable"`
}

type userRef struct {
	ID string `json:"id"`
}

type emojiOut struct {
	Emoji
	User json.RawMessage `json:"user,omitempty"`
}

type memberOut struct {
	Member
	User json.RawMessage `json:"user,omitempty"`
}

type presenceOut struct {
	Presence
	User userRef `json:"user"`
}

type guildCreate struct {
	Guild
	Channels  []json.RawMessage `json:"channels"`
	Roles     []json.RawMessage `json:"roles"`
	Emojis    []emojiOut        `json:"emojis"`
	Members   []memberOut       `json:"members"`
	Presences []presenceOut     `json:"presences"`
}

// Snapshot synthesizes the frames a freshly identified client receives:
// one READY followed by one GUILD_CREATE or GUILD_DELETE per cached guild.
// ready holds the top-level READY fields; its "guilds" entry is replaced.
// Frames are numbered from seqBase+1.
func (c *Cache) Snapshot(ready map[string]json.RawMessage, seqBase int64) ([][]byte, error) {
	frames := make([][]byte, 0, len(c.guildOrder)+1)
	seq := seqBase

	payload := make(map[string]json.RawMessage, len(ready)+1)
	for k, v := range ready {
		payload[k] = v
	}
	guilds, err := gojson.Marshal(c.readyGuilds())
	if err != nil {
		return nil, fmt.Errorf("encode ready guilds: %w", err)
	}
	payload["guilds"] = guilds

	seq++
	frame, err := proto.Dispatch("READY", seq, payload)
	if err != nil {
		return nil, fmt.Errorf("encode ready: %w", err)
	}
	frames = append(frames, frame)

	for _, id := range c.guildOrder {
		g := c.guilds[id]
		seq++
		if g.Unavailable {
			frame, err = proto.Dispatch("GUILD_DELETE", seq, guildRef{ID: id, Unavailable: true})
		} else {
			frame, err = proto.Dispatch("GUILD_CREATE", seq, c.joinGuild(g))
		}
		if err != nil {
			return nil, fmt.Errorf("encode guild %s: %w", id, err)
		}
		frames = append(frames, frame)
	}

	return frames, nil
}

func (c *Cache) readyGuilds() []guildRef {
	refs := make([]guildRef, 0, len(c.guildOrder)+len(c.awaiting))
	for _, id := range c.guildOrder {
		refs = append(refs, guildRef{ID: id, Unavailable: true})
	}

	awaiting := make([]string, 0, len(c.awaiting))
	for id := range c.awaiting {
		if _, known := c.guilds[id]; !known {
			awaiting = append(awaiting, id)
		}
	}
	slices.Sort(awaiting)
	for _, id := range awaiting {
		refs = append(refs, guildRef{ID: id, Unavailable: true})
	}
	return refs
}

// joinGuild assembles a full guild object from the per-kind tables.
// Ids whose records are gone are skipped and missing users are omitted.
func (c *Cache) joinGuild(g *Guild) guildCreate {
	out := guildCreate{
		Guild:     *g,
		Channels:  []json.RawMessage{},
		Roles:     []json.RawMessage{},
		Emojis:    []emojiOut{},
		Members:   []memberOut{},
		Presences: []presenceOut{},
	}

	for _, id := range c.guildChannels[g.ID] {
		ch, ok := c.channels[id]
		if !ok || ch.IsThread() {
			continue
		}
		out.Channels = append(out.Channels, ch.Raw)
	}
	for _, id := range c.guildRoles[g.ID] {
		if r, ok := c.roles[id]; ok {
			out.Roles = append(out.Roles, r.Raw)
		}
	}
	for _, id := range c.guildEmojis[g.ID] {
		e, ok := c.emojis[id]
		if !ok {
			continue
		}
		eo := emojiOut{Emoji: *e}
		if u, ok := c.users[e.UserID]; ok {
			eo.User = u.Raw
		}
		out.Emojis = append(out.Emojis, eo)
	}
	for _, userID := range c.guildMembers[g.ID] {
		m, ok := c.members[memberKey(g.ID, userID)]
		if !ok {
			continue
		}
		mo := memberOut{Member: *m}
		if u, ok := c.users[userID]; ok {
			mo.User = u.Raw
		}
		out.Members = append(out.Members, mo)
	}
	for _, userID := range c.guildPresences[g.ID] {
		p, ok := c.presences[memberKey(g.ID, userID)]
		if !ok {
			continue
		}
		out.Presences = append(out.Presences, presenceOut{Presence: *p, User: userRef{ID: userID}})
	}

	return out
}
