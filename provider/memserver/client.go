package memserver

import (
	"context"

	"github.com/teranos/roster/group"
)

// Client is a group.StateProvider bound to one caller identity.
type Client struct {
	server *Server
	self   group.Identity
}

// ClientFor registers self in the directory (keeping any explicit capability)
// and returns a provider that acts as self.
func (s *Server) ClientFor(self group.Self) *Client {
	s.mu.Lock()
	p, ok := s.profiles[self.Identity]
	s.mu.Unlock()
	if !ok {
		p = group.Profile{Identity: self.Identity, Capability: group.CapabilitySupported}
	}
	p.ProfileKey = self.ProfileKey
	s.Register(p)
	return &Client{server: s, self: self.Identity}
}

var (
	_ group.StateProvider    = (*Client)(nil)
	_ group.ProfileDirectory = (*Client)(nil)
)

func (c *Client) CurrentState(ctx context.Context, params group.Params) (*group.Snapshot, error) {
	return c.server.CurrentState(ctx, c.self, params.ID)
}

func (c *Client) History(ctx context.Context, params group.Params, from group.Revision) ([]group.LogEntry, error) {
	return c.server.History(ctx, c.self, params.ID, from)
}

func (c *Client) SubmitChange(ctx context.Context, params group.Params, actions *group.Actions) (*group.Change, error) {
	return c.server.Submit(ctx, c.self, params.ID, actions)
}

func (c *Client) UploadAvatar(ctx context.Context, params group.Params, data []byte) (group.AvatarRef, error) {
	return c.server.UploadAvatar(ctx, c.self, params.ID, data)
}

func (c *Client) DownloadAvatar(ctx context.Context, params group.Params, ref group.AvatarRef) ([]byte, error) {
	return c.server.DownloadAvatar(ctx, c.self, params.ID, ref)
}

func (c *Client) CreateGroup(ctx context.Context, spec group.NewGroup) (*group.Snapshot, error) {
	return c.server.Create(ctx, c.self, spec)
}

func (c *Client) FetchProfile(ctx context.Context, id group.Identity) (group.Profile, error) {
	return c.server.FetchProfile(ctx, id)
}
