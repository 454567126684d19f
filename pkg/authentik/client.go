// Copyright 2024-2026 Aiku AI

// Package authentik wraps the authentik core API client with the user and
// group operations the Discord sync needs.
package authentik

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	api "goauthentik.io/api/v3"

	"github.com/aiku/authentik-discord-sync/pkg/syncerr"
)

const (
	// DefaultUserPath is the path authentik's Discord OAuth source creates users under.
	DefaultUserPath = "goauthentik.io/sources/discord-oa"

	pageSize int32 = 1000
	// maxPages bounds pagination against a misbehaving server.
	maxPages = 100
	// maxErrorBody caps how much of an error response is kept in the error message.
	maxErrorBody = 1 << 10
)

// Options configures a Client.
type Options struct {
	URL      string
	Token    string
	UserPath string
	// HTTPClient defaults to a client with a 30 second timeout.
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Client talks to the authentik core API. It is safe for concurrent use.
type Client struct {
	core     *api.CoreApiService
	userPath string
	log      zerolog.Logger
}

// New validates opts and creates a Client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, syncerr.New(syncerr.CodeConfig, "authentik URL is required")
	}
	if strings.TrimSpace(opts.Token) == "" {
		return nil, syncerr.New(syncerr.CodeConfig, "authentik API key is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, syncerr.New(syncerr.CodeConfig, "invalid authentik URL %q", opts.URL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	cfg := api.NewConfiguration()
	cfg.Servers = api.ServerConfigurations{{URL: base.String() + "/api/v3"}}
	cfg.HTTPClient = httpClient
	cfg.UserAgent = "authentik-discord-sync"
	cfg.AddDefaultHeader("Authorization", "Bearer "+opts.Token)

	c := &Client{
		core:     api.NewAPIClient(cfg).CoreApi,
		userPath: opts.UserPath,
	}
	if c.userPath == "" {
		c.userPath = DefaultUserPath
	}
	if opts.Logger != nil {
		c.log = opts.Logger.With().Str("component", "authentik").Logger()
	} else {
		c.log = zerolog.Nop()
	}
	return c, nil
}

// UserPath returns the path filter used by ListUsers.
func (c *Client) UserPath() string {
	return c.userPath
}

// ListUsers returns every user under the configured user path.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	err := c.paginate("users", func(page int32) (api.Pagination, error) {
		list, rs, err := c.core.CoreUsersList(ctx).
			Path(c.userPath).
			Page(page).
			PageSize(pageSize).
			Execute()
		if err != nil {
			return api.Pagination{}, upstream(err, rs, "list users page %d", page)
		}
		for _, u := range list.GetResults() {
			users = append(users, userFromAPI(&u))
		}
		return list.GetPagination(), nil
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// ListSyncableGroups returns every group carrying a discord_role_id attribute.
// With includeUsers the member objects are fetched along with each group.
func (c *Client) ListSyncableGroups(ctx context.Context, includeUsers bool) ([]Group, error) {
	var groups []Group
	err := c.paginate("groups", func(page int32) (api.Pagination, error) {
		list, rs, err := c.core.CoreGroupsList(ctx).
			IncludeUsers(includeUsers).
			Page(page).
			PageSize(pageSize).
			Execute()
		if err != nil {
			return api.Pagination{}, upstream(err, rs, "list groups page %d", page)
		}
		for _, g := range list.GetResults() {
			if group := groupFromAPI(&g); group.Syncable() {
				groups = append(groups, group)
			}
		}
		return list.GetPagination(), nil
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// GetUserByDiscordID returns the first user whose discord_id attribute equals
// discordID, or nil when there is none.
func (c *Client) GetUserByDiscordID(ctx context.Context, discordID string) (*User, error) {
	filter, err := json.Marshal(map[string]string{AttrDiscordID: discordID})
	if err != nil {
		return nil, err
	}
	list, rs, err := c.core.CoreUsersList(ctx).
		Attributes(string(filter)).
		PageSize(1).
		Execute()
	if err != nil {
		return nil, upstream(err, rs, "look up user with discord ID %s", discordID)
	}
	results := list.GetResults()
	if len(results) == 0 {
		return nil, nil
	}
	user := userFromAPI(&results[0])
	return &user, nil
}

// UpdateUser applies a partial update. When every field set in update already
// matches user, user is returned as is and no request is made. The avatar is
// merged into the existing attributes; other attributes are preserved.
func (c *Client) UpdateUser(ctx context.Context, user *User, update UserUpdate) (*User, error) {
	if update.AppliedTo(user) {
		c.log.Debug().Str("username", user.Username).Int("user_pk", user.PK).Msg("No update needed")
		return user, nil
	}

	var patch api.PatchedUserRequest
	if update.Username != nil {
		patch.SetUsername(*update.Username)
	}
	if update.Name != nil {
		patch.SetName(*update.Name)
	}
	if update.IsActive != nil {
		patch.SetIsActive(*update.IsActive)
	}
	if update.Avatar != nil {
		attrs := make(map[string]interface{}, len(user.Attributes)+1)
		maps.Copy(attrs, user.Attributes)
		attrs[AttrAvatar] = *update.Avatar
		patch.SetAttributes(attrs)
	}

	updated, rs, err := c.core.CoreUsersPartialUpdate(ctx, int32(user.PK)).
		PatchedUserRequest(patch).
		Execute()
	if err != nil {
		return nil, upstream(err, rs, "update user %d", user.PK)
	}
	result := userFromAPI(updated)
	return &result, nil
}

// AddUserToGroup adds user to group.
func (c *Client) AddUserToGroup(ctx context.Context, user *User, group *Group) error {
	rs, err := c.core.CoreGroupsAddUserCreate(ctx, group.PK).
		UserAccountRequest(*api.NewUserAccountRequest(int32(user.PK))).
		Execute()
	if err != nil {
		return upstream(err, rs, "add user %d to group %s", user.PK, group.Name)
	}
	return nil
}

// RemoveUserFromGroup removes user from group.
func (c *Client) RemoveUserFromGroup(ctx context.Context, user *User, group *Group) error {
	rs, err := c.core.CoreGroupsRemoveUserCreate(ctx, group.PK).
		UserAccountRequest(*api.NewUserAccountRequest(int32(user.PK))).
		Execute()
	if err != nil {
		return upstream(err, rs, "remove user %d from group %s", user.PK, group.Name)
	}
	return nil
}

// paginate calls fetch for page 1 and then every page pagination.next points
// at, until it is 0.
func (c *Client) paginate(what string, fetch func(page int32) (api.Pagination, error)) error {
	page := int32(1)
	for range maxPages {
		p, err := fetch(page)
		if err != nil {
			return err
		}
		next := int32(p.GetNext())
		if next == 0 || next <= page {
			return nil
		}
		c.log.Trace().Str("list", what).Int32("page", next).Msg("Fetching next page")
		page = next
	}
	return syncerr.New(syncerr.CodeUpstream, "list %s: more than %d pages", what, maxPages)
}

// upstream converts an API client error into an UpstreamError carrying the
// response status and body when there is one.
func upstream(err error, rs *http.Response, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if rs == nil || rs.StatusCode < 300 {
		return syncerr.Upstream(err, "authentik %s", msg)
	}
	body := errorBody(err, rs)
	if body == "" {
		return syncerr.New(syncerr.CodeUpstream, "authentik %s: status %d", msg, rs.StatusCode)
	}
	return syncerr.New(syncerr.CodeUpstream, "authentik %s: status %d: %s", msg, rs.StatusCode, body)
}

func errorBody(err error, rs *http.Response) string {
	var data []byte
	var withBody interface{ Body() []byte }
	if errors.As(err, &withBody) {
		data = withBody.Body()
	} else if rs.Body != nil {
		data, _ = io.ReadAll(io.LimitReader(rs.Body, maxErrorBody))
	}
	if len(data) > maxErrorBody {
		data = data[:maxErrorBody]
	}
	return strings.TrimSpace(string(data))
}

func userFromAPI(u *api.User) User {
	if u == nil {
		return User{}
	}
	return User{
		PK:         int(u.GetPk()),
		Username:   u.GetUsername(),
		Name:       u.GetName(),
		IsActive:   u.GetIsActive(),
		Path:       u.GetPath(),
		Attributes: u.GetAttributes(),
	}
}

func groupFromAPI(g *api.Group) Group {
	group := Group{
		PK:         g.GetPk(),
		Name:       g.GetName(),
		Attributes: g.GetAttributes(),
	}
	for _, pk := range g.GetUsers() {
		group.Users = append(group.Users, int(pk))
	}
	for _, m := range g.GetUsersObj() {
		group.UsersObj = append(group.UsersObj, GroupMember{
			PK:       int(m.GetPk()),
			Username: m.GetUsername(),
			Name:     m.GetName(),
			IsActive: m.GetIsActive(),
		})
	}
	return group
}
