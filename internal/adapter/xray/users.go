package xray

import (
	"context"

	"github.com/xtls/xray-core/app/proxyman/command"
	"github.com/xtls/xray-core/common/protocol"
	"github.com/xtls/xray-core/common/serial"
	"github.com/xtls/xray-core/proxy/vless"
	"google.golang.org/protobuf/proto"

	"github.com/oxidizr/xagent/internal/core/domain"
)

// AddUser adds a vless account to the inbound. domain.ErrAlreadyExists marks
// the idempotent outcome; callers treat it as success.
func (c *Client) AddUser(ctx context.Context, uuid, email, tag string, level int, flow string) error {
	conn, err := c.ensureReady(ctx)
	if err != nil {
		return err
	}

	account := &vless.Account{
		Id:   uuid,
		Flow: flow,
	}

	user := &protocol.User{
		Level:   uint32(level),
		Email:   email,
		Account: serial.ToTypedMessage(account),
	}

	rpcCtx, cancel := c.callCtx(ctx)
	defer cancel()

	hs := command.NewHandlerServiceClient(conn)
	_, err = hs.AlterInbound(rpcCtx, &command.AlterInboundRequest{
		Tag:       tag,
		Operation: serial.ToTypedMessage(&command.AddUserOperation{User: user}),
	})
	if err != nil {
		return classifyAddError(err, tag, email)
	}
	return nil
}

// RemoveUser removes a user by email. domain.ErrUserNotFound marks the
// already-absent outcome.
func (c *Client) RemoveUser(ctx context.Context, email, tag string) error {
	conn, err := c.ensureReady(ctx)
	if err != nil {
		return err
	}

	rpcCtx, cancel := c.callCtx(ctx)
	defer cancel()

	hs := command.NewHandlerServiceClient(conn)
	_, err = hs.AlterInbound(rpcCtx, &command.AlterInboundRequest{
		Tag:       tag,
		Operation: serial.ToTypedMessage(&command.RemoveUserOperation{Email: email}),
	})
	if err != nil {
		return classifyRemoveError(err, tag, email)
	}
	return nil
}

// ListUsers fetches the inbound's users and decodes the vless account UUID
// out of each typed envelope. Decode failures leave the UUID empty rather
// than dropping the user.
func (c *Client) ListUsers(ctx context.Context, tag string) ([]domain.User, error) {
	conn, err := c.ensureReady(ctx)
	if err != nil {
		return nil, err
	}

	rpcCtx, cancel := c.callCtx(ctx)
	defer cancel()

	hs := command.NewHandlerServiceClient(conn)
	resp, err := hs.GetInboundUsers(rpcCtx, &command.GetInboundUserRequest{Tag: tag})
	if err != nil {
		return nil, domain.NewUpstreamError("list_users", tag, "", domain.CodeUpstreamError, err.Error())
	}

	users := make([]domain.User, 0, len(resp.GetUsers()))
	for _, u := range resp.GetUsers() {
		du := domain.User{
			Email: u.GetEmail(),
			Level: int(u.GetLevel()),
		}
		if tm := u.GetAccount(); tm != nil && tm.GetType() == "xray.proxy.vless.Account" {
			var acct vless.Account
			if err := proto.Unmarshal(tm.GetValue(), &acct); err == nil {
				du.UUID = acct.GetId()
			}
		}
		users = append(users, du)
	}
	return users, nil
}

// CountUsers returns the inbound's user count.
func (c *Client) CountUsers(ctx context.Context, tag string) (int, error) {
	conn, err := c.ensureReady(ctx)
	if err != nil {
		return 0, err
	}

	rpcCtx, cancel := c.callCtx(ctx)
	defer cancel()

	hs := command.NewHandlerServiceClient(conn)
	resp, err := hs.GetInboundUsersCount(rpcCtx, &command.GetInboundUserRequest{Tag: tag})
	if err != nil {
		return 0, domain.NewUpstreamError("count_users", tag, "", domain.CodeUpstreamError, err.Error())
	}
	return int(resp.GetCount()), nil
}

// Emails lists just the email identifiers for an inbound.
func (c *Client) Emails(ctx context.Context, tag string) ([]string, error) {
	users, err := c.ListUsers(ctx, tag)
	if err != nil {
		return nil, err
	}
	emails := make([]string, 0, len(users))
	for _, u := range users {
		if u.Email != "" {
			emails = append(emails, u.Email)
		}
	}
	return emails, nil
}
