// Package sshctl implements C11: starting/stopping the appliance's OS sshd
// unit via systemctl and randomizing its account password, modeled on
// common/ssh/sshd.go's daemon lifecycle (there, a forked sshd child is
// supervised directly; here the appliance ships its own OS sshd unit, so
// control is via systemctl rather than a managed child process).
package sshctl

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"

	"github.com/gorilla/securecookie"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/skyforge-av/bondctl/internal/execseam"
	"github.com/skyforge-av/bondctl/internal/proto"
)

// randomKeyBytes is the size of the random key pulled from securecookie
// before base64-encoding and truncating to generatedPasswordLength.
const randomKeyBytes = 24

// generatedPasswordLength is the length, in characters, of the URL-safe
// random password reset_ssh_pass produces.
const generatedPasswordLength = 20

// Controller implements C11 against a single configured account.
type Controller struct {
	log      *zap.SugaredLogger
	runner   execseam.Runner
	username string

	lastHash string // last shadow hash this controller itself set
}

// New constructs a Controller for username.
func New(log *zap.SugaredLogger, runner execseam.Runner, username string) *Controller {
	return &Controller{log: log, runner: runner, username: username}
}

// Status implements spec.md §4.10's status query: configured username,
// whether the systemd unit is active, and whether the account's current
// shadow hash differs from the one this controller last set (i.e. the
// password was changed out from under it).
func (c *Controller) Status(ctx context.Context) (proto.SSHStatus, error) {
	active, err := c.serviceActive(ctx)
	if err != nil {
		return proto.SSHStatus{}, err
	}

	hash, err := c.shadowHash(ctx)
	if err != nil {
		return proto.SSHStatus{}, err
	}

	return proto.SSHStatus{
		Username: c.username,
		Active:   active,
		UserPass: c.lastHash != "" && hash != c.lastHash,
	}, nil
}

func (c *Controller) serviceActive(ctx context.Context) (bool, error) {
	out, _, err := c.runner.Run(ctx, "systemctl", "is-active", "ssh")
	if err != nil {
		// systemctl is-active exits nonzero for "inactive"; that's not a
		// failure of the check itself.
		return false, nil
	}
	return bytes.Equal(bytes.TrimSpace(out), []byte("active")), nil
}

func (c *Controller) shadowHash(ctx context.Context) (string, error) {
	out, _, err := c.runner.Run(ctx, "getent", "shadow", c.username)
	if err != nil {
		return "", errors.Wrap(err, "reading shadow entry")
	}
	fields := bytes.Split(bytes.TrimSpace(out), []byte(":"))
	if len(fields) < 2 {
		return "", nil
	}
	return string(fields[1]), nil
}

// StartSSH implements spec.md §4.10's start_ssh: if no password has ever
// been recorded, reset it first, then enable the unit.
func (c *Controller) StartSSH(ctx context.Context, cfg *proto.Config) error {
	if cfg.SSHPassHash == "" {
		if err := c.ResetPassword(ctx, cfg); err != nil {
			return errors.Wrap(err, "start_ssh: resetting password")
		}
	}
	_, _, err := c.runner.Run(ctx, "systemctl", "start", "ssh")
	if err != nil {
		return errors.Wrap(err, "systemctl start ssh")
	}
	return nil
}

// StopSSH implements spec.md §4.10's stop_ssh.
func (c *Controller) StopSSH(ctx context.Context) error {
	_, _, err := c.runner.Run(ctx, "systemctl", "stop", "ssh")
	if err != nil {
		return errors.Wrap(err, "systemctl stop ssh")
	}
	return nil
}

// ResetPassword implements spec.md §4.10's reset_ssh_pass: generate a
// 20-character URL-safe password (via gorilla/securecookie's random-key
// primitive rather than a diceware wordlist — see DESIGN.md), apply it with
// passwd, and record both the plaintext and the resulting shadow hash in
// cfg.
func (c *Controller) ResetPassword(ctx context.Context, cfg *proto.Config) error {
	password, err := generatePassword()
	if err != nil {
		return errors.Wrap(err, "generating password")
	}

	if err := c.applyPassword(ctx, password); err != nil {
		return errors.Wrap(err, "applying password")
	}

	hash, err := c.shadowHash(ctx)
	if err != nil {
		return err
	}

	cfg.SSHPass = password
	cfg.SSHPassHash = hash
	c.lastHash = hash
	return nil
}

func (c *Controller) applyPassword(ctx context.Context, password string) error {
	_, _, err := c.runner.Run(ctx, "chpasswd", "--stdin-is", fmt.Sprintf("%s:%s", c.username, password))
	return err
}

// generatePassword produces a 20-character URL-safe-base64 password from
// cryptographically random bytes.
func generatePassword() (string, error) {
	raw := securecookie.GenerateRandomKey(randomKeyBytes)
	if raw == nil {
		return "", errors.New("failed to generate random bytes")
	}
	enc := base64.RawURLEncoding.EncodeToString(raw)
	if len(enc) < generatedPasswordLength {
		return "", errors.New("random encoding too short")
	}
	return enc[:generatedPasswordLength], nil
}
