package tts

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"golang.org/x/oauth2"
)

// CommandTokenSource obtains a bearer token by running an external CLI,
// e.g. "gcloud auth application-default print-access-token".
type CommandTokenSource struct {
	cmd     []string
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
}

// NewCommandTokenSource parses command and returns a caching token source.
// The command is re-run once the previous token is older than ttl.
func NewCommandTokenSource(command string, ttl time.Duration) (oauth2.TokenSource, error) {
	src, err := newCommandSource(command, ttl)
	if err != nil {
		return nil, err
	}
	return oauth2.ReuseTokenSource(nil, src), nil
}

func newCommandSource(command string, ttl time.Duration) (*CommandTokenSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse token command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("token command empty")
	}
	if ttl <= 0 {
		ttl = 50 * time.Minute
	}
	return &CommandTokenSource{cmd: args, ttl: ttl, timeout: 30 * time.Second, now: time.Now}, nil
}

func (c *CommandTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	command := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("token command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	token := strings.TrimSpace(stdout.String())
	if token == "" {
		return nil, fmt.Errorf("token command returned empty output")
	}
	return &oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
		Expiry:      c.now().Add(c.ttl),
	}, nil
}
