package rcon

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// The server answers commands that produce no output with this marker.
const emptyResponseMarker = "Server received, But no response!!"

// Player is one entry of a ListPlayers response
type Player struct {
	Name    string
	SteamID string
}

var playerLineRe = regexp.MustCompile(`^\s*\d+\.\s+(.+?),\s*(\d+)\s*$`)

// SaveWorld asks the server to persist world state. Any completed round
// trip counts as success; the response body is not inspected.
func (c *Client) SaveWorld(ctx context.Context, serverName string) error {
	if _, err := c.Send(ctx, serverName, "SaveWorld"); err != nil {
		return fmt.Errorf("saveworld on %s: %w", serverName, err)
	}
	return nil
}

// Broadcast shows a message to every connected player
func (c *Client) Broadcast(ctx context.Context, serverName, message string) error {
	if _, err := c.Send(ctx, serverName, "Broadcast "+message); err != nil {
		return fmt.Errorf("broadcast on %s: %w", serverName, err)
	}
	return nil
}

// ListPlayers returns the connected players
func (c *Client) ListPlayers(ctx context.Context, serverName string) ([]Player, error) {
	resp, err := c.Send(ctx, serverName, "ListPlayers")
	if err != nil {
		return nil, fmt.Errorf("listplayers on %s: %w", serverName, err)
	}
	return parsePlayerList(resp.Raw), nil
}

// ServerInfo returns the server's self-reported info line
func (c *Client) ServerInfo(ctx context.Context, serverName string) (string, error) {
	resp, err := c.Send(ctx, serverName, "ServerInfo")
	if err != nil {
		return "", fmt.Errorf("serverinfo on %s: %w", serverName, err)
	}
	return strings.TrimSpace(resp.Raw), nil
}

// GetChat returns buffered chat lines since the last call. An empty
// buffer comes back as an empty string.
func (c *Client) GetChat(ctx context.Context, serverName string) (string, error) {
	resp, err := c.Send(ctx, serverName, "GetChat")
	if err != nil {
		return "", fmt.Errorf("getchat on %s: %w", serverName, err)
	}

	chat := strings.TrimSpace(resp.Raw)
	if chat == emptyResponseMarker {
		return "", nil
	}
	return chat, nil
}

// ShutdownServer asks the server to exit on its own. Callers that need
// a guaranteed stop follow up through the process controller.
func (c *Client) ShutdownServer(ctx context.Context, serverName string) error {
	if _, err := c.Send(ctx, serverName, "DoExit"); err != nil {
		return fmt.Errorf("shutdown on %s: %w", serverName, err)
	}
	return nil
}

// parsePlayerList parses "0. Name, 76561198..." lines
func parsePlayerList(raw string) []Player {
	players := make([]Player, 0)

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "No Players Connected") || trimmed == emptyResponseMarker {
		return players
	}

	for _, line := range strings.Split(trimmed, "\n") {
		m := playerLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		players = append(players, Player{
			Name:    strings.TrimSpace(m[1]),
			SteamID: m[2],
		})
	}

	return players
}
