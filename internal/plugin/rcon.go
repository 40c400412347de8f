// Supervisord is a local process supervisor and monitoring service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package plugin

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"
)

func init() {
	Register("rcon", newRCONPlugin)
}

// Source RCON protocol packet types.
// https://developer.valvesoftware.com/wiki/Source_RCON_Protocol
const (
	rconAuth           = 3
	rconAuthResponse   = 2
	rconExecCommand    = 2
	rconResponseValue  = 0
	rconDialTimeout    = 5 * time.Second
)

// rconPlugin sends arbitrary console commands to a game server's Source
// RCON listener. Generic across Minecraft, Palworld, and similar servers.
type rconPlugin struct {
	programID int64
	host      string
	port      int
	password  string
	logger    *slog.Logger
}

func newRCONPlugin(programID int64, config map[string]any, logger *slog.Logger) (Plugin, error) {
	p := &rconPlugin{
		programID: programID,
		host:      stringOr(config, "host", "localhost"),
		port:      intOr(config, "port", 25575),
		password:  stringOr(config, "password", ""),
		logger:    logger,
	}
	return p, nil
}

func (p *rconPlugin) Name() string        { return "RCON" }
func (p *rconPlugin) Describe() string    { return "Sends console commands over the Source RCON protocol." }
func (p *rconPlugin) Actions() []string   { return []string{"send_command"} }
func (p *rconPlugin) OnStart(int32)       {}
func (p *rconPlugin) OnStop(int32)        {}
func (p *rconPlugin) OnCrash(int32)       {}

func (p *rconPlugin) Validate(config map[string]any) error {
	if stringOr(config, "password", "") == "" {
		return fmt.Errorf("rcon password is required")
	}
	port := intOr(config, "port", 25575)
	if port < 1 || port > 65535 {
		return fmt.Errorf("rcon port must be in 1-65535")
	}
	return nil
}

func (p *rconPlugin) Execute(ctx context.Context, action string, params map[string]any) (ActionResult, error) {
	if action != "send_command" {
		return ActionResult{Success: false, Message: fmt.Sprintf("unknown action %q", action)}, nil
	}
	command := stringOr(params, "command", "")
	if command == "" {
		return ActionResult{Success: false, Message: "command is required"}, nil
	}

	client := &rconClient{host: p.host, port: p.port, password: p.password, timeout: rconDialTimeout}
	if err := client.connect(ctx); err != nil {
		return ActionResult{Success: false, Message: fmt.Sprintf("connect failed: %v", err)}, nil
	}
	defer client.close()

	reply, err := client.sendCommand(command)
	if err != nil {
		return ActionResult{Success: false, Message: fmt.Sprintf("command failed: %v", err)}, nil
	}
	return ActionResult{Success: true, Message: "ok", Data: reply}, nil
}

// rconClient implements just enough of the Source RCON protocol to
// authenticate and run a single command per connection.
type rconClient struct {
	host, password string
	port           int
	timeout        time.Duration
	conn           net.Conn
	nextID         int32
}

func (c *rconClient) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", c.host, c.port))
	if err != nil {
		return err
	}
	c.conn = conn
	_ = c.conn.SetDeadline(time.Now().Add(c.timeout))

	c.nextID++
	if err := c.writePacket(c.nextID, rconAuth, c.password); err != nil {
		c.close()
		return err
	}
	id, _, err := c.readPacket()
	if err != nil {
		c.close()
		return err
	}
	if id == -1 {
		c.close()
		return fmt.Errorf("authentication rejected")
	}
	return nil
}

func (c *rconClient) sendCommand(command string) (string, error) {
	c.nextID++
	if err := c.writePacket(c.nextID, rconExecCommand, command); err != nil {
		return "", err
	}
	_, body, err := c.readPacket()
	if err != nil {
		return "", err
	}
	return body, nil
}

func (c *rconClient) close() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *rconClient) writePacket(id int32, packetType int32, body string) error {
	payload := append([]byte(body), 0x00, 0x00)
	size := int32(4 + 4 + len(payload))

	buf := make([]byte, 0, 4+size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(size))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(id))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(packetType))
	buf = append(buf, payload...)

	_, err := c.conn.Write(buf)
	return err
}

func (c *rconClient) readPacket() (int32, string, error) {
	var sizeBuf [4]byte
	if _, err := readFull(c.conn, sizeBuf[:]); err != nil {
		return 0, "", err
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	if size < 8 || size > 1<<20 {
		return 0, "", fmt.Errorf("invalid rcon packet size %d", size)
	}

	rest := make([]byte, size)
	if _, err := readFull(c.conn, rest); err != nil {
		return 0, "", err
	}
	id := int32(binary.LittleEndian.Uint32(rest[0:4]))
	// rest[4:8] is the packet type, unused on read.
	body := rest[8 : len(rest)-2]
	return id, string(body), nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
