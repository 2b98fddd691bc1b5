// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// rchat is a command-line client for a running rchatd. It speaks the
// CBOR request/response protocol over the daemon's Unix socket and
// prints results as JSON.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/rchat-net/rchat/internal/command"
	"github.com/rchat-net/rchat/internal/config"
	"github.com/rchat-net/rchat/lib/codec"
	"github.com/rchat-net/rchat/lib/secret"
)

const usage = `usage: rchat [--data-dir DIR] [--password-file PATH] <command> [args]

commands:
  status                          auth and presence state
  init                            create the vault (reads password from stdin)
  unlock                          unlock the vault (reads password from stdin)
  reset                           destroy the vault and all local data
  peers                           list trusted peers
  send <peer-id> <text>           send a text message
  history <chat-id>               print a chat's messages
  read <chat-id>                  mark a chat read
  online <true|false>             toggle presence
  connect <peer-id>               dial a trusted peer now
  invite-password                 generate an invitation password
  invite <handle> <password>      publish an invitation
  redeem <handle> <password>      redeem an invitation and connect
  events                          stream bus events until interrupted
  raw <action> [json-payload]     send any action verbatim
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dataDirFlag  string
		passwordFile string
	)
	pflag.StringVar(&dataDirFlag, "data-dir", "", "data directory of the daemon to talk to")
	pflag.StringVar(&passwordFile, "password-file", "", "read the vault password from this file, or - for stdin")
	pflag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	pflag.Parse()

	args := pflag.Args()
	if len(args) == 0 {
		pflag.Usage()
		return fmt.Errorf("missing command")
	}

	dataDir, err := config.DataDir(dataDirFlag)
	if err != nil {
		return err
	}
	socket := filepath.Join(dataDir, command.SocketName)

	switch cmd, rest := args[0], args[1:]; cmd {
	case "status":
		return printCall(socket, "check_auth_status", nil)
	case "init":
		password, err := readPassword(passwordFile)
		if err != nil {
			return err
		}
		return printCall(socket, "init_vault", map[string]string{"password": password})
	case "unlock":
		password, err := readPassword(passwordFile)
		if err != nil {
			return err
		}
		return printCall(socket, "unlock_vault", map[string]string{"password": password})
	case "reset":
		return printCall(socket, "reset_vault", nil)
	case "peers":
		return printCall(socket, "get_trusted_peers", nil)
	case "send":
		if len(rest) != 2 {
			return fmt.Errorf("usage: rchat send <peer-id> <text>")
		}
		return printCall(socket, "send_message", map[string]string{"peer_id": rest[0], "message": rest[1]})
	case "history":
		if len(rest) != 1 {
			return fmt.Errorf("usage: rchat history <chat-id>")
		}
		return printCall(socket, "get_chat_history", map[string]any{"chat_id": rest[0]})
	case "read":
		if len(rest) != 1 {
			return fmt.Errorf("usage: rchat read <chat-id>")
		}
		return printCall(socket, "mark_messages_read", map[string]string{"chat_id": rest[0]})
	case "online":
		if len(rest) != 1 {
			return fmt.Errorf("usage: rchat online <true|false>")
		}
		enabled, err := strconv.ParseBool(rest[0])
		if err != nil {
			return fmt.Errorf("invalid argument %q: %w", rest[0], err)
		}
		return printCall(socket, "toggle_online_status", map[string]bool{"enabled": enabled})
	case "connect":
		if len(rest) != 1 {
			return fmt.Errorf("usage: rchat connect <peer-id>")
		}
		return printCall(socket, "request_connection", map[string]string{"peer_id": rest[0]})
	case "invite-password":
		return printCall(socket, "generate_invite_password", nil)
	case "invite":
		if len(rest) != 2 {
			return fmt.Errorf("usage: rchat invite <handle> <password>")
		}
		return printCall(socket, "create_invite", map[string]string{"invitee": rest[0], "password": rest[1]})
	case "redeem":
		if len(rest) != 2 {
			return fmt.Errorf("usage: rchat redeem <handle> <password>")
		}
		return printCall(socket, "redeem_and_connect", map[string]string{"inviter": rest[0], "password": rest[1]})
	case "events":
		return streamEvents(socket)
	case "raw":
		if len(rest) == 0 {
			return fmt.Errorf("usage: rchat raw <action> [json-payload]")
		}
		var payload any
		if len(rest) > 1 {
			if err := json.Unmarshal([]byte(rest[1]), &payload); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}
		}
		return printCall(socket, rest[0], payload)
	default:
		pflag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// readPassword takes the vault password from --password-file when
// given, otherwise prompts on the terminal.
func readPassword(passwordFile string) (string, error) {
	if passwordFile != "" {
		buffer, err := secret.ReadFromPath(passwordFile)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		defer buffer.Close()
		return buffer.String(), nil
	}
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("empty password")
	}
	return password, nil
}

// call performs one request cycle and returns the decoded data.
func call(socket, action string, payload any) (codec.RawMessage, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("dialing %s (is rchatd running?): %w", socket, err)
	}
	defer conn.Close()

	request := command.Request{Action: action}
	if payload != nil {
		raw, err := codec.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		request.Payload = raw
	}
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	var response command.Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if !response.OK {
		return nil, response.Error
	}
	return response.Data, nil
}

func printCall(socket, action string, payload any) error {
	data, err := call(socket, action, payload)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		fmt.Println("ok")
		return nil
	}
	return printJSON(data)
}

func printJSON(data codec.RawMessage) error {
	var value any
	if err := codec.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func streamEvents(socket string) error {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return fmt.Errorf("dialing %s (is rchatd running?): %w", socket, err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(command.Request{Action: "subscribe_events"}); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	decoder := codec.NewDecoder(conn)
	for {
		var envelope struct {
			Type string           `cbor:"type"`
			Data codec.RawMessage `cbor:"data"`
		}
		if err := decoder.Decode(&envelope); err != nil {
			return fmt.Errorf("event stream closed: %w", err)
		}
		var value any
		if err := codec.Unmarshal(envelope.Data, &value); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		out, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("rendering event: %w", err)
		}
		fmt.Printf("%s %s\n", envelope.Type, out)
	}
}
