// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rchat-net/rchat/internal/identity"
	"github.com/rchat-net/rchat/internal/node"
	"github.com/rchat-net/rchat/internal/store"
	"github.com/rchat-net/rchat/internal/theme"
	"github.com/rchat-net/rchat/lib/codec"
)

// requestTimeout bounds one request/response cycle. Event
// subscriptions clear it and live until the client hangs up.
const requestTimeout = 30 * time.Second

// Server answers command requests on a Unix domain socket.
type Server struct {
	node   *node.Node
	logger *slog.Logger
}

// New creates a command server over node.
func New(n *node.Node, logger *slog.Logger) *Server {
	return &Server{node: n, logger: logger}
}

// Listen binds the command socket inside dataDir, replacing any stale
// socket file from an earlier run.
func Listen(dataDir string) (net.Listener, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("command: creating data directory: %w", err)
	}
	path := filepath.Join(dataDir, SocketName)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("command: removing stale socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("command: listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("command: restricting socket: %w", err)
	}
	return listener, nil
}

// Serve accepts connections until ctx is cancelled or the listener
// closes.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("command: accepting connection: %w", err)
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(requestTimeout))

	decoder := codec.NewDecoder(conn)
	encoder := codec.NewEncoder(conn)

	var request Request
	if err := decoder.Decode(&request); err != nil {
		encoder.Encode(Response{OK: false, Error: badRequest("invalid request")})
		return
	}

	s.logger.Debug("command request", "action", request.Action)

	// The event subscription outlives the request deadline and holds
	// the connection open, so it never enters the one-shot path.
	if request.Action == "subscribe_events" {
		conn.SetDeadline(time.Time{})
		s.streamEvents(ctx, encoder)
		return
	}

	result, err := s.dispatch(ctx, request)
	if err != nil {
		encoder.Encode(Response{OK: false, Error: errorFor(err)})
		return
	}

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.logger.Error("encoding response", "action", request.Action, "error", err)
			encoder.Encode(Response{OK: false, Error: errorFor(err)})
			return
		}
		response.Data = data
	}
	if err := encoder.Encode(response); err != nil {
		s.logger.Debug("client went away", "action", request.Action, "error", err)
	}
}

// eventEnvelope is one streamed bus event on the subscription
// connection.
type eventEnvelope struct {
	Type string `cbor:"type"`
	Data any    `cbor:"data"`
}

func (s *Server) streamEvents(ctx context.Context, encoder *codec.Encoder) {
	events, cancel := s.node.Bus().Subscribe()
	defer cancel()

	// Surface the current auth state immediately so a client never
	// renders from a stale snapshot.
	status := s.node.Status()
	if err := encoder.Encode(eventEnvelope{Type: status.EventType(), Data: status}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := encoder.Encode(eventEnvelope{Type: evt.EventType(), Data: evt}); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, request Request) (any, error) {
	switch request.Action {
	case "check_auth_status":
		return s.node.Status(), nil

	case "init_vault":
		var args struct {
			Password string `cbor:"password"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.InitVault(ctx, []byte(args.Password))

	case "unlock_vault":
		var args struct {
			Password string `cbor:"password"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.UnlockVault(ctx, []byte(args.Password))

	case "reset_vault":
		return nil, s.node.ResetVault()

	case "start_github_auth":
		return s.node.StartGitHubAuth(ctx)

	case "poll_github_auth":
		var args struct {
			DeviceCode string `cbor:"device_code"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return s.node.PollGitHubAuth(ctx, args.DeviceCode)

	case "save_api_token":
		var args struct {
			Token string `cbor:"token"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.SaveAPIToken(args.Token)

	case "get_user_profile":
		return s.node.Profile(ctx)

	case "update_user_profile":
		var args struct {
			Alias     *string `cbor:"alias"`
			AvatarRef *string `cbor:"avatar_ref"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.UpdateProfile(ctx, args.Alias, args.AvatarRef)

	case "get_trusted_peers":
		return s.node.TrustedPeers(ctx)

	case "delete_peer":
		var args struct {
			PeerID string `cbor:"peer_id"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.DeletePeer(ctx, args.PeerID)

	case "get_pinned_peers":
		return s.node.PinnedPeers(ctx)

	case "set_peer_pinned":
		var args struct {
			PeerID string `cbor:"peer_id"`
			Pinned bool   `cbor:"pinned"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.SetPeerPinned(ctx, args.PeerID, args.Pinned)

	case "get_envelopes":
		return s.node.Envelopes(ctx)

	case "create_envelope":
		var args struct {
			ID   string `cbor:"id"`
			Name string `cbor:"name"`
			Icon string `cbor:"icon"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.CreateEnvelope(ctx, store.Envelope{ID: args.ID, Name: args.Name, Icon: args.Icon})

	case "update_envelope":
		var args struct {
			ID   string `cbor:"id"`
			Name string `cbor:"name"`
			Icon string `cbor:"icon"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.UpdateEnvelope(ctx, args.ID, args.Name, args.Icon)

	case "delete_envelope":
		var args struct {
			ID string `cbor:"id"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.DeleteEnvelope(ctx, args.ID)

	case "get_chat_assignments":
		return s.node.ChatAssignments(ctx)

	case "move_chat_to_envelope":
		var args struct {
			ChatID     string `cbor:"chat_id"`
			EnvelopeID string `cbor:"envelope_id"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.MoveChatToEnvelope(ctx, args.ChatID, args.EnvelopeID)

	case "get_chat_latest_times":
		return s.node.LatestChatTimes(ctx)

	case "get_chat_history":
		var args struct {
			ChatID   string `cbor:"chat_id"`
			BeforeID string `cbor:"before_id"`
			Limit    int    `cbor:"limit"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return s.node.ChatHistory(ctx, args.ChatID, args.BeforeID, args.Limit)

	case "get_unread_counts":
		return s.node.UnreadCounts(ctx)

	case "send_message":
		var args struct {
			PeerID  string `cbor:"peer_id"`
			Message string `cbor:"message"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return s.node.SendText(ctx, args.PeerID, args.Message)

	case "send_message_to_self":
		var args struct {
			Message string `cbor:"message"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return s.node.SendTextToSelf(ctx, args.Message)

	case "send_image_message":
		return s.sendAttachment(ctx, request.Payload, "image")

	case "send_document_message":
		return s.sendAttachment(ctx, request.Payload, "document")

	case "send_video_message":
		return s.sendAttachment(ctx, request.Payload, "video")

	case "mark_messages_read":
		var args struct {
			ChatID string `cbor:"chat_id"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.MarkRead(ctx, args.ChatID)

	case "set_typing":
		var args struct {
			ChatID string `cbor:"chat_id"`
			Active bool   `cbor:"active"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.Typing(args.ChatID, args.Active)

	case "get_image_data", "get_video_data":
		var args struct {
			FileHash string `cbor:"file_hash"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return s.node.BlobDataURL(ctx, args.FileHash)

	case "get_image_from_path":
		var args struct {
			Path string `cbor:"path"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return s.node.FileDataURL(args.Path)

	case "save_image_to_file", "save_document_to_file":
		var args struct {
			FileHash   string `cbor:"file_hash"`
			TargetPath string `cbor:"target_path"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.SaveBlobTo(ctx, args.FileHash, args.TargetPath)

	case "get_stickers":
		return s.node.Stickers(ctx)

	case "add_sticker":
		var args struct {
			Data []byte `cbor:"data"`
			Name string `cbor:"name"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return s.node.AddSticker(ctx, args.Data, args.Name)

	case "delete_sticker":
		var args struct {
			FileHash string `cbor:"file_hash"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.DeleteSticker(ctx, args.FileHash)

	case "get_sticker_data":
		var args struct {
			FileHash string `cbor:"file_hash"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return s.node.StickerData(ctx, args.FileHash)

	case "set_fast_discovery":
		var args struct {
			Enabled bool `cbor:"enabled"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.SetFastDiscovery(args.Enabled)

	case "toggle_online_status":
		var args struct {
			Enabled bool `cbor:"enabled"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.SetOnline(args.Enabled)

	case "request_connection":
		var args struct {
			PeerID string `cbor:"peer_id"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		peer, err := identity.ParsePeerID(args.PeerID)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		return nil, s.node.RequestConnection(ctx, peer)

	case "generate_invite_password":
		return s.node.GenerateInvitePassword()

	case "create_invite":
		var args struct {
			Invitee  string `cbor:"invitee"`
			Password string `cbor:"password"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.CreateInvite(ctx, args.Invitee, args.Password)

	case "redeem_and_connect":
		var args struct {
			Inviter  string `cbor:"inviter"`
			Password string `cbor:"password"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		peer, err := s.node.RedeemInvite(ctx, args.Inviter, args.Password)
		if err != nil {
			return nil, err
		}
		return peer.String(), nil

	case "get_theme":
		return s.node.Theme()

	case "update_theme":
		var args theme.Config
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return nil, s.node.UpdateTheme(args)

	case "list_theme_presets":
		return s.node.ThemePresets(), nil

	case "apply_preset":
		var args struct {
			Name string `cbor:"name"`
		}
		if err := decodePayload(request.Payload, &args); err != nil {
			return nil, err
		}
		return s.node.ApplyPreset(args.Name)

	case "get_selected_preset":
		return s.node.SelectedPreset(), nil

	default:
		return nil, badRequest(fmt.Sprintf("unknown action: %q", request.Action))
	}
}

func (s *Server) sendAttachment(ctx context.Context, payload codec.RawMessage, contentType string) (any, error) {
	var args struct {
		PeerID string `cbor:"peer_id"`
		Path   string `cbor:"path"`
	}
	if err := decodePayload(payload, &args); err != nil {
		return nil, err
	}
	return s.node.SendAttachment(ctx, args.PeerID, contentType, args.Path)
}

func decodePayload(payload codec.RawMessage, args any) error {
	if len(payload) == 0 {
		return badRequest("missing payload")
	}
	if err := codec.Unmarshal(payload, args); err != nil {
		return badRequest(fmt.Sprintf("malformed payload: %v", err))
	}
	return nil
}
