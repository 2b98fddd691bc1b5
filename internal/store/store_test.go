// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	s, err := Open(path, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

// ulidLike builds ids whose lexicographic order matches i, the way
// real ULIDs order by creation time.
func ulidLike(i int) string {
	return fmt.Sprintf("01HZZZZZZZ%016d", i)
}

func TestInsertMessageIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := Message{
		ID:          ulidLike(1),
		ChatID:      "peer-a",
		Direction:   DirectionOut,
		SenderID:    "self",
		ContentType: "text",
		Text:        "hello",
		CreatedAt:   1000,
		Status:      StatusPending,
	}

	inserted, err := s.InsertMessage(ctx, msg)
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if !inserted {
		t.Fatal("first insert reported not inserted")
	}

	// A retransmitted frame carries the same id and must not
	// duplicate or overwrite the row.
	msg.Text = "tampered"
	inserted, err = s.InsertMessage(ctx, msg)
	if err != nil {
		t.Fatalf("second InsertMessage: %v", err)
	}
	if inserted {
		t.Error("duplicate insert reported inserted")
	}

	stored, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if stored.Text != "hello" {
		t.Errorf("text = %q, want original %q", stored.Text, "hello")
	}
}

func TestUpdateMessageStatusTransitions(t *testing.T) {
	tests := []struct {
		name        string
		from, to    string
		wantChanged bool
	}{
		{"pending to sent", StatusPending, StatusSent, true},
		{"pending to delivered", StatusPending, StatusDelivered, true},
		{"sent to delivered", StatusSent, StatusDelivered, true},
		{"delivered to read", StatusDelivered, StatusRead, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"sent to failed", StatusSent, StatusFailed, false},
		{"delivered to sent", StatusDelivered, StatusSent, false},
		{"read to delivered", StatusRead, StatusDelivered, false},
		{"failed to sent", StatusFailed, StatusSent, false},
		{"sent to sent", StatusSent, StatusSent, false},
	}
	for i, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()

			id := ulidLike(i)
			_, err := s.InsertMessage(ctx, Message{
				ID: id, ChatID: "c", Direction: DirectionOut,
				SenderID: "self", ContentType: "text",
				CreatedAt: 1, Status: test.from,
			})
			if err != nil {
				t.Fatalf("InsertMessage: %v", err)
			}

			changed, err := s.UpdateMessageStatus(ctx, id, test.to)
			if err != nil {
				t.Fatalf("UpdateMessageStatus: %v", err)
			}
			if changed != test.wantChanged {
				t.Errorf("changed = %v, want %v", changed, test.wantChanged)
			}

			stored, err := s.GetMessage(ctx, id)
			if err != nil {
				t.Fatalf("GetMessage: %v", err)
			}
			wantStatus := test.from
			if test.wantChanged {
				wantStatus = test.to
			}
			if stored.Status != wantStatus {
				t.Errorf("status = %q, want %q", stored.Status, wantStatus)
			}
		})
	}
}

func TestUpdateMessageStatusMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateMessageStatus(context.Background(), ulidLike(999), StatusSent)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestChatHistoryPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.InsertMessage(ctx, Message{
			ID: ulidLike(i), ChatID: "peer-a", Direction: DirectionIn,
			SenderID: "peer-a", ContentType: "text",
			Text: fmt.Sprintf("m%d", i), CreatedAt: int64(i), Status: StatusDelivered,
		})
		if err != nil {
			t.Fatalf("InsertMessage %d: %v", i, err)
		}
	}
	// A message in another chat must not leak in.
	if _, err := s.InsertMessage(ctx, Message{
		ID: ulidLike(100), ChatID: "peer-b", Direction: DirectionIn,
		SenderID: "peer-b", ContentType: "text", CreatedAt: 50, Status: StatusDelivered,
	}); err != nil {
		t.Fatalf("InsertMessage other chat: %v", err)
	}

	page, err := s.ChatHistory(ctx, "peer-a", "", 4)
	if err != nil {
		t.Fatalf("ChatHistory: %v", err)
	}
	if len(page) != 4 {
		t.Fatalf("page size = %d, want 4", len(page))
	}
	// Newest window, ascending order inside the page.
	for i, msg := range page {
		if want := ulidLike(6 + i); msg.ID != want {
			t.Errorf("page[%d].ID = %s, want %s", i, msg.ID, want)
		}
	}

	older, err := s.ChatHistory(ctx, "peer-a", page[0].ID, 4)
	if err != nil {
		t.Fatalf("ChatHistory older: %v", err)
	}
	if len(older) != 4 || older[len(older)-1].ID != ulidLike(5) {
		t.Fatalf("older page ends at %s, want %s", older[len(older)-1].ID, ulidLike(5))
	}

	all, err := s.ChatHistory(ctx, "peer-a", "", 0)
	if err != nil {
		t.Fatalf("ChatHistory all: %v", err)
	}
	if len(all) != 10 {
		t.Fatalf("full history size = %d, want 10", len(all))
	}
}

func TestUnreadAndMarkRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.InsertMessage(ctx, Message{
			ID: ulidLike(i), ChatID: "peer-a", Direction: DirectionIn,
			SenderID: "peer-a", ContentType: "text",
			CreatedAt: int64(i), Status: StatusDelivered,
		}); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}
	// Outbound messages never count as unread.
	if _, err := s.InsertMessage(ctx, Message{
		ID: ulidLike(10), ChatID: "peer-a", Direction: DirectionOut,
		SenderID: "self", ContentType: "text",
		CreatedAt: 10, Status: StatusPending,
	}); err != nil {
		t.Fatalf("InsertMessage outbound: %v", err)
	}

	counts, err := s.UnreadCounts(ctx)
	if err != nil {
		t.Fatalf("UnreadCounts: %v", err)
	}
	if counts["peer-a"] != 3 {
		t.Fatalf("unread = %d, want 3", counts["peer-a"])
	}

	needReceipt, err := s.MarkChatRead(ctx, "peer-a")
	if err != nil {
		t.Fatalf("MarkChatRead: %v", err)
	}
	if len(needReceipt) != 3 {
		t.Fatalf("receipts needed = %d, want 3", len(needReceipt))
	}

	if err := s.MarkReadAcked(ctx, needReceipt); err != nil {
		t.Fatalf("MarkReadAcked: %v", err)
	}

	// A second pass finds nothing unread and nothing to ack.
	needReceipt, err = s.MarkChatRead(ctx, "peer-a")
	if err != nil {
		t.Fatalf("second MarkChatRead: %v", err)
	}
	if len(needReceipt) != 0 {
		t.Errorf("receipts after ack = %d, want 0", len(needReceipt))
	}

	counts, err = s.UnreadCounts(ctx)
	if err != nil {
		t.Fatalf("UnreadCounts: %v", err)
	}
	if counts["peer-a"] != 0 {
		t.Errorf("unread after read = %d, want 0", counts["peer-a"])
	}
}

func TestPendingOutbound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	statuses := []string{StatusPending, StatusSent, StatusPending, StatusFailed}
	for i, status := range statuses {
		if _, err := s.InsertMessage(ctx, Message{
			ID: ulidLike(i), ChatID: "peer-a", Direction: DirectionOut,
			SenderID: "self", ContentType: "text",
			CreatedAt: int64(i), Status: status,
		}); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}

	pending, err := s.PendingOutbound(ctx)
	if err != nil {
		t.Fatalf("PendingOutbound: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ID != ulidLike(0) || pending[1].ID != ulidLike(2) {
		t.Errorf("pending order = %s, %s", pending[0].ID, pending[1].ID)
	}
}

func TestPeerLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	peer := Peer{ID: "peer-a", Alias: "Alice", AddedAt: 100}
	if err := s.AddPeer(ctx, peer); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if err := s.AddPeer(ctx, peer); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate AddPeer = %v, want ErrConflict", err)
	}

	trusted, err := s.IsTrusted(ctx, "peer-a")
	if err != nil {
		t.Fatalf("IsTrusted: %v", err)
	}
	if !trusted {
		t.Error("added peer not trusted")
	}
	trusted, err = s.IsTrusted(ctx, "peer-b")
	if err != nil {
		t.Fatalf("IsTrusted: %v", err)
	}
	if trusted {
		t.Error("unknown peer reported trusted")
	}

	if err := s.SetPeerAlias(ctx, "peer-a", "Alicia"); err != nil {
		t.Fatalf("SetPeerAlias: %v", err)
	}
	if err := s.TouchPeer(ctx, "peer-a", 500); err != nil {
		t.Fatalf("TouchPeer: %v", err)
	}
	got, err := s.GetPeer(ctx, "peer-a")
	if err != nil {
		t.Fatalf("GetPeer: %v", err)
	}
	if got.Alias != "Alicia" || got.LastSeen != 500 {
		t.Errorf("peer = %+v", got)
	}

	if err := s.SetPeerAlias(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetPeerAlias(missing) = %v, want ErrNotFound", err)
	}
}

func TestListPeersOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, peer := range []Peer{
		{ID: "c", AddedAt: 3},
		{ID: "a", AddedAt: 1},
		{ID: "b", AddedAt: 2, Pinned: true},
	} {
		if err := s.AddPeer(ctx, peer); err != nil {
			t.Fatalf("AddPeer %s: %v", peer.ID, err)
		}
	}

	peers, err := s.ListPeers(ctx)
	if err != nil {
		t.Fatalf("ListPeers: %v", err)
	}
	var order []string
	for _, peer := range peers {
		order = append(order, peer.ID)
	}
	want := []string{"b", "a", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRemovePeerCleansUp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddPeer(ctx, Peer{ID: "peer-a", AddedAt: 1}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if _, err := s.InsertMessage(ctx, Message{
		ID: ulidLike(1), ChatID: "peer-a", Direction: DirectionIn,
		SenderID: "peer-a", ContentType: "text",
		CreatedAt: 1, Status: StatusDelivered,
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if err := s.CreateEnvelope(ctx, Envelope{ID: "env-1", Name: "Work", CreatedAt: 1}); err != nil {
		t.Fatalf("CreateEnvelope: %v", err)
	}
	if err := s.AssignChat(ctx, "peer-a", "env-1"); err != nil {
		t.Fatalf("AssignChat: %v", err)
	}

	if err := s.RemovePeer(ctx, "peer-a"); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}

	if _, err := s.GetPeer(ctx, "peer-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPeer after remove = %v, want ErrNotFound", err)
	}
	history, err := s.ChatHistory(ctx, "peer-a", "", 0)
	if err != nil {
		t.Fatalf("ChatHistory: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("history survives peer removal: %d rows", len(history))
	}
	assignments, err := s.ChatAssignments(ctx)
	if err != nil {
		t.Fatalf("ChatAssignments: %v", err)
	}
	if _, ok := assignments["peer-a"]; ok {
		t.Error("envelope assignment survives peer removal")
	}

	if err := s.RemovePeer(ctx, "peer-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second RemovePeer = %v, want ErrNotFound", err)
	}
}

func TestEnvelopeDeleteReleasesChats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateEnvelope(ctx, Envelope{ID: "env-1", Name: "Work", CreatedAt: 1}); err != nil {
		t.Fatalf("CreateEnvelope: %v", err)
	}
	if err := s.AssignChat(ctx, "peer-a", "env-1"); err != nil {
		t.Fatalf("AssignChat: %v", err)
	}
	if err := s.DeleteEnvelope(ctx, "env-1"); err != nil {
		t.Fatalf("DeleteEnvelope: %v", err)
	}

	assignments, err := s.ChatAssignments(ctx)
	if err != nil {
		t.Fatalf("ChatAssignments: %v", err)
	}
	if len(assignments) != 0 {
		t.Errorf("assignments after envelope delete = %v, want none", assignments)
	}
}

func TestAssignChatReassignAndUnassign(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, env := range []Envelope{
		{ID: "env-1", Name: "Work", CreatedAt: 1},
		{ID: "env-2", Name: "Friends", CreatedAt: 2},
	} {
		if err := s.CreateEnvelope(ctx, env); err != nil {
			t.Fatalf("CreateEnvelope %s: %v", env.ID, err)
		}
	}

	if err := s.AssignChat(ctx, "peer-a", "env-1"); err != nil {
		t.Fatalf("AssignChat: %v", err)
	}
	if err := s.AssignChat(ctx, "peer-a", "env-2"); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	assignments, _ := s.ChatAssignments(ctx)
	if assignments["peer-a"] != "env-2" {
		t.Errorf("assignment = %q, want env-2", assignments["peer-a"])
	}

	if err := s.AssignChat(ctx, "peer-a", ""); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	assignments, _ = s.ChatAssignments(ctx)
	if len(assignments) != 0 {
		t.Errorf("assignments after unassign = %v", assignments)
	}
}

func TestFileQuarantine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	file := FileRecord{
		Hash: "abc123", SizeBytes: 4096, LocalPath: "/tmp/abc123",
		FirstSeen: 1, Origin: OriginRemote,
	}
	if err := s.UpsertFile(ctx, file); err != nil {
		t.Fatalf("UpsertFile: %v", err)
	}

	if err := s.QuarantineFile(ctx, "abc123"); err != nil {
		t.Fatalf("QuarantineFile: %v", err)
	}
	got, err := s.GetFile(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if !got.Quarantined || got.IsComplete {
		t.Errorf("file = %+v, want quarantined and incomplete", got)
	}

	if err := s.SetFileComplete(ctx, "abc123"); err != nil {
		t.Fatalf("SetFileComplete: %v", err)
	}
	got, _ = s.GetFile(ctx, "abc123")
	if !got.IsComplete || got.Quarantined {
		t.Errorf("file = %+v, want complete and not quarantined", got)
	}

	if err := s.DeleteFile(ctx, "abc123"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := s.GetFile(ctx, "abc123"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetFile after delete = %v, want ErrNotFound", err)
	}
}

func TestStickers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddSticker(ctx, Sticker{Hash: "h1", Name: "wave", SizeBytes: 100, CreatedAt: 1}); err != nil {
		t.Fatalf("AddSticker: %v", err)
	}
	if err := s.AddSticker(ctx, Sticker{Hash: "h2", Name: "smile", SizeBytes: 200, CreatedAt: 2}); err != nil {
		t.Fatalf("AddSticker: %v", err)
	}
	// Re-adding updates the name only.
	if err := s.AddSticker(ctx, Sticker{Hash: "h1", Name: "hello", SizeBytes: 999, CreatedAt: 99}); err != nil {
		t.Fatalf("re-AddSticker: %v", err)
	}

	stickers, err := s.ListStickers(ctx)
	if err != nil {
		t.Fatalf("ListStickers: %v", err)
	}
	if len(stickers) != 2 {
		t.Fatalf("stickers = %d, want 2", len(stickers))
	}
	if stickers[0].Hash != "h2" {
		t.Errorf("newest first: got %s", stickers[0].Hash)
	}
	if stickers[1].Name != "hello" || stickers[1].SizeBytes != 100 {
		t.Errorf("sticker h1 = %+v", stickers[1])
	}

	if err := s.RemoveSticker(ctx, "h1"); err != nil {
		t.Fatalf("RemoveSticker: %v", err)
	}
	if err := s.RemoveSticker(ctx, "h1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second RemoveSticker = %v, want ErrNotFound", err)
	}
}

func TestSettingsAndProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, SettingTheme); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSetting on empty store = %v, want ErrNotFound", err)
	}

	if err := s.SetSetting(ctx, SettingTheme, `{"accent":"#ff0000"}`); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	value, err := s.GetSetting(ctx, SettingTheme)
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if value != `{"accent":"#ff0000"}` {
		t.Errorf("value = %q", value)
	}

	profile, err := s.GetProfile(ctx)
	if err != nil {
		t.Fatalf("GetProfile on empty store: %v", err)
	}
	if profile.DisplayName != "" {
		t.Errorf("empty profile = %+v", profile)
	}

	if err := s.SetProfile(ctx, Profile{DisplayName: "Alice", AvatarHash: "h1"}); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}
	profile, err = s.GetProfile(ctx)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if profile.DisplayName != "Alice" || profile.AvatarHash != "h1" {
		t.Errorf("profile = %+v", profile)
	}

	// Clearing the avatar removes the stored hash.
	if err := s.SetProfile(ctx, Profile{DisplayName: "Alice"}); err != nil {
		t.Fatalf("SetProfile clear avatar: %v", err)
	}
	profile, _ = s.GetProfile(ctx)
	if profile.AvatarHash != "" {
		t.Errorf("avatar = %q, want cleared", profile.AvatarHash)
	}
}

func TestInviteLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	invite := Invite{
		Nonce: "n1", Invitee: "Bob", Secret: []byte{1, 2, 3},
		CreatedAt: 100, ExpiresAt: 200, State: InviteStatePending,
	}
	if err := s.SaveInvite(ctx, invite); err != nil {
		t.Fatalf("SaveInvite: %v", err)
	}
	if err := s.SaveInvite(ctx, invite); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate SaveInvite = %v, want ErrConflict", err)
	}

	got, err := s.GetInvite(ctx, "n1")
	if err != nil {
		t.Fatalf("GetInvite: %v", err)
	}
	if got.Invitee != "Bob" || len(got.Secret) != 3 {
		t.Errorf("invite = %+v", got)
	}

	if err := s.SetInviteState(ctx, "n1", InviteStateRedeemed); err != nil {
		t.Fatalf("SetInviteState: %v", err)
	}
	got, _ = s.GetInvite(ctx, "n1")
	if got.State != InviteStateRedeemed {
		t.Errorf("state = %q, want redeemed", got.State)
	}
}

func TestExpireInvites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, invite := range []Invite{
		{Nonce: "old", Invitee: "a", Secret: []byte{1}, CreatedAt: 1, ExpiresAt: 100, State: InviteStatePending},
		{Nonce: "fresh", Invitee: "b", Secret: []byte{2}, CreatedAt: 1, ExpiresAt: 900, State: InviteStatePending},
		{Nonce: "done", Invitee: "c", Secret: []byte{3}, CreatedAt: 1, ExpiresAt: 100, State: InviteStateRedeemed},
	} {
		if err := s.SaveInvite(ctx, invite); err != nil {
			t.Fatalf("SaveInvite %s: %v", invite.Nonce, err)
		}
	}

	expired, err := s.ExpireInvites(ctx, 500)
	if err != nil {
		t.Fatalf("ExpireInvites: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	old, _ := s.GetInvite(ctx, "old")
	if old.State != InviteStateExpired {
		t.Errorf("old state = %q, want expired", old.State)
	}
	fresh, _ := s.GetInvite(ctx, "fresh")
	if fresh.State != InviteStatePending {
		t.Errorf("fresh state = %q, want pending", fresh.State)
	}
	done, _ := s.GetInvite(ctx, "done")
	if done.State != InviteStateRedeemed {
		t.Errorf("redeemed state = %q, want untouched", done.State)
	}
}

func TestLatestChatTimes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows := []struct {
		chat string
		at   int64
	}{
		{"peer-a", 10}, {"peer-a", 30}, {"peer-b", 20},
	}
	for i, row := range rows {
		if _, err := s.InsertMessage(ctx, Message{
			ID: ulidLike(i), ChatID: row.chat, Direction: DirectionIn,
			SenderID: row.chat, ContentType: "text",
			CreatedAt: row.at, Status: StatusDelivered,
		}); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}

	times, err := s.LatestChatTimes(ctx)
	if err != nil {
		t.Fatalf("LatestChatTimes: %v", err)
	}
	if times["peer-a"] != 30 || times["peer-b"] != 20 {
		t.Errorf("times = %v", times)
	}
}
