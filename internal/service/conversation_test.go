package service

import (
	"context"
	"errors"
	"testing"

	"carechat/internal/models"
	"carechat/internal/protocol"
)

func TestCreateDirect_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.convs.Create(ctx, who("alice"), CreateConversationInput{Type: models.ConversationDirect, MemberIDs: []string{"bob"}})
	if err != nil || !created {
		t.Fatalf("Create() = created %v, err %v; want created", created, err)
	}
	second, created, err := f.convs.Create(ctx, who("bob"), CreateConversationInput{Type: models.ConversationDirect, MemberIDs: []string{"alice", "bob"}})
	if err != nil {
		t.Fatalf("Create() second error = %v", err)
	}
	if created || second.ID != first.ID {
		t.Errorf("second Create() = %s created %v, want existing %s", second.ID, created, first.ID)
	}
	if n := f.bus.count("user", protocol.EventConversationCreated); n != 2 {
		t.Errorf("conversation:created events = %d, want 2", n)
	}
	if n := f.bus.count("join", ""); n != 2 {
		t.Errorf("JoinUser calls = %d, want 2", n)
	}
	for _, m := range first.Members {
		if m.IsAdmin {
			t.Errorf("direct member %s is admin", m.UserID)
		}
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	long := string(make([]rune, maxTitleLen+1))
	tests := []struct {
		name string
		in   CreateConversationInput
		want error
	}{
		{"direct with nobody", CreateConversationInput{Type: models.ConversationDirect}, ErrInvalidDirectSize},
		{"direct with self", CreateConversationInput{Type: models.ConversationDirect, MemberIDs: []string{"alice"}}, ErrInvalidDirectSize},
		{"direct with two others", CreateConversationInput{Type: models.ConversationDirect, MemberIDs: []string{"bob", "carol"}}, ErrInvalidDirectSize},
		{"unknown user", CreateConversationInput{Type: models.ConversationGroup, MemberIDs: []string{"ghost"}}, ErrInvalidMembership},
		{"inactive user", CreateConversationInput{Type: models.ConversationSupport, MemberIDs: []string{"inactive"}}, ErrInvalidMembership},
		{"bad type", CreateConversationInput{Type: "CHANNEL", MemberIDs: []string{"bob"}}, ErrInvalidInput},
		{"title too long", CreateConversationInput{Type: models.ConversationGroup, Title: &long}, ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.convs.Create(context.Background(), who("alice"), tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("Create() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateGroup_CreatorIsAdmin(t *testing.T) {
	f := newFixture(t)
	conv, _, err := f.convs.Create(context.Background(), who("alice"), CreateConversationInput{
		Type:      models.ConversationGroup,
		MemberIDs: []string{"bob", "bob", " ", "carol"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(conv.Members) != 3 {
		t.Fatalf("members = %d, want 3 after de-duplication", len(conv.Members))
	}
	for _, m := range conv.Members {
		if m.IsAdmin != (m.UserID == "alice") {
			t.Errorf("member %s IsAdmin = %v", m.UserID, m.IsAdmin)
		}
	}
}

func TestGet_AccessControl(t *testing.T) {
	f := newFixture(t)
	id := f.group(t)
	tests := []struct {
		name  string
		actor string
		convo string
		want  error
	}{
		{"member", "bob", id, nil},
		{"non-member", "dave", id, ErrAccessDenied},
		{"moderator", "mod", id, nil},
		{"missing", "alice", "no-such-conversation", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.convs.Get(context.Background(), who(tt.actor), tt.convo)
			if !errors.Is(err, tt.want) && !(err == nil && tt.want == nil) {
				t.Errorf("Get() error = %v, want %v", err, tt.want)
			}
		})
	}

	if err := f.convs.RemoveMember(context.Background(), who("bob"), id, "bob"); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	if _, err := f.convs.Get(context.Background(), who("bob"), id); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Get() after leaving error = %v, want ErrAccessDenied", err)
	}
}

func TestList_CapsLimitAndPages(t *testing.T) {
	f := newFixture(t)
	f.convs.limits = Limits{ConversationDefault: 1, ConversationMax: 2, MessageDefault: 50, MessageMax: 100}
	for i := 0; i < 3; i++ {
		f.group(t)
	}
	ctx := context.Background()

	page, err := f.convs.List(ctx, who("bob"), ListConversationsInput{Limit: 1000})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.Limit != 2 || len(page.Items) != 2 || page.Total != 3 {
		t.Errorf("List() = limit %d, %d items, total %d; want 2, 2, 3", page.Limit, len(page.Items), page.Total)
	}
	page, err = f.convs.List(ctx, who("bob"), ListConversationsInput{Page: 2, Limit: 2})
	if err != nil {
		t.Fatalf("List(page 2) error = %v", err)
	}
	if len(page.Items) != 1 {
		t.Errorf("List(page 2) items = %d, want 1", len(page.Items))
	}
	page, err = f.convs.List(ctx, who("dave"), ListConversationsInput{})
	if err != nil || page.Total != 0 {
		t.Errorf("List(non-member) = %+v, %v; want empty", page, err)
	}
	if _, err := f.convs.List(ctx, who("bob"), ListConversationsInput{Type: "CHANNEL"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("List(bad type) error = %v, want ErrInvalidInput", err)
	}
}

func TestList_OrdersByLastMessage(t *testing.T) {
	f := newFixture(t)
	older := f.group(t)
	newer := f.group(t)
	f.send(t, "alice", older, "bump")

	page, err := f.convs.List(context.Background(), who("alice"), ListConversationsInput{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != older || page.Items[1].ID != newer {
		t.Errorf("List() order wrong, want conversation with latest message first")
	}
}

func TestUpdateConversation(t *testing.T) {
	f := newFixture(t)
	id := f.group(t)
	ctx := context.Background()
	archived := true
	title := "care team"

	if _, err := f.convs.Update(ctx, who("bob"), id, UpdateConversationInput{Title: &title}); !errors.Is(err, ErrInsufficientPermission) {
		t.Errorf("Update(non-admin) error = %v, want ErrInsufficientPermission", err)
	}
	if _, err := f.convs.Update(ctx, who("alice"), id, UpdateConversationInput{}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Update(empty) error = %v, want ErrInvalidInput", err)
	}
	got, err := f.convs.Update(ctx, who("alice"), id, UpdateConversationInput{Title: &title, IsArchived: &archived})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !got.IsArchived || got.Title == nil || *got.Title != title {
		t.Errorf("Update() = %+v, want archived with title", got)
	}
	if f.bus.count("room", protocol.EventConversationUpdated) != 1 {
		t.Error("conversation:updated not broadcast")
	}
}

func TestAddMember_Permissions(t *testing.T) {
	f := newFixture(t)
	id := f.group(t)
	direct, _, err := f.convs.Create(context.Background(), who("alice"), CreateConversationInput{Type: models.ConversationDirect, MemberIDs: []string{"bob"}})
	if err != nil {
		t.Fatalf("Create(direct) error = %v", err)
	}
	tests := []struct {
		name   string
		actor  string
		convo  string
		target string
		want   error
	}{
		{"plain member", "bob", id, "dave", ErrInsufficientPermission},
		{"non-member", "dave", id, "dave", ErrNotAMember},
		{"direct conversation", "mod", direct.ID, "dave", ErrInvalidDirectSize},
		{"inactive target", "alice", id, "inactive", ErrInvalidMembership},
		{"missing conversation", "alice", "nope", "dave", ErrNotFound},
		{"moderator", "mod", id, "dave", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.convs.AddMember(context.Background(), who(tt.actor), tt.convo, tt.target, false)
			if !errors.Is(err, tt.want) && !(err == nil && tt.want == nil) {
				t.Errorf("AddMember() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAddMember_ReactivatesLeftMember(t *testing.T) {
	f := newFixture(t)
	id := f.group(t)
	ctx := context.Background()

	if err := f.convs.RemoveMember(ctx, who("alice"), id, "carol"); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	f.bus.reset()
	m, err := f.convs.AddMember(ctx, who("alice"), id, "carol", true)
	if err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if m.LeftAt != nil || !m.IsAdmin {
		t.Errorf("AddMember() = %+v, want active admin", m)
	}
	row, err := f.mem.GetMember(ctx, id, "carol")
	if err != nil || !row.Active() {
		t.Fatalf("GetMember() = %+v, %v; want active row", row, err)
	}
	if f.bus.count("room", protocol.EventConversationMemberAdded) != 1 || f.bus.count("join", "") != 1 {
		t.Error("re-activation should broadcast member_added and join the user's connection")
	}

	// 已经是有效成员时没有事件。
	f.bus.reset()
	if _, err := f.convs.AddMember(ctx, who("alice"), id, "carol", false); err != nil {
		t.Fatalf("AddMember(active) error = %v", err)
	}
	if len(f.bus.calls) != 0 {
		t.Errorf("AddMember(active) produced %d broadcasts, want 0", len(f.bus.calls))
	}
}

func TestRemoveMember(t *testing.T) {
	f := newFixture(t)
	id := f.group(t)
	ctx := context.Background()

	if err := f.convs.RemoveMember(ctx, who("bob"), id, "carol"); !errors.Is(err, ErrInsufficientPermission) {
		t.Errorf("RemoveMember(by non-admin) error = %v, want ErrInsufficientPermission", err)
	}
	if err := f.convs.RemoveMember(ctx, who("alice"), id, "dave"); !errors.Is(err, ErrNotAMember) {
		t.Errorf("RemoveMember(non-member) error = %v, want ErrNotAMember", err)
	}

	f.bus.reset()
	if err := f.convs.RemoveMember(ctx, who("alice"), id, "carol"); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	if len(f.bus.calls) != 2 || f.bus.calls[0].event != protocol.EventConversationMemberRemoved || f.bus.calls[1].kind != "remove" {
		t.Errorf("calls = %+v, want member_removed broadcast then RemoveUser", f.bus.calls)
	}
	if err := f.convs.CanJoin(ctx, who("carol"), id); !errors.Is(err, ErrNotAMember) {
		t.Errorf("CanJoin() after removal = %v, want ErrNotAMember", err)
	}
	if err := f.convs.RemoveMember(ctx, who("bob"), id, "bob"); err != nil {
		t.Errorf("RemoveMember(self) error = %v", err)
	}
}

func TestRemoveMember_DirectKeepsBothMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, _, err := f.convs.Create(ctx, who("alice"), CreateConversationInput{Type: models.ConversationDirect, MemberIDs: []string{"bob"}})
	if err != nil {
		t.Fatalf("Create(direct) error = %v", err)
	}

	tests := []struct {
		name   string
		actor  string
		target string
	}{
		{"self leave", "alice", "alice"},
		{"other member", "bob", "alice"},
		{"moderator", "mod", "bob"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.convs.RemoveMember(ctx, who(tt.actor), conv.ID, tt.target); !errors.Is(err, ErrInvalidDirectSize) {
				t.Errorf("RemoveMember() error = %v, want ErrInvalidDirectSize", err)
			}
		})
	}

	again, created, err := f.convs.Create(ctx, who("bob"), CreateConversationInput{Type: models.ConversationDirect, MemberIDs: []string{"alice"}})
	if err != nil || created || again.ID != conv.ID {
		t.Fatalf("Create() again = %v created %v err %v, want existing %s", again, created, err, conv.ID)
	}
	if len(again.Members) != 2 {
		t.Errorf("direct members = %d, want 2", len(again.Members))
	}
	if _, err := f.convs.Get(ctx, who("alice"), conv.ID); err != nil {
		t.Errorf("Get() by alice error = %v", err)
	}
}

func TestUpdateMember(t *testing.T) {
	f := newFixture(t)
	id := f.group(t)
	ctx := context.Background()
	yes := true

	m, err := f.convs.UpdateMember(ctx, who("bob"), id, "bob", UpdateMemberInput{IsMuted: &yes})
	if err != nil || !m.IsMuted {
		t.Fatalf("UpdateMember(self mute) = %+v, %v", m, err)
	}
	if _, err := f.convs.UpdateMember(ctx, who("bob"), id, "bob", UpdateMemberInput{IsAdmin: &yes}); !errors.Is(err, ErrInsufficientPermission) {
		t.Errorf("UpdateMember(self promote) error = %v, want ErrInsufficientPermission", err)
	}
	if _, err := f.convs.UpdateMember(ctx, who("bob"), id, "carol", UpdateMemberInput{IsMuted: &yes}); !errors.Is(err, ErrInsufficientPermission) {
		t.Errorf("UpdateMember(other) error = %v, want ErrInsufficientPermission", err)
	}
	m, err = f.convs.UpdateMember(ctx, who("alice"), id, "bob", UpdateMemberInput{IsAdmin: &yes})
	if err != nil || !m.IsAdmin {
		t.Fatalf("UpdateMember(promote) = %+v, %v", m, err)
	}
	if f.bus.count("room", protocol.EventConversationMemberUpdated) != 2 {
		t.Error("member_updated should be broadcast for each change")
	}
	if _, err := f.convs.UpdateMember(ctx, who("alice"), id, "bob", UpdateMemberInput{}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("UpdateMember(empty) error = %v, want ErrInvalidInput", err)
	}
}

func TestActiveConversationIDsAndCanJoin(t *testing.T) {
	f := newFixture(t)
	id := f.group(t)
	ctx := context.Background()

	ids, err := f.convs.ActiveConversationIDs(ctx, "carol")
	if err != nil || len(ids) != 1 || ids[0] != id {
		t.Errorf("ActiveConversationIDs() = %v, %v; want [%s]", ids, err, id)
	}
	if err := f.convs.CanJoin(ctx, who("carol"), id); err != nil {
		t.Errorf("CanJoin(member) = %v", err)
	}
	if err := f.convs.CanJoin(ctx, who("dave"), id); !errors.Is(err, ErrNotAMember) {
		t.Errorf("CanJoin(non-member) = %v, want ErrNotAMember", err)
	}
	if err := f.convs.CanJoin(ctx, who("dave"), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CanJoin(missing) = %v, want ErrNotFound", err)
	}
}

func TestGet_TransientRead(t *testing.T) {
	f := newFixture(t)
	id := f.group(t)
	ctx := context.Background()

	f.st.failures["GetConversation"] = 1
	if _, err := f.convs.Get(ctx, who("alice"), id); err != nil {
		t.Errorf("Get() after one transient failure = %v, want success", err)
	}
	f.st.failures["GetConversation"] = 2
	if _, err := f.convs.Get(ctx, who("alice"), id); !errors.Is(err, ErrTransientIO) {
		t.Errorf("Get() after two transient failures = %v, want ErrTransientIO", err)
	}
}
