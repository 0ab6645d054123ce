package pim_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pimstore/internal/pim"
	"pimstore/internal/testutil"
)

func TestEngine_CreateItem(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewTestEngine(t, 32)
	e := env.Engine

	contacts := mustCollection(t, e, pim.RootID, "Contacts", "text/vcard")
	parts := map[string][]byte{
		"vcard": []byte("BEGIN:VCARD\r\nFN:Ada\r\nEND:VCARD\r\n"),
		"photo": bytes.Repeat([]byte{0xff, 0xd8}, 64),
	}
	it, err := e.CreateItem(ctx, pim.NewItem{
		CollectionID: contacts.ID,
		MimeType:     "Text/VCard",
		RemoteID:     "ada.vcf",
		Parts:        parts,
	})
	if err != nil {
		t.Fatalf("CreateItem() error = %v", err)
	}
	if it.MimeType != "text/vcard" || it.Revision != 0 || it.Size != int64(len(parts["vcard"])+len(parts["photo"])) {
		t.Errorf("created item = %+v", it)
	}
	if !it.ModifiedAt.Equal(env.Clock.Now()) {
		t.Errorf("ModifiedAt = %v, want %v", it.ModifiedAt, env.Clock.Now())
	}

	for name, want := range parts {
		got, err := e.ReadPart(ctx, it.ID, name)
		if err != nil {
			t.Fatalf("ReadPart(%q) error = %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("ReadPart(%q) = %q, want %q", name, got, want)
		}
	}

	events := env.Events.Events()
	last := events[len(events)-1]
	if diff := cmp.Diff([]string{"photo", "vcard"}, last.Parts); diff != "" {
		t.Errorf("event parts mismatch (-want +got):\n%s", diff)
	}
	if last.ParentID != contacts.ID || last.Resource != "imap" || last.MimeType != "text/vcard" {
		t.Errorf("event = %+v", last)
	}

	items, err := e.ListItems(ctx, contacts.ID)
	if err != nil {
		t.Fatalf("ListItems() error = %v", err)
	}
	if len(items) != 1 || items[0].ID != it.ID {
		t.Errorf("ListItems() = %+v, want [%d]", items, it.ID)
	}
}

func TestEngine_CreateItem_Errors(t *testing.T) {
	env := testutil.NewTestEngine(t, 4096)
	e := env.Engine
	contacts := mustCollection(t, e, pim.RootID, "Contacts", "text/vcard")
	if _, err := e.CreateItem(context.Background(), pim.NewItem{
		CollectionID: contacts.ID, MimeType: "text/vcard", RemoteID: "dup",
	}); err != nil {
		t.Fatalf("CreateItem() error = %v", err)
	}

	tests := []struct {
		name string
		req  pim.NewItem
		want error
	}{
		{"in root", pim.NewItem{CollectionID: pim.RootID, MimeType: "text/vcard"}, pim.ErrInvalidParent},
		{"missing collection", pim.NewItem{CollectionID: 999, MimeType: "text/vcard"}, pim.ErrInvalidParent},
		{"mime type not allowed", pim.NewItem{CollectionID: contacts.ID, MimeType: "message/rfc822"}, pim.ErrInvalidParent},
		{"no mime type", pim.NewItem{CollectionID: contacts.ID}, pim.ErrInvalidArgument},
		{"bad part name", pim.NewItem{CollectionID: contacts.ID, MimeType: "text/vcard", Parts: map[string][]byte{" body": nil}}, pim.ErrInvalidArgument},
		{"duplicate remote id", pim.NewItem{CollectionID: contacts.ID, MimeType: "text/vcard", RemoteID: "dup"}, pim.ErrAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.CreateItem(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("CreateItem() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := e.ListItems(context.Background(), 999); !errors.Is(err, pim.ErrNotFound) {
		t.Errorf("ListItems(missing) error = %v, want ErrNotFound", err)
	}
}

func TestEngine_ModifyItem(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewTestEngine(t, 16)
	e := env.Engine

	inbox := mustCollection(t, e, pim.RootID, "Inbox")
	it := mustItem(t, e, inbox.ID, "message/rfc822", map[string][]byte{
		"headers": []byte("Subject: hi"),
		"body":    bytes.Repeat([]byte("b"), 200),
		"flags":   []byte("\\Seen"),
	})
	env.Events.Reset()
	env.Clock.Advance(90)

	remoteID := "uid-17"
	got, err := e.ModifyItem(ctx, it.ID, pim.ItemChanges{
		RemoteID:    &remoteID,
		Parts:       map[string][]byte{"flags": []byte("\\Seen \\Flagged")},
		RemoveParts: []string{"body", "missing"},
	})
	if err != nil {
		t.Fatalf("ModifyItem() error = %v", err)
	}
	wantSize := int64(len("Subject: hi") + len("\\Seen \\Flagged"))
	if got.Revision != 1 || got.RemoteID != "uid-17" || got.Size != wantSize {
		t.Errorf("modified item = %+v, want revision 1, remote id uid-17, size %d", got, wantSize)
	}
	if !got.ModifiedAt.Equal(env.Clock.Now()) {
		t.Errorf("ModifiedAt = %v, want %v", got.ModifiedAt, env.Clock.Now())
	}

	parts, err := e.ItemParts(ctx, it.ID)
	if err != nil {
		t.Fatalf("ItemParts() error = %v", err)
	}
	var names []string
	for _, p := range parts {
		names = append(names, p.Name)
	}
	if diff := cmp.Diff([]string{"flags", "headers"}, names); diff != "" {
		t.Errorf("parts mismatch (-want +got):\n%s", diff)
	}
	if env.Blobs.Len() != 0 {
		t.Errorf("blob count = %d after removing the external part, want 0", env.Blobs.Len())
	}

	events := env.Events.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if diff := cmp.Diff([]string{"flags", "body"}, events[0].Parts); diff != "" {
		t.Errorf("event parts mismatch (-want +got):\n%s", diff)
	}

	if _, err := e.ModifyItem(ctx, it.ID, pim.ItemChanges{
		Parts:       map[string][]byte{"flags": nil},
		RemoveParts: []string{"flags"},
	}); !errors.Is(err, pim.ErrInvalidArgument) {
		t.Errorf("write and remove same part error = %v, want ErrInvalidArgument", err)
	}
	if _, err := e.ModifyItem(ctx, 999, pim.ItemChanges{}); !errors.Is(err, pim.ErrNotFound) {
		t.Errorf("ModifyItem(missing) error = %v, want ErrNotFound", err)
	}
}

func TestEngine_MoveItem(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewTestEngine(t, 4096)
	e := env.Engine

	inbox := mustCollection(t, e, pim.RootID, "Inbox")
	archive := mustCollection(t, e, pim.RootID, "Archive")
	year := mustCollection(t, e, archive.ID, "2026")
	contacts := mustCollection(t, e, pim.RootID, "Contacts", "text/vcard")
	it := mustItem(t, e, inbox.ID, "message/rfc822", map[string][]byte{"body": []byte("hello")})
	env.Events.Reset()

	moved, err := e.MoveItem(ctx, it.ID, year.ID)
	if err != nil {
		t.Fatalf("MoveItem() error = %v", err)
	}
	if moved.CollectionID != year.ID || moved.Revision != 1 {
		t.Errorf("moved = %+v", moved)
	}
	events := env.Events.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Operation != pim.OpMove || ev.SourceParentID != inbox.ID || ev.ParentID != year.ID {
		t.Errorf("move event = %+v", ev)
	}
	if diff := cmp.Diff([]int64{year.ID, archive.ID, inbox.ID}, ev.Ancestors); diff != "" {
		t.Errorf("move ancestors mismatch (-want +got):\n%s", diff)
	}

	if got, err := e.ReadPart(ctx, it.ID, "body"); err != nil || string(got) != "hello" {
		t.Errorf("ReadPart() after move = %q, %v", got, err)
	}

	tests := []struct {
		name   string
		target int64
		want   error
	}{
		{"into root", pim.RootID, pim.ErrInvalidParent},
		{"into missing collection", 999, pim.ErrInvalidParent},
		{"mime type not allowed", contacts.ID, pim.ErrInvalidParent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.MoveItem(ctx, it.ID, tt.target); !errors.Is(err, tt.want) {
				t.Errorf("MoveItem() error = %v, want %v", err, tt.want)
			}
		})
	}

	env.Events.Reset()
	if _, err := e.MoveItem(ctx, it.ID, year.ID); err != nil {
		t.Fatalf("MoveItem(same collection) error = %v", err)
	}
	if n := len(env.Events.Events()); n != 0 {
		t.Errorf("no-op move published %d events", n)
	}
}

func TestEngine_DeleteItem(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewTestEngine(t, 4096)
	inbox := mustCollection(t, env.Engine, pim.RootID, "Inbox")
	it := mustItem(t, env.Engine, inbox.ID, "message/rfc822", map[string][]byte{"body": []byte("x")})

	if err := env.Engine.DeleteItem(ctx, it.ID); err != nil {
		t.Fatalf("DeleteItem() error = %v", err)
	}
	if err := env.Engine.DeleteItem(ctx, it.ID); !errors.Is(err, pim.ErrNotFound) {
		t.Errorf("second DeleteItem() error = %v, want ErrNotFound", err)
	}
	if _, err := env.Engine.ItemParts(ctx, it.ID); !errors.Is(err, pim.ErrNotFound) {
		t.Errorf("ItemParts() after delete error = %v, want ErrNotFound", err)
	}

	// A deleted item's ID is not reused.
	next := mustItem(t, env.Engine, inbox.ID, "message/rfc822", nil)
	if next.ID <= it.ID {
		t.Errorf("new item ID %d reuses a deleted ID (<= %d)", next.ID, it.ID)
	}
}
