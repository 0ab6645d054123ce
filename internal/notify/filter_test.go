package notify

import (
	"testing"

	"pimstore/internal/pim"
)

func TestFilter_Matches(t *testing.T) {
	// Tree: 1 Inbox > 2 Work > 3 Projects; 4 Contacts.
	itemInProjects := pim.ChangeEvent{
		Kind: pim.KindItem, Operation: pim.OpAdd, ID: 10, ParentID: 3,
		Ancestors: []int64{3, 2, 1}, MimeType: "message/rfc822", Resource: "imap",
	}
	contact := pim.ChangeEvent{
		Kind: pim.KindItem, Operation: pim.OpAdd, ID: 11, ParentID: 4,
		Ancestors: []int64{4}, MimeType: "text/vcard", Resource: "carddav",
	}
	workCollection := pim.ChangeEvent{
		Kind: pim.KindCollection, Operation: pim.OpModify, ID: 2, ParentID: 1,
		Ancestors: []int64{1}, MimeType: pim.CollectionMimeType, Resource: "imap",
	}
	movedOut := pim.ChangeEvent{
		Kind: pim.KindItem, Operation: pim.OpMove, ID: 12, ParentID: 4, SourceParentID: 3,
		Ancestors: []int64{4, 3, 2, 1}, MimeType: "message/rfc822", Resource: "imap",
	}
	ownChange := itemInProjects
	ownChange.SessionID = "cookie-a"

	tests := []struct {
		name   string
		filter Filter
		ev     pim.ChangeEvent
		want   bool
	}{
		{"wildcard matches item", Filter{}, itemInProjects, true},
		{"wildcard matches collection", Filter{}, workCollection, true},
		{"subtree of ancestor", Filter{Collections: []int64{1}}, itemInProjects, true},
		{"direct parent", Filter{Collections: []int64{3}}, itemInProjects, true},
		{"outside subtree", Filter{Collections: []int64{4}}, itemInProjects, false},
		{"root matches everything", Filter{Collections: []int64{pim.RootID}}, contact, true},
		{"collection itself", Filter{Collections: []int64{2}}, workCollection, true},
		{"collection below is not parent", Filter{Collections: []int64{3}}, workCollection, false},
		{"move seen from source", Filter{Collections: []int64{3}}, movedOut, true},
		{"move seen from destination", Filter{Collections: []int64{4}}, movedOut, true},
		{"mime type match", Filter{MimeTypes: []string{"message/rfc822"}}, itemInProjects, true},
		{"mime type case-insensitive", Filter{MimeTypes: []string{"Message/RFC822"}}, itemInProjects, true},
		{"mime type mismatch", Filter{MimeTypes: []string{"message/rfc822"}}, contact, false},
		{"collection mime type", Filter{MimeTypes: []string{pim.CollectionMimeType}}, workCollection, true},
		{"resource match", Filter{Resources: []string{"carddav"}}, contact, true},
		{"resource mismatch", Filter{Resources: []string{"carddav"}}, itemInProjects, false},
		{"all dimensions must match", Filter{Collections: []int64{1}, MimeTypes: []string{"text/vcard"}}, itemInProjects, false},
		{"own session ignored", Filter{IgnoreSession: "cookie-a"}, ownChange, false},
		{"other session delivered", Filter{IgnoreSession: "cookie-b"}, ownChange, true},
		{"sessionless event delivered", Filter{IgnoreSession: "cookie-a"}, itemInProjects, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(&tt.ev); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
