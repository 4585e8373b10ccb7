package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDocumentNull(t *testing.T) {
	doc, err := NewDocument([]byte("  null "))
	require.NoError(t, err)
	require.True(t, doc.IsNull())

	doc, err = NewDocument(nil)
	require.NoError(t, err)
	require.True(t, doc.IsNull())

	_, err = NewDocument([]byte("{not json"))
	require.Error(t, err)
}

func TestDocumentCompactsOnDecode(t *testing.T) {
	var c Change
	err := json.Unmarshal([]byte(`{
		"id": "c1",
		"type": "update",
		"timestamp": "2024-03-01T12:30:00Z",
		"remoteId": "2",
		"data": { "tags": [ "y" ] },
		"originalData": null
	}`), &c)
	require.NoError(t, err)
	require.Equal(t, Document(`{"tags":["y"]}`), c.Data)
	require.Nil(t, c.OriginalData)
	require.Nil(t, c.UpdatedData)

	out, err := json.Marshal(c)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"id": "c1",
		"type": "update",
		"timestamp": "2024-03-01T12:30:00Z",
		"remoteId": "2",
		"data": {"tags": ["y"]},
		"originalData": null
	}`, string(out))
}

func TestTagName(t *testing.T) {
	c := Change{Type: ChangeTagAdd, Data: TagPayload("überfällig")}
	require.Equal(t, "überfällig", c.TagName())
	require.Equal(t, "", Change{Type: ChangeDelete}.TagName())
}

func TestValidate(t *testing.T) {
	changes := SampleChanges(t)
	require.NoError(t, Validate(changes))

	dup := append(changes, changes[0])
	require.ErrorIs(t, Validate(dup), ErrCorrupt)

	bad := []Change{{ID: "x", Type: "rename"}}
	require.ErrorIs(t, Validate(bad), ErrCorrupt)

	require.ErrorIs(t, Validate([]Change{{Type: ChangeCreate}}), ErrCorrupt)
}

func TestDescribe(t *testing.T) {
	doc := func(raw string) Document {
		d, err := NewDocument([]byte(raw))
		require.NoError(t, err)
		return d
	}
	tests := []struct {
		name   string
		change Change
		want   string
	}{
		{
			name:   "create uses submitted title",
			change: Change{Type: ChangeCreate, RemoteID: "126", Data: doc(`{"title":"New Feature Request"}`)},
			want:   `Created note "New Feature Request"`,
		},
		{
			name: "update lists changed fields",
			change: Change{Type: ChangeUpdate, RemoteID: "125",
				Data:         doc(`{"tags":["a"],"owner":{"id":"user1"}}`),
				OriginalData: doc(`{"title":"Ownership Change Note"}`)},
			want: `Updated owner, tags on note "Ownership Change Note"`,
		},
		{
			name:   "delete",
			change: Change{Type: ChangeDelete, RemoteID: "127", OriginalData: doc(`{"title":"Note to Delete"}`)},
			want:   `Deleted note "Note to Delete"`,
		},
		{
			name:   "tag add without title falls back to id",
			change: Change{Type: ChangeTagAdd, RemoteID: "128", Data: TagPayload("test-tag"), OriginalData: doc(`{"content":"x"}`)},
			want:   `Added tag "test-tag" to note 128`,
		},
		{
			name:   "tag remove",
			change: Change{Type: ChangeTagRemove, RemoteID: "124", Data: TagPayload("old-feature"), OriginalData: doc(`{"title":"Legacy Feature Note"}`)},
			want:   `Removed tag "old-feature" from note "Legacy Feature Note"`,
		},
		{
			name:   "no title and no id",
			change: Change{Type: ChangeCreate, Data: doc(`{}`)},
			want:   `Created untitled note`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.change.Describe())
		})
	}
}
