package main

import "github.com/ternmail/tern/store"

// mailSchema declares the collections of the mail data model. Collection
// ids are embedded in storage keys and must never be renumbered.
func mailSchema() *store.Schema {
	schema, err := store.NewSchema(
		store.Collection{
			Name: "mailboxes",
			ID:   1,
			Fields: []store.FieldDef{
				{Name: "name", Type: store.FieldString, Indexed: true},
				{Name: "parent_id", Type: store.FieldInt, Indexed: true},
				{Name: "subscribed", Type: store.FieldBool, Indexed: true},
				{Name: "created_at", Type: store.FieldTime, Indexed: true},
			},
		},
		store.Collection{
			Name: "messages",
			ID:   2,
			Fields: []store.FieldDef{
				{Name: "mailbox_id", Type: store.FieldInt, Indexed: true},
				{Name: "uid", Type: store.FieldInt, Indexed: true},
				{Name: "date", Type: store.FieldTime, Indexed: true},
				{Name: "size", Type: store.FieldInt, Indexed: true},
				{Name: "seen", Type: store.FieldBool, Indexed: true},
				{Name: "flagged", Type: store.FieldBool, Indexed: true},
				{Name: "body_hash", Type: store.FieldString, Indexed: true},
				{Name: "from", Type: store.FieldString, Indexed: true, FullText: true, Weight: 3},
				{Name: "to", Type: store.FieldString, FullText: true, Weight: 2},
				{Name: "subject", Type: store.FieldString, Indexed: true, FullText: true, Weight: 4},
				{Name: "body_text", Type: store.FieldString, FullText: true},
				{Name: "body_html", Type: store.FieldString, FullText: true, HTML: true},
			},
		},
		store.Collection{
			Name: "sieve_scripts",
			ID:   3,
			Fields: []store.FieldDef{
				{Name: "name", Type: store.FieldString, Indexed: true},
				{Name: "active", Type: store.FieldBool, Indexed: true},
				{Name: "updated_at", Type: store.FieldTime, Indexed: true},
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return schema
}
