// Package migrations embeds the goose SQL migrations for the client's local
// store and for the pantryd document backend.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed local/*.sql remote/*.sql
var all embed.FS

// Local returns the migrations for the client's local store.
func Local() fs.FS {
	return mustSub("local")
}

// Remote returns the migrations for the pantryd backend database.
func Remote() fs.FS {
	return mustSub("remote")
}

func mustSub(dir string) fs.FS {
	sub, err := fs.Sub(all, dir)
	if err != nil {
		panic("migrations: " + err.Error())
	}
	return sub
}
