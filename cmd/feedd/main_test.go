package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GetStream/feed-reactions/badger"
	"github.com/GetStream/feed-reactions/config"
	"github.com/GetStream/feed-reactions/feed"
	"github.com/GetStream/feed-reactions/memstore"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     config.Config
		want    any
		wantErr bool
	}{
		{
			name: "Memory",
			cfg:  config.Config{Backend: config.BackendMemory},
			want: &memstore.Store{},
		},
		{
			name: "Badger",
			cfg:  config.Config{Backend: config.BackendBadger, BadgerPath: filepath.Join(t.TempDir(), "db")},
			want: &badger.Store{},
		},
		{
			name:    "Unknown",
			cfg:     config.Config{Backend: "sqlite"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, closeStore, err := openStore(ctx, tt.cfg, slogt.New(t))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer func() { assert.NoError(t, closeStore()) }()
			assert.IsType(t, tt.want, store)

			created, err := store.CreateItem(ctx, feed.Item{Kind: feed.KindPost, AuthorID: "u1"})
			require.NoError(t, err)
			_, err = store.GetItem(ctx, created.ID)
			assert.NoError(t, err)
		})
	}
}

func TestRootCommand(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "reconcile"} {
		assert.True(t, names[want], "missing %s command", want)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}
